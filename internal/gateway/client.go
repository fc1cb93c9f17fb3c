package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Config holds mobile-money gateway configuration.
type Config struct {
	BaseURL           string        `envconfig:"GATEWAY_BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	ConsumerKey       string        `envconfig:"GATEWAY_CONSUMER_KEY"`
	ConsumerSecret    string        `envconfig:"GATEWAY_CONSUMER_SECRET"`
	ShortCode         string        `envconfig:"GATEWAY_SHORT_CODE"`
	Passkey           string        `envconfig:"GATEWAY_PASSKEY"`
	InitiatorName     string        `envconfig:"GATEWAY_INITIATOR_NAME"`
	InitiatorPassword string        `envconfig:"GATEWAY_INITIATOR_PASSWORD"`
	CertPath          string        `envconfig:"GATEWAY_CERT_PATH"`
	CallbackBaseURL   string        `envconfig:"GATEWAY_CALLBACK_BASE_URL"`
	Timeout           time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
}

// TokenSource supplies OAuth bearer tokens for outbound gateway calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client initiates STK pushes and B2C payouts against the gateway.
type Client struct {
	config     Config
	httpClient *http.Client
	tokens     TokenSource
	credential *Credential
	logger     *slog.Logger
}

// NewClient creates a gateway client. tokens may be nil, in which case
// the client fetches tokens itself using the consumer key and secret.
func NewClient(cfg Config, tokens TokenSource, logger *slog.Logger) *Client {
	c := &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		credential: NewCredential(cfg.InitiatorPassword, cfg.CertPath),
		logger:     logger,
	}
	if c.tokens == nil {
		c.tokens = &oauthTokenSource{client: c}
	}
	return c
}

// STKPushRequest describes a collection push to a subscriber's handset.
type STKPushRequest struct {
	Phone       string
	AmountMajor int64
	AccountRef  string
	Description string
}

// STKPushResponse is the gateway's synchronous acceptance of a push.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush initiates a collection push. The returned identifiers are the
// correlation keys the asynchronous callback will carry.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	ts := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString(
		[]byte(c.config.ShortCode + c.config.Passkey + ts))

	payload := map[string]any{
		"BusinessShortCode": c.config.ShortCode,
		"Password":          password,
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            strconv.FormatInt(req.AmountMajor, 10),
		"PartyA":            req.Phone,
		"PartyB":            c.config.ShortCode,
		"PhoneNumber":       req.Phone,
		"CallBackURL":       c.config.CallbackBaseURL + "/webhooks/collections",
		"AccountReference":  req.AccountRef,
		"TransactionDesc":   req.Description,
	}

	var resp STKPushResponse
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", payload, &resp); err != nil {
		return nil, fmt.Errorf("stk push: %w", err)
	}
	if resp.ResponseCode != "0" {
		return nil, fmt.Errorf("stk push rejected: code=%s desc=%s", resp.ResponseCode, resp.ResponseDescription)
	}

	c.logger.Info("stk push accepted",
		"merchant_request_id", resp.MerchantRequestID,
		"checkout_request_id", resp.CheckoutRequestID,
	)
	return &resp, nil
}

// B2CRequest describes a payout or refund to a subscriber.
type B2CRequest struct {
	OriginatorConversationID string
	Phone                    string
	AmountMajor              int64
	CommandID                string // BusinessPayment or SalaryPayment
	Remarks                  string
	Occasion                 string
}

// B2CResponse is the gateway's synchronous acceptance of a payout.
type B2CResponse struct {
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ConversationID           string `json:"ConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// B2CPayment initiates a payout. Requires the initiator credential, so
// the gateway certificate must be readable.
func (c *Client) B2CPayment(ctx context.Context, req B2CRequest) (*B2CResponse, error) {
	cred, err := c.credential.Get()
	if err != nil {
		return nil, fmt.Errorf("b2c payment: %w", err)
	}

	payload := map[string]any{
		"OriginatorConversationID": req.OriginatorConversationID,
		"InitiatorName":            c.config.InitiatorName,
		"SecurityCredential":       cred,
		"CommandID":                req.CommandID,
		"Amount":                   strconv.FormatInt(req.AmountMajor, 10),
		"PartyA":                   c.config.ShortCode,
		"PartyB":                   req.Phone,
		"Remarks":                  req.Remarks,
		"QueueTimeOutURL":          c.config.CallbackBaseURL + "/webhooks/disbursements/timeout",
		"ResultURL":                c.config.CallbackBaseURL + "/webhooks/disbursements",
		"Occasion":                 req.Occasion,
	}

	var resp B2CResponse
	if err := c.post(ctx, "/mpesa/b2c/v3/paymentrequest", payload, &resp); err != nil {
		return nil, fmt.Errorf("b2c payment: %w", err)
	}
	if resp.ResponseCode != "0" {
		return nil, fmt.Errorf("b2c payment rejected: code=%s desc=%s", resp.ResponseCode, resp.ResponseDescription)
	}

	c.logger.Info("b2c payment accepted",
		"originator_conversation_id", resp.OriginatorConversationID,
		"conversation_id", resp.ConversationID,
	)
	return &resp, nil
}

// STKQueryResponse is the gateway's answer to a push status query.
// ResultCode is a string here, unlike the asynchronous callback.
type STKQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// STKQuery asks the gateway for the current status of a collection
// push. Used when a callback never arrived.
func (c *Client) STKQuery(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	ts := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString(
		[]byte(c.config.ShortCode + c.config.Passkey + ts))

	payload := map[string]any{
		"BusinessShortCode": c.config.ShortCode,
		"Password":          password,
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}

	var resp STKQueryResponse
	if err := c.post(ctx, "/mpesa/stkpushquery/v1/query", payload, &resp); err != nil {
		return nil, fmt.Errorf("stk query: %w", err)
	}
	return &resp, nil
}

// QueryResponse is the gateway's synchronous acceptance of an account
// balance or transaction status query. The answer arrives on the
// configured result webhook.
type QueryResponse struct {
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ConversationID           string `json:"ConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// AccountBalance requests the short code's account balances. The
// balances themselves are delivered asynchronously to the balance
// result webhook.
func (c *Client) AccountBalance(ctx context.Context) (*QueryResponse, error) {
	cred, err := c.credential.Get()
	if err != nil {
		return nil, fmt.Errorf("account balance: %w", err)
	}

	payload := map[string]any{
		"Initiator":          c.config.InitiatorName,
		"SecurityCredential": cred,
		"CommandID":          "AccountBalance",
		"PartyA":             c.config.ShortCode,
		"IdentifierType":     "4",
		"Remarks":            "Account Balance Request",
		"QueueTimeOutURL":    c.config.CallbackBaseURL + "/webhooks/balance/timeout",
		"ResultURL":          c.config.CallbackBaseURL + "/webhooks/balance",
	}

	var resp QueryResponse
	if err := c.post(ctx, "/mpesa/accountbalance/v1/query", payload, &resp); err != nil {
		return nil, fmt.Errorf("account balance: %w", err)
	}
	if resp.ResponseCode != "0" {
		return nil, fmt.Errorf("account balance rejected: code=%s desc=%s", resp.ResponseCode, resp.ResponseDescription)
	}
	return &resp, nil
}

// TransactionStatus asks the gateway to re-deliver the outcome of a
// disbursement that never produced a result callback.
func (c *Client) TransactionStatus(ctx context.Context, transactionID, originatorConversationID string) (*QueryResponse, error) {
	cred, err := c.credential.Get()
	if err != nil {
		return nil, fmt.Errorf("transaction status: %w", err)
	}

	payload := map[string]any{
		"Initiator":                c.config.InitiatorName,
		"SecurityCredential":       cred,
		"CommandID":                "TransactionStatusQuery",
		"TransactionID":            transactionID,
		"OriginatorConversationID": originatorConversationID,
		"PartyA":                   c.config.ShortCode,
		"IdentifierType":           "4",
		"Remarks":                  "Check transaction status",
		"Occasion":                 "Check",
		"QueueTimeOutURL":          c.config.CallbackBaseURL + "/webhooks/transaction-status/timeout",
		"ResultURL":                c.config.CallbackBaseURL + "/webhooks/transaction-status",
	}

	var resp QueryResponse
	if err := c.post(ctx, "/mpesa/transactionstatus/v1/query", payload, &resp); err != nil {
		return nil, fmt.Errorf("transaction status: %w", err)
	}
	if resp.ResponseCode != "0" {
		return nil, fmt.Errorf("transaction status rejected: code=%s desc=%s", resp.ResponseCode, resp.ResponseDescription)
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("gateway error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// oauthTokenSource fetches client-credentials tokens from the gateway
// and caches them until shortly before expiry.
type oauthTokenSource struct {
	client *Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

func (s *oauthTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Now().Before(s.expires) {
		return s.token, nil
	}

	cfg := s.client.config
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	httpReq.SetBasicAuth(cfg.ConsumerKey, cfg.ConsumerSecret)

	httpResp, err := s.client.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return "", fmt.Errorf("token request failed: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshal token response: %w", err)
	}

	ttl := 3600 * time.Second
	if secs, err := strconv.Atoi(resp.ExpiresIn); err == nil && secs > 60 {
		ttl = time.Duration(secs) * time.Second
	}
	s.token = resp.AccessToken
	s.expires = time.Now().Add(ttl - 60*time.Second)
	return s.token, nil
}
