package gateway

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
)

// Credential produces the gateway security credential: the initiator
// password encrypted under the gateway's public certificate, base64
// encoded. The credential is computed once on first use and cached;
// failures are not cached so a bad cert path can be fixed at runtime.
type Credential struct {
	password string
	certPath string

	mu     sync.Mutex
	cached string
}

// NewCredential builds a lazy credential source from the initiator
// password and the path to the gateway certificate (PEM or raw DER).
func NewCredential(initiatorPassword, certPath string) *Credential {
	return &Credential{password: initiatorPassword, certPath: certPath}
}

// Get returns the encrypted credential, computing it on first call.
func (c *Credential) Get() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != "" {
		return c.cached, nil
	}
	raw, err := os.ReadFile(c.certPath)
	if err != nil {
		return "", fmt.Errorf("reading gateway certificate: %w", err)
	}
	cred, err := encryptCredential(c.password, raw)
	if err != nil {
		return "", err
	}
	c.cached = cred
	return cred, nil
}

// encryptCredential encrypts the password with RSA PKCS#1 v1.5 under
// the certificate's public key. The certificate may be PEM wrapped or
// raw DER.
func encryptCredential(password string, cert []byte) (string, error) {
	der := cert
	if block, _ := pem.Decode(cert); block != nil {
		der = block.Bytes
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return "", fmt.Errorf("parsing gateway certificate: %w", err)
	}
	pub, ok := parsed.PublicKey.(*rsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("gateway certificate does not carry an RSA key")
	}
	enc, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(password))
	if err != nil {
		return "", fmt.Errorf("encrypting credential: %w", err)
	}
	return base64.StdEncoding.EncodeToString(enc), nil
}
