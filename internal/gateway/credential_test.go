package gateway

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestCert(t *testing.T, asPEM bool) (path string, key *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "gateway.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	data := der
	if asPEM {
		data = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
	path = filepath.Join(t.TempDir(), "gateway.cer")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("writing certificate: %v", err)
	}
	return path, key
}

func TestCredentialGet(t *testing.T) {
	for _, tc := range []struct {
		name  string
		asPEM bool
	}{
		{"pem", true},
		{"der", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path, key := writeTestCert(t, tc.asPEM)
			cred := NewCredential("s3cret!", path)

			got, err := cred.Get()
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			raw, err := base64.StdEncoding.DecodeString(got)
			if err != nil {
				t.Fatalf("credential is not base64: %v", err)
			}
			plain, err := rsa.DecryptPKCS1v15(nil, key, raw)
			if err != nil {
				t.Fatalf("decrypting credential: %v", err)
			}
			if string(plain) != "s3cret!" {
				t.Errorf("decrypted credential = %q", plain)
			}
		})
	}
}

func TestCredentialCachesResult(t *testing.T) {
	path, _ := writeTestCert(t, true)
	cred := NewCredential("s3cret!", path)

	first, err := cred.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Remove the certificate: the cached value must keep serving.
	if err := os.Remove(path); err != nil {
		t.Fatalf("removing cert: %v", err)
	}
	second, err := cred.Get()
	if err != nil {
		t.Fatalf("Get after removal: %v", err)
	}
	if first != second {
		t.Error("credential was recomputed instead of cached")
	}
}

func TestCredentialErrorNotCached(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.cer")
	cred := NewCredential("s3cret!", path)

	if _, err := cred.Get(); err == nil {
		t.Fatal("expected error for missing certificate")
	}

	// Fix the path contents and the next call must succeed.
	good, _ := writeTestCert(t, true)
	data, err := os.ReadFile(good)
	if err != nil {
		t.Fatalf("reading cert: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("writing cert: %v", err)
	}
	if _, err := cred.Get(); err != nil {
		t.Fatalf("Get after fix: %v", err)
	}
}
