package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	headerKey       = "KALSHI-ACCESS-KEY"
	headerTimestamp = "KALSHI-ACCESS-TIMESTAMP"
	headerSignature = "KALSHI-ACCESS-SIGNATURE"
)

// Signer authenticates requests with an RSA-PSS SHA-256 signature over
// timestamp(ms) + method + path.
type Signer struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewSigner parses a PKCS#8 or PKCS#1 PEM private key.
func NewSigner(keyID string, pemData []byte) (*Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, want RSA", key)
		}
		return &Signer{keyID: keyID, key: rsaKey}, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{keyID: keyID, key: rsaKey}, nil
}

// Sign sets the access headers on req. The query string is not signed.
func (s *Signer) Sign(req *http.Request, at time.Time) error {
	ts := strconv.FormatInt(at.UnixMilli(), 10)
	digest := sha256.Sum256([]byte(ts + req.Method + req.URL.Path))

	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	req.Header.Set(headerKey, s.keyID)
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, base64.StdEncoding.EncodeToString(sig))
	return nil
}
