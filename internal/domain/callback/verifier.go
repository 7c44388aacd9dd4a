package callback

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrSignatureInvalid is returned when a callback is not signed by the provider.
var ErrSignatureInvalid = errors.New("callback signature invalid")

// Verifier checks the Signature header Salt Edge attaches to callbacks:
// base64(RSA-SHA256(callback_url + "|" + raw_body)) under the provider's public key.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifier creates a verifier for the given provider key.
func NewVerifier(publicKey *rsa.PublicKey) *Verifier {
	return &Verifier{publicKey: publicKey}
}

// LoadVerifier reads a PEM-encoded provider public key from path.
func LoadVerifier(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider public key: %w", err)
	}
	key, err := ParsePublicKey(data)
	if err != nil {
		return nil, err
	}
	return NewVerifier(key), nil
}

// ParsePublicKey decodes a PKIX or PKCS#1 RSA public key in PEM form.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found in public key")
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return rsaPub, nil
	}

	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, nil
}

// Verify checks signature against the exact bytes received at callbackURL.
// Every failure maps to ErrSignatureInvalid so callers cannot leak the reason.
func (v *Verifier) Verify(callbackURL string, body []byte, signature string) error {
	if v == nil || v.publicKey == nil {
		return ErrSignatureInvalid
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrSignatureInvalid
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrSignatureInvalid
	}

	digest := sha256.Sum256(SignedPayload(callbackURL, body))
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, digest[:], sig); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// SignedPayload builds the byte string the provider signs.
func SignedPayload(callbackURL string, body []byte) []byte {
	payload := make([]byte, 0, len(callbackURL)+1+len(body))
	payload = append(payload, callbackURL...)
	payload = append(payload, '|')
	payload = append(payload, body...)
	return payload
}
