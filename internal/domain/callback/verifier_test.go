package callback

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testCallbackURL = "https://api.example.com/api/v1/callbacks/ais/success"

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() failed: %v", err)
	}
	return key
}

func sign(t *testing.T, key *rsa.PrivateKey, url string, body []byte) string {
	t.Helper()
	digest := sha256.Sum256(SignedPayload(url, body))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15() failed: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

func TestVerify(t *testing.T) {
	key := newTestKey(t)
	other := newTestKey(t)
	v := NewVerifier(&key.PublicKey)
	body := []byte(`{"data":{"connection_id":"111","customer_id":"222","stage":"finish"},"meta":{"version":"5"}}`)

	tests := []struct {
		name      string
		url       string
		body      []byte
		signature string
		wantErr   bool
	}{
		{"valid", testCallbackURL, body, sign(t, key, testCallbackURL, body), false},
		{"tampered body", testCallbackURL, append([]byte(" "), body...), sign(t, key, testCallbackURL, body), true},
		{"different url", "https://evil.example.com/cb", body, sign(t, key, testCallbackURL, body), true},
		{"wrong key", testCallbackURL, body, sign(t, other, testCallbackURL, body), true},
		{"empty signature", testCallbackURL, body, "", true},
		{"not base64", testCallbackURL, body, "%%%", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.url, tt.body, tt.signature)
			if tt.wantErr {
				if !errors.Is(err, ErrSignatureInvalid) {
					t.Errorf("Verify() error = %v, want ErrSignatureInvalid", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Verify() unexpected error: %v", err)
			}
		})
	}
}

func TestVerify_NilVerifierFailsClosed(t *testing.T) {
	var v *Verifier
	if err := v.Verify(testCallbackURL, []byte("{}"), "abc"); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("Verify() on nil verifier = %v, want ErrSignatureInvalid", err)
	}
}

func TestLoadVerifier(t *testing.T) {
	key := newTestKey(t)
	dir := t.TempDir()

	pkix, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() failed: %v", err)
	}
	pkixPath := filepath.Join(dir, "pkix.pem")
	if err := os.WriteFile(pkixPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix}), 0o600); err != nil {
		t.Fatal(err)
	}
	pkcs1Path := filepath.Join(dir, "pkcs1.pem")
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})
	if err := os.WriteFile(pkcs1Path, pkcs1, 0o600); err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"data":{"connection_id":"1"}}`)
	sig := sign(t, key, testCallbackURL, body)

	for _, path := range []string{pkixPath, pkcs1Path} {
		v, err := LoadVerifier(path)
		if err != nil {
			t.Fatalf("LoadVerifier(%s) failed: %v", filepath.Base(path), err)
		}
		if err := v.Verify(testCallbackURL, body, sig); err != nil {
			t.Errorf("Verify() with %s key failed: %v", filepath.Base(path), err)
		}
	}

	if _, err := LoadVerifier(filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("LoadVerifier() expected error for missing file")
	}
	if _, err := ParsePublicKey([]byte("not pem")); err == nil {
		t.Error("ParsePublicKey() expected error for garbage input")
	}
}
