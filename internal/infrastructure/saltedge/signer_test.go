package saltedge

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignaturePayload(t *testing.T) {
	got := signaturePayload(1700000000, "POST", "https://example.com/api/v5/customers", []byte(`{"data":{}}`))
	assert.Equal(t, `1700000000|POST|https://example.com/api/v5/customers|{"data":{}}`, string(got))

	got = signaturePayload(1, "GET", "https://example.com/x?y=1", nil)
	assert.Equal(t, "1|GET|https://example.com/x?y=1|", string(got))
}

func TestHMACSigner_Deterministic(t *testing.T) {
	s := NewHMACSigner("secret")
	a, err := s.Sign([]byte("payload"))
	require.NoError(t, err)
	b, _ := s.Sign([]byte("payload"))
	c, _ := NewHMACSigner("other").Sign([]byte("payload"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	_, err = base64.StdEncoding.DecodeString(a)
	assert.NoError(t, err)
}

func TestRSASigner_Verifiable(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	sig, err := NewRSASigner(key).Sign([]byte("payload"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("payload"))
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], raw))
}

func TestLoadPrivateKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	dir := t.TempDir()

	pkcs1 := filepath.Join(dir, "pkcs1.pem")
	require.NoError(t, os.WriteFile(pkcs1, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), 0o600))

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8 := filepath.Join(dir, "pkcs8.pem")
	require.NoError(t, os.WriteFile(pkcs8, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))

	for _, path := range []string{pkcs1, pkcs8} {
		loaded, err := LoadPrivateKey(path)
		require.NoError(t, err, path)
		assert.True(t, key.Equal(loaded), path)
	}

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))
	_, err = LoadPrivateKey(garbage)
	assert.Error(t, err)

	_, err = LoadPrivateKey(filepath.Join(dir, "missing.pem"))
	assert.Error(t, err)
}
