package crypto

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known test vector: private key 0x...01 derives this address.
const (
	testPrivKey = "0000000000000000000000000000000000000000000000000000000000000001"
	testAddress = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
)

func TestL2HeadersAt_DeterministicSignature(t *testing.T) {
	auth := &HMACAuth{
		Key:        "api-key",
		Secret:     base64.StdEncoding.EncodeToString([]byte("super-secret")),
		Passphrase: "phrase",
	}

	h1 := auth.L2HeadersAt(testAddress, "POST", "/order", `{"x":1}`, 1700000000)
	h2 := auth.L2HeadersAt(testAddress, "POST", "/order", `{"x":1}`, 1700000000)
	assert.Equal(t, h1, h2)

	assert.Equal(t, testAddress, h1["POLY_ADDRESS"])
	assert.Equal(t, "api-key", h1["POLY_API_KEY"])
	assert.Equal(t, "1700000000", h1["POLY_TIMESTAMP"])
	assert.Equal(t, "phrase", h1["POLY_PASSPHRASE"])

	_, err := base64.StdEncoding.DecodeString(h1["POLY_SIGNATURE"])
	assert.NoError(t, err)

	// Any change to the signed message changes the signature.
	body := auth.L2HeadersAt(testAddress, "POST", "/order", `{"x":2}`, 1700000000)
	assert.NotEqual(t, h1["POLY_SIGNATURE"], body["POLY_SIGNATURE"])
	ts := auth.L2HeadersAt(testAddress, "POST", "/order", `{"x":1}`, 1700000001)
	assert.NotEqual(t, h1["POLY_SIGNATURE"], ts["POLY_SIGNATURE"])
}

func TestHMACAuth_StringRedactsSecrets(t *testing.T) {
	auth := &HMACAuth{Key: "abcdef123456", Secret: "topsecretvalue"}
	s := auth.String()
	assert.NotContains(t, s, "abcdef123456")
	assert.NotContains(t, s, "topsecretvalue")
	assert.Contains(t, s, "abcd****")
}

func TestNewSigner_DerivesAddress(t *testing.T) {
	s, err := NewSigner(testPrivKey, 137)
	require.NoError(t, err)
	assert.Equal(t, testAddress, s.Address().Hex())

	// The 0x prefix is accepted too.
	prefixed, err := NewSigner("0x"+testPrivKey, 137)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), prefixed.Address())
}

func TestNewSigner_RejectsInvalidKey(t *testing.T) {
	_, err := NewSigner("not-hex", 137)
	assert.Error(t, err)
}

func TestSignAuthMessage_ProducesRecoverableSignature(t *testing.T) {
	s, err := NewSigner(testPrivKey, 137)
	require.NoError(t, err)

	sig, err := s.SignAuthMessage(testAddress, 1700000000, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig, "0x"))
	assert.Len(t, sig, 2+65*2)

	// v must be 27 or 28.
	v := sig[len(sig)-2:]
	assert.Contains(t, []string{"1b", "1c"}, v)

	// Deterministic signing: same inputs, same signature.
	again, err := s.SignAuthMessage(testAddress, 1700000000, 0)
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	other, err := s.SignAuthMessage(testAddress, 1700000000, 1)
	require.NoError(t, err)
	assert.NotEqual(t, sig, other)
}

func TestSignOrder_ValidatesNumericFields(t *testing.T) {
	s, err := NewSigner(testPrivKey, 137)
	require.NoError(t, err)

	order := OrderPayload{
		Salt:          "12345",
		Maker:         testAddress,
		Signer:        testAddress,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       "98765",
		MakerAmount:   "515000",
		TakerAmount:   "1000000",
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          0,
		SignatureType: 2,
	}

	sig, err := s.SignOrder(order)
	require.NoError(t, err)
	assert.Len(t, sig, 2+65*2)

	order.TokenID = "not-a-number"
	_, err = s.SignOrder(order)
	assert.Error(t, err)
}

func TestEncryptKey_RoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testPrivKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testPrivKey, got)
}

func TestDecryptKey_WrongPasswordFails(t *testing.T) {
	blob, err := EncryptKey(testPrivKey, "hunter2")
	require.NoError(t, err)

	_, err = DecryptKey(blob, "*******")
	assert.Error(t, err)
}

func TestEncryptKey_RejectsBadInput(t *testing.T) {
	_, err := EncryptKey(testPrivKey, "")
	assert.Error(t, err)

	_, err = EncryptKey("abcd", "hunter2") // not 32 bytes
	assert.Error(t, err)
}

func TestLoadKey_RawKeyTakesPrecedence(t *testing.T) {
	got, err := LoadKey(KeyConfig{
		RawPrivateKey:    "0x" + testPrivKey,
		EncryptedKeyPath: "/does/not/exist",
	})
	require.NoError(t, err)
	assert.Equal(t, testPrivKey, got)
}

func TestLoadKey_EncryptedFile(t *testing.T) {
	blob, err := EncryptKey(testPrivKey, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, testPrivKey, got)
}

func TestLoadKey_NoSourceErrors(t *testing.T) {
	_, err := LoadKey(KeyConfig{})
	assert.Error(t, err)

	_, err = LoadKey(KeyConfig{RawPrivateKey: "zzzz"})
	assert.Error(t, err)
}
