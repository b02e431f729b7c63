package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerify(t *testing.T) {
	body := []byte(`{"action":"queued"}`)

	assert.NoError(t, Verify(body, sign(body, "secret"), "secret"))
}

func TestVerify_WrongSecret(t *testing.T) {
	body := []byte(`{"action":"queued"}`)

	err := Verify(body, sign(body, "other"), "secret")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerify_MutatedBody(t *testing.T) {
	body := []byte(`{"action":"queued"}`)
	header := sign(body, "secret")

	mutated := append([]byte(nil), body...)
	mutated[0] = ' '
	assert.ErrorIs(t, Verify(mutated, header, "secret"), ErrBadSignature)
}

func TestVerify_MalformedHeader(t *testing.T) {
	body := []byte(`{}`)

	cases := map[string]string{
		"empty":        "",
		"no prefix":    hex.EncodeToString(make([]byte, 32)),
		"wrong scheme": "sha1=deadbeef",
		"not hex":      "sha256=zzzz",
		"truncated":    "sha256=dead",
	}
	for name, header := range cases {
		assert.ErrorIs(t, Verify(body, header, "secret"), ErrBadSignature, name)
	}
}

func TestVerify_EmptySecret(t *testing.T) {
	body := []byte(`{}`)

	// No configured secret must never verify, whatever the header says.
	assert.Error(t, Verify(body, sign(body, ""), ""))
}
