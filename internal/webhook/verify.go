package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrBadSignature is returned when an event's signature does not match
// the configured secret.
var ErrBadSignature = errors.New("webhook signature mismatch")

// Verify checks the HMAC-SHA256 signature header against the exact raw
// request body.  The header carries the "sha256=<hex>" form.
func Verify(body []byte, sigHeader, secret string) error {
	if secret == "" {
		return fmt.Errorf("no webhook secret configured")
	}

	hexDigest, ok := strings.CutPrefix(sigHeader, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	want, err := hex.DecodeString(hexDigest)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrBadSignature
	}
	return nil
}
