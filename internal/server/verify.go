package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

const signatureVersion = "v0"

// maxSkew bounds how stale a signed request may be before it is rejected.
const maxSkew = 5 * time.Minute

var (
	// ErrBadSignature means the request signature does not match the body.
	ErrBadSignature = errors.New("server: signature mismatch")

	// ErrStaleRequest means the request timestamp is outside the accepted
	// window.
	ErrStaleRequest = errors.New("server: stale request timestamp")
)

// verifySignature checks the v0 signature Slack computes over
// "v0:<timestamp>:<body>" with the workspace signing secret.
func verifySignature(secret, timestamp, signature string, body []byte, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleRequest
	}
	if d := now.Sub(time.Unix(ts, 0)); d > maxSkew || d < -maxSkew {
		return ErrStaleRequest
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	want := signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// signBody produces the signature header value for a body.
func signBody(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}
