package outbound

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Signature errors
var (
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrSignatureExpired   = errors.New("signature timestamp outside tolerance")
)

// Signer produces and checks "t=<unix>,v1=<hex>" signature headers, where
// the hex digest is HMAC-SHA256(secret, "<unix>.<body>").
type Signer interface {
	Sign(secret string, body []byte, at time.Time) string
	Verify(secret string, body []byte, header string) error
}

// HMACSigner is the Signer used for outbound callbacks and inbound Stripe
// notifications.
type HMACSigner struct {
	// Tolerance bounds the age of a verified timestamp. Zero disables the check.
	Tolerance time.Duration
	Now       func() time.Time
}

// NewHMACSigner creates a signer that rejects timestamps older than tolerance.
func NewHMACSigner(tolerance time.Duration) *HMACSigner {
	return &HMACSigner{Tolerance: tolerance, Now: time.Now}
}

// Sign returns the signature header value for body at the given time.
func (s *HMACSigner) Sign(secret string, body []byte, at time.Time) string {
	ts := at.Unix()
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + digest(secret, ts, body)
}

// Verify checks header against body. Any v1 entry may match, so a sender
// rotating secrets can send both signatures.
func (s *HMACSigner) Verify(secret string, body []byte, header string) error {
	var (
		ts         int64
		haveTS     bool
		signatures []string
	)

	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrMalformedSignature
			}
			ts, haveTS = parsed, true
		case "v1":
			signatures = append(signatures, v)
		}
	}

	if !haveTS || len(signatures) == 0 {
		return ErrMalformedSignature
	}

	if s.Tolerance > 0 {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		age := now().Sub(time.Unix(ts, 0))
		if age > s.Tolerance || age < -s.Tolerance {
			return ErrSignatureExpired
		}
	}

	expected := []byte(digest(secret, ts, body))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

func digest(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
