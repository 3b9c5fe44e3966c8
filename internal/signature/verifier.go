// Package signature authenticates provider webhook deliveries.
//
// The provider signs the manifest "id:<data.id>;request-id:<x-request-id>;ts:<ts>;"
// with HMAC-SHA256 and sends "ts=<unix>,v1=<hex>" in the x-signature header.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingHeaders      = errors.New("signature: missing x-signature or x-request-id")
	ErrSecretNotConfigured = errors.New("signature: webhook secret not configured")
	ErrMalformedSignature  = errors.New("signature: malformed x-signature header")
	ErrMalformedBody       = errors.New("signature: body has no data.id")
	ErrSignatureMismatch   = errors.New("signature: mismatch")
	ErrTimestampSkew       = errors.New("signature: timestamp outside tolerance")
)

type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

type Option func(*Verifier)

// WithTolerance rejects signatures whose ts is further than d from now.
// Zero disables the check.
func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) { v.tolerance = d }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the signature header against the body and request id.
// Only data.id is read from the body.
func (v *Verifier) Verify(signatureHeader, requestID string, body []byte) error {
	if signatureHeader == "" || requestID == "" {
		return ErrMissingHeaders
	}
	if len(v.secret) == 0 {
		return ErrSecretNotConfigured
	}

	ts, provided, err := parseHeader(signatureHeader)
	if err != nil {
		return err
	}

	resourceID, err := ResourceID(body)
	if err != nil {
		return err
	}

	if v.tolerance > 0 {
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: ts is not an integer", ErrMalformedSignature)
		}
		skew := v.now().Sub(time.Unix(sec, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return ErrTimestampSkew
		}
	}

	expected := v.mac(resourceID, requestID, ts)
	if !hmac.Equal(expected, provided) {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign returns a header value the provider would send for these fields.
func (v *Verifier) Sign(resourceID, requestID, ts string) string {
	return "ts=" + ts + ",v1=" + hex.EncodeToString(v.mac(resourceID, requestID, ts))
}

func (v *Verifier) mac(resourceID, requestID, ts string) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(Manifest(resourceID, requestID, ts)))
	return h.Sum(nil)
}

func Manifest(resourceID, requestID, ts string) string {
	return "id:" + resourceID + ";request-id:" + requestID + ";ts:" + ts + ";"
}

func parseHeader(header string) (string, []byte, error) {
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return "", nil, ErrMalformedSignature
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	if ts == "" || v1 == "" {
		return "", nil, ErrMalformedSignature
	}
	mac, err := hex.DecodeString(v1)
	if err != nil {
		return "", nil, fmt.Errorf("%w: v1 is not hex", ErrMalformedSignature)
	}
	return ts, mac, nil
}

// ResourceID extracts data.id, accepting a JSON string or number.
func ResourceID(body []byte) (string, error) {
	var envelope struct {
		Data struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	raw := bytes.TrimSpace(envelope.Data.ID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ErrMalformedBody
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", ErrMalformedBody
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", ErrMalformedBody
}
