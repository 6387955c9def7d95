// Package signedrequest encodes and verifies the HMAC-SHA256 envelopes exchanged
// between sites and the relay, and sent by Instagram's data deletion callback.
//
// An envelope is "{base64url(signature)}.{base64url(json(payload))}" where the
// signature is computed over the encoded payload string.
package signedrequest

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
)

const (
	// Algorithm is the only supported signature algorithm.
	Algorithm = "HMAC-SHA256"
	// Separator splits the signature from the payload.
	Separator = "."

	FieldAlgorithm = "algorithm"
	FieldTime      = "time"
)

// Payload is the decoded body of an envelope.
type Payload map[string]any

// Encode signs payload with secret. The algorithm and time fields are always
// set by the codec; every other key is taken from payload unchanged.
func Encode(payload Payload, secret string, now time.Time) (string, error) {
	merged := make(Payload, len(payload)+2)
	for k, v := range payload {
		merged[k] = v
	}
	merged[FieldAlgorithm] = Algorithm
	merged[FieldTime] = now.Unix()

	raw, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	encodedPayload := base64.RawURLEncoding.EncodeToString(raw)
	encodedSig := base64.RawURLEncoding.EncodeToString(sign(encodedPayload, secret))
	return encodedSig + Separator + encodedPayload, nil
}

// Decode verifies envelope against secret and returns its payload.
func Decode(envelope, secret string) (Payload, error) {
	encodedSig, encodedPayload, ok := strings.Cut(envelope, Separator)
	if !ok || encodedSig == "" || encodedPayload == "" {
		return nil, instagram.ErrMalformedEnvelope
	}

	sig, err := decodeSegment(encodedSig)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", instagram.ErrMalformedEnvelope, err)
	}
	data, err := decodeSegment(encodedPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", instagram.ErrMalformedEnvelope, err)
	}

	if !hmac.Equal(sig, sign(encodedPayload, secret)) {
		return nil, instagram.ErrInvalidSignature
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload Payload
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return nil, instagram.ErrMalformedPayload
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, instagram.ErrMalformedPayload
	}
	return payload, nil
}

// Check applies the cheap structural rule used for request validation. It
// never computes a signature.
func Check(envelope string) bool {
	return strings.Contains(envelope, Separator)
}

// String returns payload[key] as a string. Numbers are formatted without
// exponent; anything else yields "".
func (p Payload) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// Time returns the issued-at time of the payload, if present.
func (p Payload) Time() (time.Time, bool) {
	n, err := strconv.ParseInt(p.String(FieldTime), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(n, 0), true
}

func sign(encodedPayload, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encodedPayload))
	return mac.Sum(nil)
}

// decodeSegment accepts both alphabets and optional padding.
func decodeSegment(segment string) ([]byte, error) {
	s := strings.NewReplacer("-", "+", "_", "/").Replace(segment)
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
