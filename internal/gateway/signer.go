// Package gateway implements the signed redirect protocol shared by the
// supported payment gateways: parameter canonicalization, HMAC-SHA512
// signing and verification, and per-gateway request/callback dialects.
package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"slices"
	"strings"
)

// Encode form-encodes a parameter value: UTF-8 bytes, space as '+', every
// byte outside [A-Za-z0-9-_.~] percent-encoded with upper-case hex. That
// includes "!*'()", which some form encoders leave raw, and peers that emit
// lower-case hex sign a different string.
//
// Outbound URLs and inbound verification must both go through Encode; any
// divergence (for example leaving ':' or '/' raw on one side) breaks
// signatures for return URLs.
func Encode(v string) string {
	return url.QueryEscape(v)
}

// Canonicalize renders params as the string that gets signed: keys sorted
// byte-wise, excluded keys dropped, values form-encoded, pairs joined by '&'.
func Canonicalize(params map[string]string, exclude ...string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if slices.Contains(exclude, k) {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(Encode(params[k]))
	}
	return b.String()
}

// Sign returns the lower-case hex HMAC-SHA512 of the canonical form of params.
func Sign(params map[string]string, secret string, exclude ...string) string {
	return digest(Canonicalize(params, exclude...), secret)
}

// Verify recomputes the signature of params and compares it with provided,
// ignoring case. The comparison is constant-time. A mismatch of any kind,
// including missing or extra parameters, yields false.
func Verify(params map[string]string, provided, secret string, exclude ...string) bool {
	if provided == "" {
		return false
	}
	expected := Sign(params, secret, exclude...)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

func digest(data, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
