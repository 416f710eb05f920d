package stepsdk

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/exp/slog"
)

// signatureWindow bounds how far a signature's timestamp may drift from the
// current clock before it is rejected outright, regardless of MAC validity.
const signatureWindow = 300 * time.Second

// canonicalize applies RFC 8785 JSON canonicalization to body. If body does
// not parse as JSON it is returned unmodified, and an empty body is passed
// through unchanged.
func canonicalize(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	out, err := jcs.Transform(body)
	if err != nil {
		// Not valid JSON; sign/verify the raw bytes.
		return body
	}
	return out
}

func mac(key []byte, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	h := hmac.New(sha256.New, key)
	h.Write(body)
	h.Write([]byte(ts))
	return hex.EncodeToString(h.Sum(nil))
}

// signingKeyToMACKey extracts the raw HMAC key material from a signing key
// of the form "signkey-<env>-<hex>". Keys without that prefix are used
// as-is.
func signingKeyToMACKey(key string) string {
	parts := strings.SplitN(key, "-", 3)
	if len(parts) == 3 && parts[0] == "signkey" {
		return parts[2]
	}
	return key
}

// Sign produces a "t=<unix>&s=<hmac>" signature over the canonicalized body
// concatenated with the decimal timestamp.
func Sign(ctx context.Context, at time.Time, key []byte, body []byte) (string, error) {
	canon := canonicalize(body)
	macKey := signingKeyToMACKey(string(key))
	sig := mac([]byte(macKey), canon, at)
	return fmt.Sprintf("t=%d&s=%s", at.Unix(), sig), nil
}

// signWithoutJCS signs body verbatim, without canonicalization. Outbound
// response bodies are produced by json.Encoder and must be verified
// byte-for-byte, including any trailing encoder newline.
func signWithoutJCS(at time.Time, key []byte, body []byte) (string, error) {
	macKey := signingKeyToMACKey(string(key))
	sig := mac([]byte(macKey), body, at)
	return fmt.Sprintf("t=%d&s=%s", at.Unix(), sig), nil
}

func parseSignature(sig string) (ts int64, macHex string, err error) {
	values, err := parseQueryLike(sig)
	if err != nil {
		return 0, "", fmt.Errorf("invalid signature: %w", err)
	}
	tStr, ok := values["t"]
	if !ok {
		return 0, "", fmt.Errorf("invalid signature: missing t")
	}
	sStr, ok := values["s"]
	if !ok {
		return 0, "", fmt.Errorf("invalid signature: missing s")
	}
	ts, err = strconv.ParseInt(tStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid timestamp: %w", err)
	}
	return ts, sStr, nil
}

func parseQueryLike(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range strings.Split(s, "&") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed component %q", part)
		}
		out[kv[0]] = kv[1]
	}
	return out, nil
}

func constantTimeEqualHex(a, b string) bool {
	da, errA := hex.DecodeString(a)
	db, errB := hex.DecodeString(b)
	if errA != nil || errB != nil {
		return false
	}
	return hmac.Equal(da, db)
}

// ValidateRequestSignature verifies an inbound request's signature header
// against the primary signing key, retrying against the fallback key on
// mismatch, using JCS-canonicalized body bytes. In dev mode verification
// always succeeds.
//
// Returns whether the signature is valid, the key that verified it (primary
// or fallback; empty in dev mode), and an error describing the failure
// reason when invalid.
func ValidateRequestSignature(
	ctx context.Context,
	sig string,
	key string,
	fallbackKey string,
	body []byte,
	isDev bool,
) (bool, string, error) {
	if isDev {
		return true, "", nil
	}

	if key == "" {
		return false, "", fmt.Errorf("missing signing key")
	}
	if sig == "" {
		return false, "", fmt.Errorf("missing signature")
	}

	ts, macHex, err := parseSignature(sig)
	if err != nil {
		return false, "", err
	}

	now := time.Now()
	if math.Abs(now.Sub(time.Unix(ts, 0)).Seconds()) > signatureWindow.Seconds() {
		return false, "", fmt.Errorf("expired signature")
	}

	canon := canonicalize(body)

	expected := mac([]byte(signingKeyToMACKey(key)), canon, time.Unix(ts, 0))
	if constantTimeEqualHex(expected, macHex) {
		return true, key, nil
	}

	if fallbackKey != "" {
		expectedFallback := mac([]byte(signingKeyToMACKey(fallbackKey)), canon, time.Unix(ts, 0))
		if constantTimeEqualHex(expectedFallback, macHex) {
			return true, fallbackKey, nil
		}
	}

	return false, "", fmt.Errorf("invalid signature")
}

// ValidateResponseSignature verifies a signature produced over a raw
// (non-canonicalized) body, as used for outbound administrative responses
// such as the trust probe.
func ValidateResponseSignature(ctx context.Context, sig string, key []byte, body []byte) (bool, error) {
	ts, macHex, err := parseSignature(sig)
	if err != nil {
		return false, err
	}

	now := time.Now()
	if math.Abs(now.Sub(time.Unix(ts, 0)).Seconds()) > signatureWindow.Seconds() {
		return false, fmt.Errorf("expired signature")
	}

	expected := mac([]byte(signingKeyToMACKey(string(key))), body, time.Unix(ts, 0))
	if !constantTimeEqualHex(expected, macHex) {
		return false, fmt.Errorf("invalid signature")
	}
	return true, nil
}

// VerifyIntrospectionSignature checks the signature an orchestrator attaches
// to a probe of the introspection endpoint, which is always signed over an
// empty body. In dev mode this logs a warning instead of failing when the
// server-kind header does not announce dev.
func VerifyIntrospectionSignature(
	ctx context.Context,
	logger *slog.Logger,
	sig string,
	key string,
	fallbackKey string,
	isDev bool,
	serverKind string,
) bool {
	if isDev {
		if serverKind != ServerKindDev {
			logger.Warn("dev mode handler received request from non-dev server", "server_kind", serverKind)
		}
		return true
	}
	valid, _, _ := ValidateRequestSignature(ctx, sig, key, fallbackKey, []byte{}, isDev)
	return valid
}

// hashedSigningKey computes the bearer-token form of a signing key: the hex
// key body is decoded to raw bytes, SHA-256 hashed, re-hex-encoded, with the
// "signkey-<env>-" prefix preserved.
func hashedSigningKey(key []byte) ([]byte, error) {
	s := string(key)
	parts := strings.SplitN(s, "-", 3)

	prefix := ""
	hexPart := s
	if len(parts) == 3 && parts[0] == "signkey" {
		prefix = parts[0] + "-" + parts[1] + "-"
		hexPart = parts[2]
	}

	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, fmt.Errorf("signing key is not valid hex: %w", err)
	}

	sum := sha256.Sum256(raw)
	return []byte(prefix + hex.EncodeToString(sum[:])), nil
}

// sha256Hex returns the hex-encoded SHA-256 digest of data, used for the
// introspection endpoint's key-hash fields.
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
