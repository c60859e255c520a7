package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrSignatureInvalid is the sentinel all signature failures wrap. Callers
// map it to a single 400 response; the Reason on SignatureError feeds the
// security audit trail and never contains payload bytes or the secret.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// SignatureError carries the machine-readable reason a delivery was rejected.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return "webhook signature invalid: " + e.Reason
}

func (e *SignatureError) Unwrap() error { return ErrSignatureInvalid }

// Rejection reasons recorded in the audit trail.
const (
	SigReasonMissingHeader   = "missing_header"
	SigReasonMalformedHeader = "malformed_header"
	SigReasonStaleTimestamp  = "timestamp_outside_tolerance"
	SigReasonDigestMismatch  = "digest_mismatch"
)

// SignatureHeader is the HTTP header carrying the delivery signature.
const SignatureHeader = "Billing-Signature"

const signatureScheme = "v1"

// VerifySignature checks a webhook signature header of the form
// "t=<unix>,v1=<hex>" against the raw request body. The digest is an
// HMAC-SHA256 over "<t>.<body>", so the timestamp is covered by the signature
// and cannot be swapped to defeat the tolerance window. More than one v1
// value is accepted; during secret rotation the provider signs with both
// secrets and any match passes.
//
// body must be the exact bytes read off the wire. Re-serialized JSON does
// not verify.
func VerifySignature(body []byte, header, secret string, tolerance time.Duration, now time.Time) (time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return time.Time{}, fmt.Errorf("webhook secret is not configured")
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return time.Time{}, &SignatureError{Reason: SigReasonMissingHeader}
	}

	var ts int64
	var haveTS bool
	var candidates [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return time.Time{}, &SignatureError{Reason: SigReasonMalformedHeader}
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return time.Time{}, &SignatureError{Reason: SigReasonMalformedHeader}
			}
			ts = n
			haveTS = true
		case signatureScheme:
			sig, err := hex.DecodeString(strings.ToLower(v))
			if err != nil || len(sig) != sha256.Size {
				return time.Time{}, &SignatureError{Reason: SigReasonMalformedHeader}
			}
			candidates = append(candidates, sig)
		default:
			// Unknown schemes are skipped so the provider can roll out a v2
			// without breaking verification of the v1 value.
		}
	}
	if !haveTS || len(candidates) == 0 {
		return time.Time{}, &SignatureError{Reason: SigReasonMalformedHeader}
	}

	signedAt := time.Unix(ts, 0)
	if drift := now.Sub(signedAt); drift > tolerance || drift < -tolerance {
		return time.Time{}, &SignatureError{Reason: SigReasonStaleTimestamp}
	}

	expected := computeDigest(body, secret, ts)
	for _, sig := range candidates {
		if hmac.Equal(sig, expected) {
			return signedAt, nil
		}
	}
	return time.Time{}, &SignatureError{Reason: SigReasonDigestMismatch}
}

// SignPayload produces a signature header for body, timestamped at the given
// instant. Used by tests and local delivery tooling.
func SignPayload(body []byte, secret string, at time.Time) string {
	digest := computeDigest(body, secret, at.Unix())
	return fmt.Sprintf("t=%d,%s=%s", at.Unix(), signatureScheme, hex.EncodeToString(digest))
}

func computeDigest(body []byte, secret string, ts int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return mac.Sum(nil)
}
