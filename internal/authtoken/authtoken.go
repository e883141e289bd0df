// Package authtoken implements the time-bounded HMAC credential that
// proves possession of a per-user shared secret without ever sending
// the secret itself. It rides inside the SMTP masquerade's
// "AUTH PLAIN <token>" line.
package authtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ForwardSkew is the most a token's timestamp may be ahead of the
// verifier's clock before it is rejected. The reference this system
// is modeled after silently accepted arbitrarily-future timestamps;
// this implementation does not.
const ForwardSkew = 5 * time.Second

const msgPrefix = "smtp-tunnel-auth:"

// Generate produces the wire-form token for username at the given
// timestamp, using secret as the HMAC key.
func Generate(secret []byte, username string, ts time.Time) string {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	mac := computeMAC(secret, username, timestamp)

	inner := username + ":" + timestamp + ":" + base64.StdEncoding.EncodeToString(mac)
	return base64.StdEncoding.EncodeToString([]byte(inner))
}

// GenerateNow is Generate with the current time.
func GenerateNow(secret []byte, username string) string {
	return Generate(secret, username, time.Now())
}

func computeMAC(secret []byte, username, timestamp string) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(msgPrefix + username + ":" + timestamp))
	return h.Sum(nil)
}

// SecretLookup resolves a username to its shared secret. It returns
// ok == false for an unknown user; Verify treats that identically to
// a bad MAC, so callers can't distinguish "no such user" from "wrong
// secret" by timing or by the verify result alone.
type SecretLookup func(username string) (secret []byte, ok bool)

var (
	errMalformed = errors.New("authtoken: malformed token")
	errStale     = errors.New("authtoken: timestamp outside the allowed window")
	errBadMAC    = errors.New("authtoken: authentication failed")
)

// Verify checks token against the secret returned by lookup, with a
// recency window of maxAge and a forward-skew allowance of
// ForwardSkew. now is passed in explicitly for testability.
//
// The MAC comparison runs in constant time over equal-length byte
// sequences; it does not short-circuit on the first mismatching byte,
// unlike the length-then-byte-by-byte comparison this design
// deliberately avoids reproducing.
func Verify(token string, lookup SecretLookup, maxAge time.Duration, now time.Time) (ok bool, username string, err error) {
	outer, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return false, "", errMalformed
	}

	parts := strings.Split(string(outer), ":")
	if len(parts) != 3 {
		return false, "", errMalformed
	}
	username, timestampStr, macB64 := parts[0], parts[1], parts[2]

	timestamp, err := strconv.ParseUint(timestampStr, 10, 64)
	if err != nil {
		return false, "", errMalformed
	}

	ts := time.Unix(int64(timestamp), 0)
	if ts.After(now.Add(ForwardSkew)) {
		return false, "", errStale
	}
	age := now.Sub(ts)
	if age < 0 {
		age = 0
	}
	if age > maxAge {
		return false, "", errStale
	}

	secret, found := lookup(username)
	if !found {
		// Burn the same comparison work a legitimate lookup would,
		// so absence of a user and a wrong MAC take the same path.
		secret = []byte{}
	}

	wantMAC := computeMAC(secret, username, timestampStr)
	wantInner := username + ":" + timestampStr + ":" + base64.StdEncoding.EncodeToString(wantMAC)
	wantOuter := base64.StdEncoding.EncodeToString([]byte(wantInner))

	if !found || !constantTimeEqual(token, wantOuter) {
		_ = macB64 // already folded into wantOuter; kept for clarity of the parsed fields
		return false, "", errBadMAC
	}

	return true, username, nil
}

// constantTimeEqual reports whether a and b are equal, in constant
// time when they share a length. Differing lengths are rejected in
// non-constant time, since length alone reveals nothing an attacker
// doesn't already know from having sent the token.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
