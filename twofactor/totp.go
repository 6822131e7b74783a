package twofactor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const secretBytes = 20

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// TOTP generates and checks RFC 6238 codes (HMAC-SHA1).
type TOTP struct {
	Issuer string
	Digits int
	Period time.Duration
	Skew   int
}

// DefaultTOTP is the authenticator-app compatible profile: 6 digits, 30s, ±1 step.
func DefaultTOTP(issuer string) TOTP {
	return TOTP{Issuer: issuer, Digits: 6, Period: 30 * time.Second, Skew: 1}
}

// GenerateSecret returns a random secret and its base32 form.
func (t TOTP) GenerateSecret() ([]byte, string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	return raw, b32.EncodeToString(raw), nil
}

// DecodeSecret parses a base32 secret as shown to the user.
func DecodeSecret(s string) ([]byte, error) {
	return b32.DecodeString(strings.ToUpper(strings.TrimRight(strings.TrimSpace(s), "=")))
}

// ProvisionURI is the otpauth:// payload rendered as a QR code by clients.
func (t TOTP) ProvisionURI(secretBase32, account string) string {
	label := url.PathEscape(t.Issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", t.Issuer)
	v.Set("period", strconv.Itoa(int(t.Period/time.Second)))
	v.Set("digits", strconv.Itoa(t.Digits))
	v.Set("algorithm", "SHA1")

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// Code returns the code for the time step containing now.
func (t TOTP) Code(secret []byte, now time.Time) (string, error) {
	return t.hotp(secret, now.Unix()/int64(t.Period/time.Second))
}

// Verify reports whether code matches any step within the skew window.
func (t TOTP) Verify(secret []byte, code string, now time.Time) (bool, error) {
	_, ok, err := t.Match(secret, code, now)
	return ok, err
}

// Match is Verify that also returns the time step the code belongs to, so a
// caller can refuse a step it has already accepted.
func (t TOTP) Match(secret []byte, code string, now time.Time) (int64, bool, error) {
	code = strings.TrimSpace(code)
	if len(code) != t.Digits || !numeric(code) {
		return 0, false, nil
	}
	if len(secret) == 0 {
		return 0, false, errors.New("empty totp secret")
	}

	base := now.Unix() / int64(t.Period/time.Second)
	for step := -t.Skew; step <= t.Skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		want, err := t.hotp(secret, counter)
		if err != nil {
			return 0, false, err
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return counter, true, nil
		}
	}
	return 0, false, nil
}

// replayWindow is how long an accepted step can still match a later code.
func (t TOTP) replayWindow() time.Duration {
	return time.Duration(2*t.Skew+2) * t.Period
}

func (t TOTP) hotp(secret []byte, counter int64) (string, error) {
	if t.Digits < 6 || t.Digits > 8 || t.Period <= 0 {
		return "", fmt.Errorf("invalid totp parameters")
	}
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < t.Digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", t.Digits, bin%mod), nil
}

func numeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
