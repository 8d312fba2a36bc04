// Package credential issues and verifies the secrets guarding a session:
// random QR bearer tokens committed via a keyed hash, and rotating numeric
// PINs derived HOTP-style from a per-session secret and a time step.
package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

const qrTokenBytes = 16

// Codec commits to credentials under a process-wide secret key.
type Codec struct {
	commitKey []byte
	now       func() time.Time
}

// New creates a codec using key for token/code commitments.
func New(key string) *Codec {
	return &Codec{commitKey: []byte(key), now: time.Now}
}

// NewWithClock is used by tests to pin the PIN time step.
func NewWithClock(key string, now func() time.Time) *Codec {
	return &Codec{commitKey: []byte(key), now: now}
}

// GenerateToken returns a fresh 128-bit random token as a 32-char hex string.
func (c *Codec) GenerateToken() (string, error) {
	buf := make([]byte, qrTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateSecret returns fresh key material for rotating PIN derivation.
func (c *Codec) GenerateSecret() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Commit returns the keyed-hash commitment of value. The public session
// record stores only this, never the plaintext.
func (c *Codec) Commit(value string) string {
	mac := hmac.New(sha256.New, c.commitKey)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the commitment of candidate and compares it to
// storedHash in constant time. Returns false when storedHash is empty.
func (c *Codec) Verify(storedHash, candidate string) bool {
	if storedHash == "" {
		return false
	}
	stored, err := hex.DecodeString(storedHash)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, c.commitKey)
	mac.Write([]byte(candidate))
	return subtle.ConstantTimeCompare(stored, mac.Sum(nil)) == 1
}

// DerivePin computes the numeric code for the current time step. The secret
// is hex-encoded key material; the counter is the 8-byte big-endian step.
func (c *Codec) DerivePin(secret string, stepSeconds, digits int) string {
	step := c.now().Unix() / int64(stepSeconds)
	return hotp(secret, step, digits)
}

// DerivePinWindow returns the 2*tolerance+1 codes centered on the current
// step, to tolerate clock skew between issuance and verification.
func (c *Codec) DerivePinWindow(secret string, stepSeconds, digits, tolerance int) []string {
	nowStep := c.now().Unix() / int64(stepSeconds)
	codes := make([]string, 0, 2*tolerance+1)
	for i := -tolerance; i <= tolerance; i++ {
		codes = append(codes, hotp(secret, nowStep+int64(i), digits))
	}
	return codes
}

// hotp is the standard dynamic-truncation construction over an HMAC-SHA-1 of
// the step counter. No resynchronization state is kept server-side.
func hotp(secret string, step int64, digits int) string {
	key, err := hex.DecodeString(secret)
	if err != nil {
		key = []byte(secret)
	}
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(step))

	mac := hmac.New(sha1.New, key)
	mac.Write(counter[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	mod := uint32(math.Pow10(digits))
	return fmt.Sprintf("%0*d", digits, code%mod)
}
