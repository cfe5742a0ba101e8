// Package signingtoken mints and checks the opaque tokens that let a client
// open and sign a contract without an account.
package signingtoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/signflow/internal/clock"
	"github.com/smallbiznis/signflow/internal/config"
	"golang.org/x/crypto/hkdf"
)

const (
	tokenBytes      = 32
	DefaultTTLDays  = 7
	keyDerivationID = "signflow/signing-token/v1"
)

var (
	ErrMissingSecret = errors.New("signing_token_secret_missing")
	ErrMalformed     = errors.New("signing_token_malformed")
)

// Codec is safe for concurrent use.
type Codec struct {
	key     []byte
	clock   clock.Clock
	ttlDays int
}

func NewCodec(cfg config.Config, clk clock.Clock) (*Codec, error) {
	return New(cfg.SigningToken.Secret, cfg.SigningToken.TTLDays, clk)
}

// New derives the HMAC key from secret so the raw secret is never used as a
// key directly.
func New(secret string, ttlDays int, clk clock.Clock) (*Codec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if ttlDays <= 0 {
		ttlDays = DefaultTTLDays
	}

	key := make([]byte, sha256.Size)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyDerivationID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return &Codec{key: key, clock: clk, ttlDays: ttlDays}, nil
}

// GenerateToken returns 32 random bytes as unpadded base64url.
func (c *Codec) GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken is deterministic for a given server secret.
func (c *Codec) HashToken(raw string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken compares in constant time.
func (c *Codec) VerifyToken(raw, storedHash string) bool {
	if raw == "" || storedHash == "" {
		return false
	}
	expected, err := hex.DecodeString(storedHash)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(raw))
	return hmac.Equal(mac.Sum(nil), expected)
}

// TokenExpiry returns now plus days; non-positive days use the configured TTL.
func (c *Codec) TokenExpiry(days int) time.Time {
	if days <= 0 {
		days = c.ttlDays
	}
	return c.clock.Now().UTC().AddDate(0, 0, days)
}

// Issued is a freshly minted credential. Raw goes into the link only.
type Issued struct {
	Raw       string
	Hash      string
	ExpiresAt time.Time
}

func (c *Codec) Issue() (Issued, error) {
	raw, err := c.GenerateToken()
	if err != nil {
		return Issued{}, err
	}
	return Issued{
		Raw:       raw,
		Hash:      c.HashToken(raw),
		ExpiresAt: c.TokenExpiry(0),
	}, nil
}

// NormalizeToken trims the presented value and URL-decodes it once. Mail
// clients and link trackers sometimes re-encode path segments.
func NormalizeToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "%") {
		decoded, err := url.PathUnescape(raw)
		if err != nil {
			return "", ErrMalformed
		}
		raw = strings.TrimSpace(decoded)
	}
	if raw == "" || len(raw) > 256 {
		return "", ErrMalformed
	}
	return raw, nil
}
