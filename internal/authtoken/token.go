// Package authtoken issues and checks signed bearer tokens used instead of a
// fresh signature on every request. Wire format: 0x<sig hex>-<unix expiry>.
package authtoken

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"datagate/internal/crypto"
)

const (
	// DefaultMessage is the canonical payload signed into every token.
	DefaultMessage = "datagate access token"
	// DefaultTTL matches the original gateway's 30-day default.
	DefaultTTL = 30 * 24 * time.Hour

	sigHexLen = 2 + 2*crypto.SignatureLength // "0x" + 130 hex chars
)

var ErrInvalidToken = errors.New("invalid auth token")

// Service validates and issues tokens over one canonical message.
type Service struct {
	Message string
	TTL     time.Duration
	Now     func() time.Time
}

// New returns a token service; empty message / zero ttl fall back to defaults.
func New(message string, ttl time.Duration) *Service {
	if message == "" {
		message = DefaultMessage
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{Message: message, TTL: ttl, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Issue signs the canonical message and appends the expiry suffix.
func (s *Service) Issue(acct *crypto.Account) (string, error) {
	sig, err := crypto.Sign(crypto.HashWithPrefix(s.Message), acct)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	expiry := s.now().Add(s.TTL).Unix()
	return fmt.Sprintf("%s-%d", crypto.EncodeSignature(sig), expiry), nil
}

// parse applies the strict token grammar: signature hex, literal '-', decimal
// expiry. Any deviation fails; permissive splitting is deliberately avoided.
func parse(token string) (sig []byte, expiry int64, err error) {
	if !strings.HasPrefix(token, "0x") {
		return nil, 0, fmt.Errorf("%w: missing 0x prefix", ErrInvalidToken)
	}
	if strings.Count(token, "-") != 1 {
		return nil, 0, fmt.Errorf("%w: expected one separator", ErrInvalidToken)
	}
	sep := strings.IndexByte(token, '-')
	sigPart, expPart := token[:sep], token[sep+1:]
	if len(sigPart) != sigHexLen {
		return nil, 0, fmt.Errorf("%w: signature length %d", ErrInvalidToken, len(sigPart))
	}
	sig, err = crypto.DecodeSignature(sigPart)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	expiry, err = strconv.ParseInt(expPart, 10, 64)
	if err != nil || expiry <= 0 {
		return nil, 0, fmt.Errorf("%w: bad expiry %q", ErrInvalidToken, expPart)
	}
	return sig, expiry, nil
}

// IsValidFormat reports whether token parses and has not expired.
func (s *Service) IsValidFormat(token string) bool {
	_, expiry, err := parse(token)
	if err != nil {
		return false
	}
	return s.now().Unix() < expiry
}

// RecoverSigner returns the address that issued the token. Expiry is not
// checked here; callers wanting both use Verify.
func (s *Service) RecoverSigner(token string) (crypto.Address, error) {
	sig, _, err := parse(token)
	if err != nil {
		return "", err
	}
	addr, err := crypto.Recover(crypto.HashWithPrefix(s.Message), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return addr, nil
}

// Verify checks format, expiry and that the recovered signer matches expected.
// The token only proves identity; on-chain permission for a document is
// checked separately by the consume flow.
func (s *Service) Verify(token string, expected crypto.Address) bool {
	if !s.IsValidFormat(token) {
		return false
	}
	addr, err := s.RecoverSigner(token)
	if err != nil {
		return false
	}
	return addr.Equal(expected)
}
