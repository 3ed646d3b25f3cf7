// Package challenge implements the human-verification challenge service:
// it mints single-use, time-bounded proof-of-human tokens and verifies
// them exactly once against a pluggable store.
package challenge

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ecolearn/challengegate/internal/metrics"
	"github.com/ecolearn/challengegate/internal/store"
	"github.com/ecolearn/challengegate/pkg/models"
	"github.com/zerodha/logf"
)

const (
	alphaChars    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	numChars      = "0123456789"
	alphaNumChars = alphaChars + numChars

	// TokenPrefix is the structural prefix every challenge token carries.
	TokenPrefix = "custom_"

	// minTokenLen is the minimum length of a well-formed token.
	minTokenLen = 20

	// tokenRandBytes is the entropy of the random token suffix.
	tokenRandBytes = 16
)

// Opt contains the challenge service's tunables.
type Opt struct {
	// ValidityWindow is how long a token stays verifiable after issue.
	ValidityWindow time.Duration

	// ClockSkew is how far in the future a token's embedded timestamp
	// may claim to be before it is rejected.
	ClockSkew time.Duration

	// AnswerLength is the number of characters in the challenge text.
	AnswerLength int
}

// Service issues and verifies challenges. It exclusively owns the
// challenge record set behind its store.
type Service struct {
	store store.Store
	opt   Opt
	lo    logf.Logger

	// now is swappable so that expiry behaviour is testable without
	// sleeping through validity windows.
	now func() time.Time
}

// New returns a challenge Service on the given store.
func New(st store.Store, o Opt, lo logf.Logger) *Service {
	if o.ValidityWindow <= 0 {
		o.ValidityWindow = 10 * time.Minute
	}
	if o.ClockSkew <= 0 {
		o.ClockSkew = time.Minute
	}
	if o.AnswerLength <= 0 {
		o.AnswerLength = 6
	}

	return &Service{
		store: st,
		opt:   o,
		lo:    lo,
		now:   time.Now,
	}
}

// Generate creates a new challenge, stores it, and returns the
// client-facing view. The stored answer and the returned display text are
// always identical; the answer is never serialised past this response.
func (s *Service) Generate() (models.ChallengeResp, error) {
	answer, err := generateRandomString(s.opt.AnswerLength, alphaNumChars)
	if err != nil {
		return models.ChallengeResp{}, err
	}

	// The embedded timestamp is for expiry checks and debuggability.
	// Unguessability comes from the random suffix alone.
	suffix := make([]byte, tokenRandBytes)
	if _, err := rand.Read(suffix); err != nil {
		return models.ChallengeResp{}, err
	}

	issuedAt := s.now().UnixMilli()
	token := fmt.Sprintf("%s%d_%s", TokenPrefix, issuedAt, hex.EncodeToString(suffix))

	// The record outlives the validity window by the skew allowance so
	// that verification of a just-expired token reports expiry rather
	// than an unknown token; past that, expiry of the record itself
	// (the sweep) takes over.
	if err := s.store.Set(token, models.Challenge{
		Token:    token,
		Answer:   answer,
		IssuedAt: issuedAt,
		TTL:      s.opt.ValidityWindow + s.opt.ClockSkew,
	}); err != nil {
		return models.ChallengeResp{}, err
	}

	metrics.ChallengesIssued.Inc()
	return models.ChallengeResp{
		Challenge:   "Type exactly: " + answer,
		DisplayText: answer,
		Token:       token,
		TTL:         s.opt.ValidityWindow.Seconds(),
	}, nil
}

// Verify validates a token/answer pair and consumes the token. It returns
// nil only when every check passes; otherwise one of the models.Err*
// failure kinds. A wrong answer leaves the challenge live so it can be
// retried until it expires. Store faults come back as models.ErrInternal
// and are logged; callers treat them as a plain failure.
func (s *Service) Verify(token, answer string) error {
	err := s.verify(strings.TrimSpace(token), strings.TrimSpace(answer))
	metrics.Verifications.WithLabelValues(outcome(err)).Inc()
	return err
}

func (s *Service) verify(token, answer string) error {
	if token == "" {
		return models.ErrMissingToken
	}
	if !strings.HasPrefix(token, TokenPrefix) || len(token) < minTokenLen {
		return models.ErrMalformedToken
	}

	// Structural checks come before any store lookup so that garbage
	// tokens are rejected as malformed no matter what state exists.
	parts := strings.Split(token, "_")
	if len(parts) < 3 {
		return models.ErrMalformedToken
	}
	issuedAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return models.ErrMalformedToken
	}

	// Replay check against the used-token set.
	used, err := s.store.IsUsed(token)
	if err != nil {
		return s.internal("error checking used tokens", token, err)
	}
	if used {
		return models.ErrTokenReplayed
	}

	// Live record lookup. Counts the attempt.
	c, err := s.store.Check(token, true)
	if err != nil {
		if err == store.ErrNotExist {
			return models.ErrUnknownToken
		}
		return s.internal("error checking challenge", token, err)
	}

	// The timestamp embedded in the token is authoritative for expiry.
	now := s.now().UnixMilli()
	if now-issuedAt > s.opt.ValidityWindow.Milliseconds() {
		return models.ErrTokenExpired
	}
	if issuedAt > now+s.opt.ClockSkew.Milliseconds() {
		return models.ErrTokenFromFuture
	}

	if answer != "" && answer != c.Answer {
		s.lo.Debug("challenge answer mismatch", "token", token, "attempts", c.Attempts)
		return models.ErrAnswerMismatch
	}

	// All checks passed. Consume the record; the store guarantees at most
	// one concurrent caller wins this.
	if _, err := s.store.Consume(token); err != nil {
		if err == store.ErrNotExist {
			return models.ErrUnknownToken
		}
		return s.internal("error consuming challenge", token, err)
	}

	return nil
}

// internal logs a store fault and wraps it as models.ErrInternal.
func (s *Service) internal(msg, token string, err error) error {
	s.lo.Error(msg, "token", token, "error", err)
	return fmt.Errorf("%w: %v", models.ErrInternal, err)
}

// outcome maps a verification verdict to a metric label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrMissingToken):
		return "missing_token"
	case errors.Is(err, models.ErrMalformedToken):
		return "malformed_token"
	case errors.Is(err, models.ErrTokenReplayed):
		return "token_replayed"
	case errors.Is(err, models.ErrUnknownToken):
		return "unknown_token"
	case errors.Is(err, models.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, models.ErrTokenFromFuture):
		return "token_from_future"
	case errors.Is(err, models.ErrAnswerMismatch):
		return "answer_mismatch"
	default:
		return "internal_error"
	}
}

// generateRandomString generates a cryptographically random string of
// length totalLen drawn uniformly from the given character set. Random
// bytes past the largest multiple of the alphabet size are discarded so
// no character is likelier than another.
func generateRandomString(totalLen int, chars string) (string, error) {
	var (
		out   = make([]byte, 0, totalLen)
		limit = 256 - 256%len(chars)
	)
	for len(out) < totalLen {
		buf := make([]byte, totalLen)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, v := range buf {
			if int(v) >= limit {
				continue
			}
			out = append(out, chars[int(v)%len(chars)])
			if len(out) == totalLen {
				break
			}
		}
	}
	return string(out), nil
}
