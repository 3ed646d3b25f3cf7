package models

import (
	"errors"
	"time"
)

// Verification failure kinds. These are sentinel values the challenge
// service returns so that callers can log the exact reason while only
// surfacing a generic failure message to clients.
var (
	ErrMissingToken    = errors.New("no token provided")
	ErrMalformedToken  = errors.New("malformed token")
	ErrTokenReplayed   = errors.New("token already used")
	ErrUnknownToken    = errors.New("unknown or consumed token")
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenFromFuture = errors.New("token timestamp is in the future")
	ErrAnswerMismatch  = errors.New("incorrect answer")

	// ErrInternal wraps store or backend faults. The verdict for the
	// caller is still a plain failure, but these should be logged
	// separately from legitimate rejections.
	ErrInternal = errors.New("internal verification error")
)

// Challenge contains the information about a human-verification challenge.
// The Answer never leaves the server; API responses serialise a Challenge
// with the answer stripped.
type Challenge struct {
	Token      string        `redis:"token" json:"token"`
	Answer     string        `redis:"answer" json:"-"`
	IssuedAt   int64         `redis:"issued_at" json:"issued_at"`
	Used       bool          `redis:"used" json:"-"`
	Attempts   int           `redis:"attempts" json:"attempts"`
	TTL        time.Duration `redis:"-" json:"-"`
	TTLSeconds float64       `redis:"-" json:"ttl"`
}

// ChallengeResp is the client-facing shape of a freshly generated challenge.
type ChallengeResp struct {
	Challenge   string  `json:"challenge"`
	DisplayText string  `json:"display_text"`
	Token       string  `json:"token"`
	TTL         float64 `json:"ttl"`
}
