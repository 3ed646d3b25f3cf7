package store

import (
	"errors"

	"github.com/ecolearn/challengegate/pkg/models"
)

// ErrNotExist is thrown when a challenge (requested by token)
// does not exist, was already consumed, or was swept away.
var ErrNotExist = errors.New("the challenge does not exist")

// Store represents a storage backend where challenge data is stored.
// The challenge record set is exclusively owned by the challenge service;
// nothing else reads or writes it.
type Store interface {
	// Set stores a challenge against its token. The record expires on its
	// own after the challenge TTL.
	Set(token string, c models.Challenge) error

	// Check returns the challenge stored against a token without consuming
	// it. Passing counter=true increments the attempt counter.
	Check(token string, counter bool) (models.Challenge, error)

	// Consume atomically removes the challenge for a token and records the
	// token in the used set. At most one concurrent caller gets a nil
	// error for a given token; the rest get ErrNotExist.
	Consume(token string) (models.Challenge, error)

	// IsUsed reports whether a token has already been consumed. Used
	// markers live for the challenge TTL and are then swept.
	IsUsed(token string) (bool, error)

	// Delete removes the challenge saved against a given token without
	// marking it used.
	Delete(token string) error

	// Ping checks if the store is reachable.
	Ping() error

	// Close releases the store and stops any background cleanup it owns.
	Close() error
}
