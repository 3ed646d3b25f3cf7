package memory

import (
	"sync"
	"time"

	"github.com/ecolearn/challengegate/internal/store"
	"github.com/ecolearn/challengegate/pkg/models"
)

const defaultSweepInterval = 10 * time.Minute

// Conf contains in-memory store configuration fields.
type Conf struct {
	// SweepInterval is how often expired challenges and used-token
	// markers are garbage collected.
	SweepInterval time.Duration `json:"sweep_interval"`
}

type entry struct {
	challenge models.Challenge
	expiresAt time.Time
}

// Memory implements an in-process Store. All mutation happens under one
// mutex, which is what makes check-and-consume atomic. A background
// sweeper bounds the record set; Close() stops it. This backend cannot
// enforce single-use across multiple gateway processes; use the Redis
// store for that.
type Memory struct {
	mu         sync.Mutex
	challenges map[string]entry
	used       map[string]time.Time

	conf Conf
	now  func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns an in-memory implementation of store and starts its sweeper.
func New(c Conf) *Memory {
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}

	m := &Memory{
		challenges: make(map[string]entry),
		used:       make(map[string]time.Time),
		conf:       c,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	go m.sweeper()

	return m
}

// Ping is a no-op for the in-memory store.
func (m *Memory) Ping() error {
	return nil
}

// Set stores a challenge against its token.
func (m *Memory) Set(token string, c models.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.challenges[token] = entry{
		challenge: c,
		expiresAt: m.now().Add(c.TTL),
	}
	return nil
}

// Check returns the challenge stored against a token.
// Passing counter=true increments the attempt counter.
func (m *Memory) Check(token string, counter bool) (models.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.challenges[token]
	if !ok || !m.now().Before(e.expiresAt) {
		return models.Challenge{Token: token}, store.ErrNotExist
	}

	if counter {
		e.challenge.Attempts++
		m.challenges[token] = e
	}

	out := e.challenge
	out.TTL = e.expiresAt.Sub(m.now())
	out.TTLSeconds = out.TTL.Seconds()
	return out, nil
}

// Consume removes the challenge for a token and records the token in the
// used set. The whole check-and-delete runs under the store mutex, so two
// concurrent Consume calls for one token can never both succeed.
func (m *Memory) Consume(token string) (models.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.challenges[token]
	if !ok || !m.now().Before(e.expiresAt) {
		return models.Challenge{Token: token}, store.ErrNotExist
	}

	delete(m.challenges, token)
	m.used[token] = e.expiresAt

	out := e.challenge
	out.Used = true
	return out, nil
}

// IsUsed reports whether a token has already been consumed.
func (m *Memory) IsUsed(token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.used[token]
	if !ok || !m.now().Before(exp) {
		return false, nil
	}
	return true, nil
}

// Delete removes the challenge saved against a given token.
func (m *Memory) Delete(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.challenges, token)
	return nil
}

// Close stops the background sweeper. It is safe to call more than once.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	return nil
}

// Len returns the number of live challenge records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.challenges)
}

// sweeper periodically deletes expired records until Close().
func (m *Memory) sweeper() {
	t := time.NewTicker(m.conf.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

// sweep deletes all expired challenges and used-token markers.
func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for token, e := range m.challenges {
		if !now.Before(e.expiresAt) {
			delete(m.challenges, token)
		}
	}
	for token, exp := range m.used {
		if !now.Before(exp) {
			delete(m.used, token)
		}
	}
}
