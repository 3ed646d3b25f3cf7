package challenge

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/ecolearn/challengegate/internal/store"
	"github.com/ecolearn/challengegate/internal/store/memory"
	"github.com/ecolearn/challengegate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

// testStore is a minimal in-memory store.Store with no expiry of its own,
// so tests can drive all timing through the service's clock.
type testStore struct {
	mu         sync.Mutex
	challenges map[string]models.Challenge
	used       map[string]bool
	failWith   error
}

func newTestStore() *testStore {
	return &testStore{
		challenges: make(map[string]models.Challenge),
		used:       make(map[string]bool),
	}
}

func (t *testStore) Set(token string, c models.Challenge) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return t.failWith
	}
	t.challenges[token] = c
	return nil
}

func (t *testStore) Check(token string, counter bool) (models.Challenge, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return models.Challenge{}, t.failWith
	}
	c, ok := t.challenges[token]
	if !ok {
		return models.Challenge{Token: token}, store.ErrNotExist
	}
	if counter {
		c.Attempts++
		t.challenges[token] = c
	}
	return c, nil
}

func (t *testStore) Consume(token string) (models.Challenge, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return models.Challenge{}, t.failWith
	}
	c, ok := t.challenges[token]
	if !ok {
		return models.Challenge{Token: token}, store.ErrNotExist
	}
	delete(t.challenges, token)
	t.used[token] = true
	c.Used = true
	return c, nil
}

func (t *testStore) IsUsed(token string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return false, t.failWith
	}
	return t.used[token], nil
}

func (t *testStore) Delete(token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.challenges, token)
	return nil
}

func (t *testStore) Ping() error  { return nil }
func (t *testStore) Close() error { return nil }

func newTestService(st store.Store) *Service {
	return New(st, Opt{
		ValidityWindow: 10 * time.Minute,
		ClockSkew:      time.Minute,
		AnswerLength:   6,
	}, logf.New(logf.Opts{}))
}

func TestGenerate(t *testing.T) {
	st := newTestStore()
	s := newTestService(st)

	out, err := s.Generate()
	require.NoError(t, err, "Error generating challenge")

	assert.Regexp(t, regexp.MustCompile(`^[a-zA-Z0-9]{6}$`), out.DisplayText,
		"Display text should be exactly 6 alphanumeric characters")
	assert.Equal(t, "Type exactly: "+out.DisplayText, out.Challenge,
		"Prompt doesn't match display text")
	assert.Regexp(t, regexp.MustCompile(`^custom_\d+_[0-9a-f]{32}$`), out.Token,
		"Unexpected token shape")
	assert.Equal(t, float64(600), out.TTL, "Unexpected TTL")

	// The stored answer equals the display text exactly.
	c, err := st.Check(out.Token, false)
	require.NoError(t, err)
	assert.Equal(t, out.DisplayText, c.Answer, "Stored answer doesn't match display text")
}

func TestVerifySingleUse(t *testing.T) {
	st := newTestStore()
	s := newTestService(st)

	out, err := s.Generate()
	require.NoError(t, err)

	assert.NoError(t, s.Verify(out.Token, out.DisplayText), "First verification should pass")

	err = s.Verify(out.Token, out.DisplayText)
	assert.ErrorIs(t, err, models.ErrTokenReplayed, "Second verification should report replay")
}

func TestVerifyRejections(t *testing.T) {
	st := newTestStore()
	s := newTestService(st)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty token", "", models.ErrMissingToken},
		{"whitespace token", "   ", models.ErrMissingToken},
		{"wrong prefix", "nocustom_1700000000000_abcdef", models.ErrMalformedToken},
		{"too short", "custom_1_a", models.ErrMalformedToken},
		{"no timestamp segment", "custom_aaaaaaaaaaaaaaaaaaaa", models.ErrMalformedToken},
		{"non-numeric timestamp", "custom_notanumber_aaaaaaaaaa", models.ErrMalformedToken},
		{"unknown token", "custom_1700000000000_ffffffffffffffffffffffffffffffff", models.ErrUnknownToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Verify(tt.token, "aB3dE9")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifyExpiry(t *testing.T) {
	st := newTestStore()
	s := newTestService(st)

	t0 := time.Now()
	s.now = func() time.Time { return t0 }

	t.Run("just inside the window", func(t *testing.T) {
		out, err := s.Generate()
		require.NoError(t, err)

		s.now = func() time.Time { return t0.Add(9*time.Minute + 59*time.Second) }
		assert.NoError(t, s.Verify(out.Token, out.DisplayText))
	})

	t.Run("just past the window", func(t *testing.T) {
		s.now = func() time.Time { return t0 }
		out, err := s.Generate()
		require.NoError(t, err)

		s.now = func() time.Time { return t0.Add(10*time.Minute + time.Millisecond) }
		err = s.Verify(out.Token, out.DisplayText)
		assert.ErrorIs(t, err, models.ErrTokenExpired)
	})
}

func TestVerifyFutureToken(t *testing.T) {
	st := newTestStore()
	s := newTestService(st)

	now := time.Now()
	s.now = func() time.Time { return now }

	// seed inserts a record whose token claims the given issue time.
	seed := func(issuedAt time.Time) string {
		token := fmt.Sprintf("%s%d_%032x", TokenPrefix, issuedAt.UnixMilli(), 1)
		require.NoError(t, st.Set(token, models.Challenge{
			Token:    token,
			Answer:   "aB3dE9",
			IssuedAt: issuedAt.UnixMilli(),
		}))
		return token
	}

	t.Run("beyond skew tolerance", func(t *testing.T) {
		err := s.Verify(seed(now.Add(2*time.Minute)), "aB3dE9")
		assert.ErrorIs(t, err, models.ErrTokenFromFuture)
	})

	t.Run("within skew tolerance", func(t *testing.T) {
		assert.NoError(t, s.Verify(seed(now.Add(30*time.Second)), "aB3dE9"))
	})
}

func TestVerifyAnswerMismatch(t *testing.T) {
	st := newTestStore()
	s := newTestService(st)

	out, err := s.Generate()
	require.NoError(t, err)

	err = s.Verify(out.Token, "wrong!")
	assert.ErrorIs(t, err, models.ErrAnswerMismatch)

	// A failed attempt leaves the challenge retryable and counted.
	c, err := st.Check(out.Token, false)
	require.NoError(t, err, "Challenge should still be live after a wrong answer")
	assert.Equal(t, 1, c.Attempts, "Attempt should have been counted")

	assert.NoError(t, s.Verify(out.Token, out.DisplayText), "Retry with the right answer should pass")
}

func TestVerifyTrimsEdgeWhitespace(t *testing.T) {
	st := newTestStore()
	s := newTestService(st)

	out, err := s.Generate()
	require.NoError(t, err)

	assert.NoError(t, s.Verify("  "+out.Token+" ", " "+out.DisplayText+"\n"))
}

func TestVerifyInternalFault(t *testing.T) {
	st := newTestStore()
	s := newTestService(st)

	out, err := s.Generate()
	require.NoError(t, err)

	st.mu.Lock()
	st.failWith = errors.New("store down")
	st.mu.Unlock()

	err = s.Verify(out.Token, out.DisplayText)
	assert.ErrorIs(t, err, models.ErrInternal, "Store faults should surface as internal failures")
}

func TestGenerateRandomString(t *testing.T) {
	for _, n := range []int{1, 6, 32} {
		out, err := generateRandomString(n, alphaNumChars)
		require.NoError(t, err)
		assert.Len(t, out, n, "unexpected length")
		for _, c := range out {
			assert.Contains(t, alphaNumChars, string(c), "character outside alphabet")
		}
	}
}

func TestVerifyConcurrentRace(t *testing.T) {
	// Use the real in-memory store here; its mutex is what makes the
	// consume atomic.
	st := memory.New(memory.Conf{SweepInterval: time.Hour})
	defer st.Close()
	s := newTestService(st)

	out, err := s.Generate()
	require.NoError(t, err)

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Verify(out.Token, out.DisplayText) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "Exactly one concurrent verification must succeed")
}
