package redis

import (
	"log"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/ecolearn/challengegate/internal/store"
	"github.com/ecolearn/challengegate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rStore        *Redis
	rdis          *miniredis.Miniredis
	mockChallenge = models.Challenge{
		Token:    "custom_1700000000000_abcdef0123456789abcdef0123456789",
		Answer:   "aB3dE9",
		IssuedAt: 1700000000000,
		TTL:      2 * time.Second,
	}
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	rStore = New(Conf{
		Host: rd.Host(),
		Port: port,
	})
}

func setup(t *testing.T) *Redis {
	rdis.FlushDB()
	err := rStore.Set(mockChallenge.Token, mockChallenge)
	require.NoError(t, err, "Failed to set up test challenge")

	t.Cleanup(func() {
		rdis.FlushDB()
	})

	return rStore
}

func TestStoreSet(t *testing.T) {
	rStore := setup(t)

	out, err := rStore.Check(mockChallenge.Token, false)
	assert.NoError(t, err, "Error checking challenge")
	assert.Equal(t, mockChallenge.Answer, out.Answer, "Returned answer doesn't match")
	assert.Equal(t, mockChallenge.IssuedAt, out.IssuedAt, "Returned issue time doesn't match")
	assert.Equal(t, 0, out.Attempts, "Fresh challenge should have no attempts")
}

func TestStoreCheck(t *testing.T) {
	rStore := setup(t)

	t.Run("no increment", func(t *testing.T) {
		o, err := rStore.Check(mockChallenge.Token, false)
		assert.NoError(t, err, "Error checking challenge without increment")
		assert.Equal(t, 0, o.Attempts, "Unexpected attempt count")
	})

	t.Run("with increment", func(t *testing.T) {
		o, err := rStore.Check(mockChallenge.Token, true)
		assert.NoError(t, err, "Error checking challenge with increment")
		assert.Equal(t, 1, o.Attempts, "Unexpected attempt count after first increment")

		o, err = rStore.Check(mockChallenge.Token, true)
		assert.NoError(t, err, "Error checking challenge with second increment")
		assert.Equal(t, 2, o.Attempts, "Unexpected attempt count after second increment")
	})
}

func TestStoreTTL(t *testing.T) {
	rStore := setup(t)

	o, err := rStore.Check(mockChallenge.Token, false)
	assert.NoError(t, err, "Error checking challenge")
	assert.Equal(t, mockChallenge.TTL, o.TTL, "Returned TTL doesn't match expected TTL")
}

func TestStoreConsume(t *testing.T) {
	rStore := setup(t)

	o, err := rStore.Consume(mockChallenge.Token)
	assert.NoError(t, err, "Error consuming challenge")
	assert.Equal(t, mockChallenge.Answer, o.Answer, "Consumed challenge answer doesn't match")
	assert.True(t, o.Used, "Consumed challenge should be marked used")

	// The record is gone and the used marker is set.
	_, err = rStore.Check(mockChallenge.Token, false)
	assert.Equal(t, store.ErrNotExist, err, "Challenge should not exist after consumption")

	used, err := rStore.IsUsed(mockChallenge.Token)
	assert.NoError(t, err, "Error checking used marker")
	assert.True(t, used, "Token should be marked used")

	// A second consumption must fail.
	_, err = rStore.Consume(mockChallenge.Token)
	assert.Equal(t, store.ErrNotExist, err, "Second consumption should fail")
}

func TestStoreUsedMarkerExpiry(t *testing.T) {
	rStore := setup(t)

	_, err := rStore.Consume(mockChallenge.Token)
	require.NoError(t, err, "Error consuming challenge")

	// Redis expiry is the sweep; fast-forward past the marker TTL.
	rdis.FastForward(mockChallenge.TTL + time.Second)

	used, err := rStore.IsUsed(mockChallenge.Token)
	assert.NoError(t, err, "Error checking used marker")
	assert.False(t, used, "Used marker should have expired")
}

func TestStoreDelete(t *testing.T) {
	rStore := setup(t)

	err := rStore.Delete(mockChallenge.Token)
	assert.NoError(t, err, "Error deleting challenge")

	_, err = rStore.Check(mockChallenge.Token, false)
	assert.Equal(t, store.ErrNotExist, err, "Challenge should not exist but it does")
}
