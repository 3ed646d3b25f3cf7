package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/ecolearn/challengegate/internal/store"
	"github.com/ecolearn/challengegate/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Redis implements a Redis Store. Because consumption goes through a
// WATCH transaction on the challenge key, single-use holds across
// multiple gateway processes sharing one Redis.
type Redis struct {
	client *redis.Client
	conf   Conf
}

var (
	ctx = context.Background()
)

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	MaxActive int           `json:"max_active"`
	MaxIdle   int           `json:"max_idle"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
}

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "CHALLENGE"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if the Redis server is reachable.
func (r *Redis) Ping() error {
	return r.client.Ping(ctx).Err()
}

// Set stores a challenge against its token. The key carries the challenge
// TTL so that Redis expiry doubles as the cleanup sweep.
func (r *Redis) Set(token string, c models.Challenge) error {
	key := r.makeKey(token)

	txf := func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HMSet(ctx, key,
				"token", c.Token,
				"answer", c.Answer,
				"issued_at", c.IssuedAt,
				"used", false,
				"attempts", 0)
			pipe.PExpire(ctx, key, c.TTL)
			return nil
		})
		return err
	}

	return r.client.Watch(ctx, txf, key)
}

// Check returns the challenge stored against a token.
// Passing counter=true increments the attempt counter.
func (r *Redis) Check(token string, counter bool) (models.Challenge, error) {
	out, err := r.get(token)
	if err != nil {
		return out, err
	}
	if !counter {
		return out, err
	}

	key := r.makeKey(token)

	// Increment attempts and get TTL.
	pipe := r.client.TxPipeline()
	attempts := pipe.HIncrBy(ctx, key, "attempts", 1)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return out, err
	}

	out.Attempts = int(attempts.Val())
	out.TTL = ttl.Val()
	out.TTLSeconds = out.TTL.Seconds()

	return out, nil
}

// Consume removes the challenge for a token and records the token in the
// used set. The WATCH transaction aborts if the key changes between the
// read and the delete, so two concurrent Consume calls for one token can
// never both succeed.
func (r *Redis) Consume(token string) (models.Challenge, error) {
	var (
		key = r.makeKey(token)
		out = models.Challenge{Token: token}
	)

	txf := func(tx *redis.Tx) error {
		if err := tx.HGetAll(ctx, key).Scan(&out); err != nil {
			return err
		}
		if out.Answer == "" {
			return store.ErrNotExist
		}

		// Keep the used marker around for the remaining validity window;
		// past that, verification fails on expiry anyway.
		ttl, err := tx.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = time.Minute
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.Set(ctx, r.makeUsedKey(token), 1, ttl)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		// Lost the race to a concurrent consumer.
		return out, store.ErrNotExist
	}
	if err != nil {
		return out, err
	}

	out.Used = true
	return out, nil
}

// IsUsed reports whether a token has already been consumed.
func (r *Redis) IsUsed(token string) (bool, error) {
	n, err := r.client.Exists(ctx, r.makeUsedKey(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete deletes the challenge saved against a given token.
func (r *Redis) Delete(token string) error {
	return r.client.Del(ctx, r.makeKey(token)).Err()
}

// Close releases the underlying Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// makeKey makes the Redis key for the challenge.
func (r *Redis) makeKey(token string) string {
	return fmt.Sprintf("%s:%s", r.conf.KeyPrefix, token)
}

// makeUsedKey makes the Redis key for a consumed token marker.
func (r *Redis) makeUsedKey(token string) string {
	return fmt.Sprintf("%s_USED:%s", r.conf.KeyPrefix, token)
}

// get retrieves the challenge from Redis based on the token.
func (r *Redis) get(token string) (models.Challenge, error) {
	key := r.makeKey(token)
	out := models.Challenge{
		Token: token,
	}

	// Retrieve all fields of the hash.
	if err := r.client.HGetAll(ctx, key).Scan(&out); err != nil {
		return out, err
	}

	// Doesn't exist?
	if out.Answer == "" {
		return out, store.ErrNotExist
	}

	// Retrieve TTL.
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return out, err
	}

	out.TTL = ttl
	out.TTLSeconds = ttl.Seconds()
	return out, nil
}
