package locks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

// unlockScript deletes the key only when it still holds our token so an
// expired lock taken over by another instance is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every instance pointing at the same Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    *logger.Logger
}

var _ Locker = (*Redis)(nil)

// RedisConfig configures a Redis locker.
type RedisConfig struct {
	Prefix string
	// TTL bounds how long a crashed holder can block a key. It must exceed
	// the longest guarded operation, including the settlement timeout.
	TTL   time.Duration
	Retry time.Duration
	Log   *logger.Logger
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "marketplace:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 50 * time.Millisecond
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("locks")
	}
	return &Redis{client: client, prefix: cfg.Prefix, ttl: cfg.TTL, retry: cfg.Retry, log: cfg.Log}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	name := r.prefix + key

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", name, err)
		}
		if ok {
			return func() { _ = r.release(name, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// release deletes the key if it still holds token. It uses a fresh context
// so a cancelled request still releases the key. A failure leaves the job
// blocked until the TTL expires, so it is logged.
func (r *Redis) release(name, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deleted, err := unlockScript.Run(ctx, r.client, []string{name}, token).Int()
	if err != nil {
		r.log.WithField("lock", name).
			WithField("ttl", r.ttl.String()).
			WithError(err).
			Warn("release lock failed; key held until ttl expires")
		return fmt.Errorf("release %s: %w", name, err)
	}
	if deleted == 0 {
		r.log.WithField("lock", name).Warn("lock expired before release; ttl shorter than the guarded operation")
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
