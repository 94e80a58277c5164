package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "jobpilot:lease:"

// Скрипты сравнивают токен, чтобы не тронуть чужой lease.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisTable — Table поверх Redis: SET NX PX для захвата,
// Lua compare-and-delete для освобождения.
//
// Значение ключа — "holder|token".
type RedisTable struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisConfig — конфигурация RedisTable.
type RedisConfig struct {
	Client redis.UniversalClient

	// KeyPrefix — префикс ключей (default: jobpilot:lease:).
	KeyPrefix string
}

// NewRedisTable создаёт RedisTable.
func NewRedisTable(cfg RedisConfig) *RedisTable {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	return &RedisTable{
		client: cfg.Client,
		prefix: cfg.KeyPrefix,
		now:    time.Now,
	}
}

func (t *RedisTable) key(id uuid.UUID) string {
	return t.prefix + id.String()
}

func encodeValue(holder, token string) string {
	return holder + "|" + token
}

func decodeValue(v string) (holder, token string) {
	i := strings.LastIndex(v, "|")
	if i < 0 {
		return v, ""
	}
	return v[:i], v[i+1:]
}

func (t *RedisTable) Acquire(ctx context.Context, id uuid.UUID, holder string, ttl time.Duration) (*Lease, error) {
	token := newToken()

	ok, err := t.client.SetNX(ctx, t.key(id), encodeValue(holder, token), ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		current, _, err := t.Holder(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &AlreadyRunningError{ApplicationID: id, Holder: current}
	}

	return &Lease{
		ApplicationID: id,
		Holder:        holder,
		Token:         token,
		ExpiresAt:     t.now().Add(ttl),
	}, nil
}

func (t *RedisTable) Renew(ctx context.Context, l *Lease, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, t.client,
		[]string{t.key(l.ApplicationID)},
		encodeValue(l.Holder, l.Token), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis renew: %w", err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	l.ExpiresAt = t.now().Add(ttl)
	return nil
}

func (t *RedisTable) Release(ctx context.Context, l *Lease) error {
	err := releaseScript.Run(ctx, t.client,
		[]string{t.key(l.ApplicationID)},
		encodeValue(l.Holder, l.Token),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

func (t *RedisTable) Holder(ctx context.Context, id uuid.UUID) (string, bool, error) {
	v, err := t.client.Get(ctx, t.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	holder, _ := decodeValue(v)
	return holder, true, nil
}
