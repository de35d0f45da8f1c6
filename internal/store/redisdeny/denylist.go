// Package redisdeny keeps revoked token ids in Redis until they expire.
package redisdeny

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"warden.dev/internal/auth"
)

// DefaultPrefix namespaces revocation keys.
const DefaultPrefix = "warden:revoked:"

var _ auth.Denylist = (*Denylist)(nil)

// Denylist implements auth.Denylist on a Redis client.
type Denylist struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option configures a Denylist.
type Option func(*Denylist)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(d *Denylist) {
		if prefix != "" {
			d.prefix = prefix
		}
	}
}

// WithClock overrides the time source used to compute key TTLs.
func WithClock(fn func() time.Time) Option {
	return func(d *Denylist) {
		if fn != nil {
			d.now = fn
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) (*Denylist, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	d := &Denylist{client: client, prefix: DefaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Denylist, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return New(client, opts...)
}

func (d *Denylist) key(jti string) string {
	return d.prefix + jti
}

// Revoke marks jti as revoked until the given time. Tokens already past
// until need no entry.
func (d *Denylist) Revoke(ctx context.Context, jti string, until time.Time) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return errors.New("token id is required")
	}
	ttl := until.Sub(d.now())
	if ttl <= 0 {
		return nil
	}
	if err := d.client.Set(ctx, d.key(jti), until.UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether jti has an active revocation entry.
func (d *Denylist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if strings.TrimSpace(jti) == "" {
		return false, nil
	}
	n, err := d.client.Exists(ctx, d.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return n > 0, nil
}

// Ping reports whether Redis answers.
func (d *Denylist) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *Denylist) Close() error {
	return d.client.Close()
}
