package threat

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Intel answers whether an address is known to be malicious.
type Intel interface {
	IsKnownBad(ctx context.Context, addr netip.Addr) (bool, error)
}

// StaticIntel is a fixed set of addresses and prefixes loaded from config.
type StaticIntel struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// NewStaticIntel parses entries as either single addresses or CIDR prefixes.
func NewStaticIntel(entries []string) (*StaticIntel, error) {
	s := &StaticIntel{addrs: make(map[netip.Addr]struct{})}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid known-bad prefix %q: %w", e, err)
			}
			s.prefixes = append(s.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid known-bad address %q: %w", e, err)
		}
		s.addrs[a.Unmap()] = struct{}{}
	}
	return s, nil
}

func (s *StaticIntel) IsKnownBad(_ context.Context, addr netip.Addr) (bool, error) {
	addr = addr.Unmap()
	if _, ok := s.addrs[addr]; ok {
		return true, nil
	}
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of configured entries.
func (s *StaticIntel) Len() int {
	return len(s.addrs) + len(s.prefixes)
}

// RedisIntel looks addresses up in a Redis set maintained by an external
// feed. Lookups are bounded by a per-call timeout.
type RedisIntel struct {
	client  redis.Cmdable
	key     string
	timeout time.Duration
}

// NewRedisIntel wraps an existing client.
func NewRedisIntel(client redis.Cmdable, key string, timeout time.Duration) *RedisIntel {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &RedisIntel{client: client, key: key, timeout: timeout}
}

// DialRedis connects to Redis and verifies the connection with a ping.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (r *RedisIntel) IsKnownBad(ctx context.Context, addr netip.Addr) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok, err := r.client.SIsMember(ctx, r.key, addr.Unmap().String()).Result()
	if err != nil {
		return false, fmt.Errorf("redis intel lookup: %w", err)
	}
	return ok, nil
}

// MultiIntel reports an address as known-bad if any source does. Errors from
// individual sources are joined and do not hide a positive answer.
type MultiIntel []Intel

func (m MultiIntel) IsKnownBad(ctx context.Context, addr netip.Addr) (bool, error) {
	var errs []error
	for _, src := range m {
		ok, err := src.IsKnownBad(ctx, addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}
