// Package redis mirrors accounting state and security log entries to Redis.
//
// Usage records are whole day snapshots from a single broker; a second
// process writing the same credential overwrites them rather than merging.
package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/eugener/warden/internal/accounting"
	"github.com/eugener/warden/internal/security"
)

const (
	defaultPrefix = "warden"
	// defaultUsageRetention matches the accounting retention default.
	defaultUsageRetention = 90 * 24 * time.Hour
	// minUsageTTL keeps every day of the current calendar month loadable.
	minUsageTTL = 32 * 24 * time.Hour
	// usageTTLSlack outlives the retention cutoff so cleanup, not expiry,
	// removes the oldest day.
	usageTTLSlack = 24 * time.Hour
	// scanCount is the SCAN page size hint.
	scanCount = 500
)

// Compile-time interface checks.
var (
	_ accounting.Mirror = (*Store)(nil)
	_ security.LogSink  = (*Store)(nil)
)

// Options configures a Store.
type Options struct {
	URL            string
	Prefix         string        // key prefix; default "warden"
	LogRetention   time.Duration // security log TTL; default 7 days
	UsageRetention time.Duration // day records kept for warm-up; default 90 days
}

// Store implements accounting.Mirror and security.LogSink on Redis.
type Store struct {
	client       *redis.Client
	prefix       string
	logRetention time.Duration
	usageTTL     time.Duration
	logSeq       atomic.Uint64
}

// New parses opts.URL, connects, and verifies the connection with PING.
func New(ctx context.Context, opts Options) (*Store, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	s := NewFromClient(redis.NewClient(ro), opts)
	if err := s.Ping(ctx); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(c *redis.Client, opts Options) *Store {
	return &Store{
		client:       c,
		prefix:       cmp.Or(opts.Prefix, defaultPrefix),
		logRetention: cmp.Or(opts.LogRetention, 7*24*time.Hour),
		usageTTL:     max(cmp.Or(opts.UsageRetention, defaultUsageRetention)+usageTTLSlack, minUsageTTL),
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) usageKey(key string) string  { return s.prefix + ":usage:" + key }
func (s *Store) quotaKey(cred string) string { return s.prefix + ":quota:" + cred }
func (s *Store) ratesKey() string            { return s.prefix + ":rates" }
func (s *Store) logPrefix() string           { return s.prefix + ":security:log:" }

// logKey is "<prefix>:security:log:<unix nanos>:<seq>". The sequence keeps
// entries with equal timestamps apart.
func (s *Store) logKey(ts time.Time) string {
	return s.logPrefix() + strconv.FormatInt(ts.UnixNano(), 10) + ":" + strconv.FormatUint(s.logSeq.Add(1), 10)
}

// --- accounting.Mirror ---

// SaveUsage writes each record as JSON, refreshing its TTL.
func (s *Store) SaveUsage(ctx context.Context, records []accounting.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for i := range records {
		b, err := json.Marshal(&records[i])
		if err != nil {
			return fmt.Errorf("marshal usage %s: %w", records[i].Key(), err)
		}
		pipe.Set(ctx, s.usageKey(records[i].Key()), b, s.usageTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save usage: %w", err)
	}
	return nil
}

// LoadUsage returns every mirrored day record with day >= sinceDay.
func (s *Store) LoadUsage(ctx context.Context, sinceDay string) ([]accounting.UsageRecord, error) {
	keys, err := s.scan(ctx, s.usageKey("*"))
	if err != nil {
		return nil, fmt.Errorf("scan usage: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	var out []accounting.UsageRecord
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var rec accounting.UsageRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		if rec.Day >= sinceDay {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeleteUsage removes the "credential:day" records named by keys.
func (s *Store) DeleteUsage(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.usageKey(k)
	}
	return s.client.Del(ctx, full...).Err()
}

// SaveQuota stores the credential's quota config.
func (s *Store) SaveQuota(ctx context.Context, credentialID string, q accounting.QuotaConfig) error {
	b, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.quotaKey(credentialID), b, 0).Err()
}

// LoadQuotas returns every mirrored quota config keyed by credential id.
func (s *Store) LoadQuotas(ctx context.Context) (map[string]accounting.QuotaConfig, error) {
	keys, err := s.scan(ctx, s.quotaKey("*"))
	if err != nil {
		return nil, fmt.Errorf("scan quotas: %w", err)
	}
	out := make(map[string]accounting.QuotaConfig, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load quotas: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var q accounting.QuotaConfig
		if err := json.Unmarshal([]byte(str), &q); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out[strings.TrimPrefix(keys[i], s.quotaKey(""))] = q
	}
	return out, nil
}

// SaveRate stores r in the rates hash under "provider:model".
func (s *Store) SaveRate(ctx context.Context, r accounting.ConversionRate) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.ratesKey(), r.Key(), b).Err()
}

// LoadRates returns every mirrored conversion rate.
func (s *Store) LoadRates(ctx context.Context) ([]accounting.ConversionRate, error) {
	m, err := s.client.HGetAll(ctx, s.ratesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load rates: %w", err)
	}
	out := make([]accounting.ConversionRate, 0, len(m))
	for field, v := range m {
		var r accounting.ConversionRate
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("decode rate %s: %w", field, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// --- security.LogSink ---

// WriteSecurityLog stores e under a timestamped key that expires after the
// log retention.
func (s *Store) WriteSecurityLog(ctx context.Context, e security.LogEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.logKey(e.Timestamp), b, s.logRetention).Err()
}

// SecurityLog returns mirrored entries recorded at or after since, oldest first.
func (s *Store) SecurityLog(ctx context.Context, since time.Time) ([]security.LogEntry, error) {
	prefix := s.logPrefix()
	keys, err := s.scan(ctx, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan security log: %w", err)
	}
	var out []security.LogEntry
	for _, k := range keys {
		ts, _, _ := strings.Cut(strings.TrimPrefix(k, prefix), ":")
		ns, err := strconv.ParseInt(ts, 10, 64)
		if err != nil || time.Unix(0, ns).Before(since) {
			continue
		}
		b, err := s.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var e security.LogEntry
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, e)
	}
	security.SortEntries(out)
	return out, nil
}

// scan collects every key matching pattern.
func (s *Store) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}
