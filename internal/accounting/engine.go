package accounting

import (
	"context"
	"hash/fnv"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/eugener/warden/internal/ratelimit"
	"github.com/eugener/warden/internal/tokencount"
)

// stripeCount is the number of per-credential lock stripes.
const stripeCount = 64

// windowRetention is how long minute windows are kept after they close.
const windowRetention = time.Hour

// Mirror persists accounting state to an external store. The in-memory state
// stays authoritative; mirror errors are logged, never surfaced to callers.
type Mirror interface {
	SaveUsage(ctx context.Context, records []UsageRecord) error
	LoadUsage(ctx context.Context, sinceDay string) ([]UsageRecord, error)
	DeleteUsage(ctx context.Context, keys []string) error
	SaveQuota(ctx context.Context, credentialID string, q QuotaConfig) error
	LoadQuotas(ctx context.Context) (map[string]QuotaConfig, error)
	SaveRate(ctx context.Context, r ConversionRate) error
	LoadRates(ctx context.Context) ([]ConversionRate, error)
}

// UsageQueue accepts day-record snapshots for asynchronous mirroring.
type UsageQueue interface {
	Record(UsageRecord)
}

// stripe owns the day records of every credential hashing to it.
type stripe struct {
	mu    sync.Mutex
	usage map[string]map[string]*UsageRecord // credential -> day -> record
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Rates    *Rates
	Counter  *tokencount.Counter
	Windows  *ratelimit.Windows
	Defaults *QuotaConfig
	Mirror   Mirror     // optional
	Queue    UsageQueue // optional; usage snapshots are dropped when nil
	Now      func() time.Time
}

// Engine is the token accounting and quota enforcement engine.
type Engine struct {
	rates    *Rates
	counter  *tokencount.Counter
	windows  *ratelimit.Windows
	defaults QuotaConfig
	mirror   Mirror
	queue    UsageQueue
	now      func() time.Time

	stripes [stripeCount]stripe

	quotaMu sync.RWMutex
	quotas  map[string]QuotaConfig
}

// NewEngine returns an Engine configured by opts.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		rates:    opts.Rates,
		counter:  opts.Counter,
		windows:  opts.Windows,
		defaults: DefaultQuota(),
		mirror:   opts.Mirror,
		queue:    opts.Queue,
		now:      opts.Now,
		quotas:   make(map[string]QuotaConfig),
	}
	if e.rates == nil {
		e.rates = NewRates(DefaultRates())
	}
	if e.counter == nil {
		e.counter = tokencount.NewCounter()
	}
	if e.windows == nil {
		e.windows = ratelimit.NewWindows()
	}
	if opts.Defaults != nil {
		e.defaults = *opts.Defaults
	}
	if e.now == nil {
		e.now = time.Now
	}
	for i := range e.stripes {
		e.stripes[i].usage = make(map[string]map[string]*UsageRecord)
	}
	return e
}

// Rates returns the engine's conversion-rate table.
func (e *Engine) Rates() *Rates { return e.rates }

// Counter returns the engine's token estimator.
func (e *Engine) Counter() *tokencount.Counter { return e.counter }

// Windows returns the per-minute counters.
func (e *Engine) Windows() *ratelimit.Windows { return e.windows }

func (e *Engine) stripeFor(credentialID string) *stripe {
	h := fnv.New32a()
	h.Write([]byte(credentialID))
	return &e.stripes[h.Sum32()%stripeCount]
}

// SetQueue attaches the asynchronous usage queue. It must be called before
// the engine serves traffic.
func (e *Engine) SetQueue(q UsageQueue) { e.queue = q }

// ProcessUsage accounts one completed call: it counts and normalizes tokens,
// prices them, and merges the result into the credential's day record and
// current minute window. Merges for the same credential are serialized.
func (e *Engine) ProcessUsage(ctx context.Context, in UsageInput) UsageSummary {
	inTok, outTok := in.InputTokens, in.OutputTokens
	if inTok == 0 {
		inTok = e.counter.CountTokens(in.InputText, in.Provider, in.Model)
	}
	if outTok == 0 {
		outTok = e.counter.CountTokens(in.OutputText, in.Provider, in.Model)
	}
	normalized := e.rates.NormalizedTokens(inTok, outTok, in.Provider, in.Model)
	normCost, usd := e.rates.CalculateCost(normalized, in.Provider, in.Model)

	now := e.now().UTC()
	day := now.Format(dayLayout)

	s := e.stripeFor(in.CredentialID)
	s.mu.Lock()
	days := s.usage[in.CredentialID]
	if days == nil {
		days = make(map[string]*UsageRecord)
		s.usage[in.CredentialID] = days
	}
	rec := days[day]
	if rec == nil {
		rec = &UsageRecord{
			CredentialID:   in.CredentialID,
			Day:            day,
			ModelBreakdown: make(map[string]int64),
		}
		days[day] = rec
	}
	if in.UserID != "" {
		rec.UserID = in.UserID
	}
	rec.NormalizedTokens += int64(normalized)
	rec.InputTokens += int64(inTok)
	rec.OutputTokens += int64(outTok)
	rec.RequestCount++
	rec.CostUSD += usd
	rec.ModelBreakdown[breakdownKey(in.Provider, in.Model)] += int64(normalized)
	rec.LastUpdated = now
	e.windows.Add(in.CredentialID, 1, int64(normalized), now)
	snapshot := rec.clone()
	s.mu.Unlock()

	if e.queue != nil {
		e.queue.Record(snapshot)
	}

	slog.LogAttrs(ctx, slog.LevelDebug, "usage recorded",
		slog.String("credential_id", in.CredentialID),
		slog.String("provider", in.Provider),
		slog.String("model", in.Model),
		slog.Int("normalized_tokens", normalized),
	)

	return UsageSummary{
		InputTokens:      inTok,
		OutputTokens:     outTok,
		TotalTokens:      inTok + outTok,
		NormalizedTokens: normalized,
		NormalizedCost:   normCost,
		CostUSD:          usd,
		Provider:         in.Provider,
		Model:            in.Model,
		Timestamp:        now,
	}
}

// CheckQuota evaluates the credential's daily, monthly, per-minute request,
// and per-minute token limits, each including estimatedTokens.
func (e *Engine) CheckQuota(_ context.Context, credentialID string, estimatedTokens int) QuotaCheck {
	q := e.Quota(credentialID)
	if !q.Enabled {
		return QuotaCheck{Allowed: true, Status: StatusDisabled}
	}

	now := e.now().UTC()
	day := now.Format(dayLayout)
	month := day[:7]
	est := int64(estimatedTokens)

	s := e.stripeFor(credentialID)
	s.mu.Lock()
	var daily, monthly int64
	for d, rec := range s.usage[credentialID] {
		if d[:7] != month {
			continue
		}
		monthly += rec.NormalizedTokens
		if d == day {
			daily = rec.NormalizedTokens
		}
	}
	minute := e.windows.Current(credentialID, now)
	s.mu.Unlock()

	check := QuotaCheck{
		Daily:          tokenLimit(daily, est, q.DailyLimit),
		Monthly:        tokenLimit(monthly, est, q.MonthlyLimit),
		MinuteRequests: requestLimit(minute.Requests, q.RPMLimit),
		MinuteTokens:   tokenLimit(minute.Tokens, est, q.TPMLimit),
	}
	if check.Daily.Status == StatusExceeded {
		check.Reasons = append(check.Reasons, ReasonDaily)
	}
	if check.Monthly.Status == StatusExceeded {
		check.Reasons = append(check.Reasons, ReasonMonthly)
	}
	if check.MinuteRequests.Status == StatusExceeded {
		check.Reasons = append(check.Reasons, ReasonRPM)
	}
	if check.MinuteTokens.Status == StatusExceeded {
		check.Reasons = append(check.Reasons, ReasonTPM)
	}
	check.Allowed = len(check.Reasons) == 0
	check.Status = StatusOK
	if !check.Allowed {
		check.Status = StatusExceeded
	}
	return check
}

// Quota returns the credential's quota config, or the defaults.
func (e *Engine) Quota(credentialID string) QuotaConfig {
	e.quotaMu.RLock()
	q, ok := e.quotas[credentialID]
	e.quotaMu.RUnlock()
	if !ok {
		return e.defaults
	}
	return q
}

// SetQuota replaces the credential's quota config.
func (e *Engine) SetQuota(ctx context.Context, credentialID string, q QuotaConfig) {
	e.quotaMu.Lock()
	e.quotas[credentialID] = q
	e.quotaMu.Unlock()

	if e.mirror != nil {
		if err := e.mirror.SaveQuota(ctx, credentialID, q); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "quota persist failed",
				slog.String("credential_id", credentialID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// SetRate inserts or replaces a conversion rate and mirrors it.
func (e *Engine) SetRate(ctx context.Context, r ConversionRate) error {
	if err := e.rates.Set(r); err != nil {
		return err
	}
	if e.mirror != nil {
		if err := e.mirror.SaveRate(ctx, r); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "rate persist failed",
				slog.String("rate", r.Key()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// ResetUsage clears the credential's usage for the current month and its
// minute window.
func (e *Engine) ResetUsage(ctx context.Context, credentialID string) int {
	month := e.now().UTC().Format(dayLayout)[:7]

	s := e.stripeFor(credentialID)
	s.mu.Lock()
	var keys []string
	for d, rec := range s.usage[credentialID] {
		if d[:7] == month {
			keys = append(keys, rec.Key())
			delete(s.usage[credentialID], d)
		}
	}
	e.windows.Reset(credentialID)
	s.mu.Unlock()

	if e.mirror != nil && len(keys) > 0 {
		if err := e.mirror.DeleteUsage(ctx, keys); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "usage reset persist failed",
				slog.String("credential_id", credentialID),
				slog.String("error", err.Error()),
			)
		}
	}
	return len(keys)
}

// UsageRecordFor returns a copy of the credential's record for day (YYYY-MM-DD).
func (e *Engine) UsageRecordFor(credentialID, day string) (UsageRecord, bool) {
	s := e.stripeFor(credentialID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.usage[credentialID][day]
	if !ok {
		return UsageRecord{}, false
	}
	return rec.clone(), true
}

// UsageStats aggregates the trailing days of usage. Empty credentialID or
// userID widen the filter.
func (e *Engine) UsageStats(credentialID, userID string, days int) UsageStats {
	if days <= 0 {
		days = 7
	}
	cutoff := e.now().UTC().AddDate(0, 0, -(days - 1)).Format(dayLayout)
	stats := UsageStats{
		CredentialID:   credentialID,
		UserID:         userID,
		Days:           days,
		ModelBreakdown: make(map[string]int64),
	}
	series := make(map[string]*DailyUsage)

	visit := func(rec *UsageRecord) {
		if rec.Day < cutoff || (userID != "" && rec.UserID != userID) {
			return
		}
		stats.NormalizedTokens += rec.NormalizedTokens
		stats.InputTokens += rec.InputTokens
		stats.OutputTokens += rec.OutputTokens
		stats.Requests += rec.RequestCount
		stats.CostUSD += rec.CostUSD
		for k, v := range rec.ModelBreakdown {
			stats.ModelBreakdown[k] += v
		}
		d := series[rec.Day]
		if d == nil {
			d = &DailyUsage{Day: rec.Day}
			series[rec.Day] = d
		}
		d.NormalizedTokens += rec.NormalizedTokens
		d.Requests += rec.RequestCount
		d.CostUSD += rec.CostUSD
	}

	if credentialID != "" {
		s := e.stripeFor(credentialID)
		s.mu.Lock()
		for _, rec := range s.usage[credentialID] {
			visit(rec)
		}
		s.mu.Unlock()
	} else {
		for i := range e.stripes {
			s := &e.stripes[i]
			s.mu.Lock()
			for _, byDay := range s.usage {
				for _, rec := range byDay {
					visit(rec)
				}
			}
			s.mu.Unlock()
		}
	}

	for _, day := range slices.Sorted(maps.Keys(series)) {
		stats.Daily = append(stats.Daily, *series[day])
	}
	stats.ActiveDays = len(stats.Daily)
	return stats
}

// Cleanup removes day records older than retentionDays and minute windows
// older than one hour. Each stripe is locked while it is swept.
func (e *Engine) Cleanup(ctx context.Context, retentionDays int) (records, windows int) {
	now := e.now().UTC()
	cutoff := now.AddDate(0, 0, -retentionDays).Format(dayLayout)

	var keys []string
	for i := range e.stripes {
		s := &e.stripes[i]
		s.mu.Lock()
		for cred, byDay := range s.usage {
			for d, rec := range byDay {
				if d < cutoff {
					keys = append(keys, rec.Key())
					delete(byDay, d)
				}
			}
			if len(byDay) == 0 {
				delete(s.usage, cred)
			}
		}
		s.mu.Unlock()
	}
	windows = e.windows.EvictStale(now.Add(-windowRetention))

	if e.mirror != nil && len(keys) > 0 {
		if err := e.mirror.DeleteUsage(ctx, keys); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "usage cleanup persist failed",
				slog.Int("count", len(keys)),
				slog.String("error", err.Error()),
			)
		}
	}
	return len(keys), windows
}

// Warm loads persisted quotas, rates, and recent usage from the mirror.
func (e *Engine) Warm(ctx context.Context, retentionDays int) error {
	if e.mirror == nil {
		return nil
	}
	rates, err := e.mirror.LoadRates(ctx)
	if err != nil {
		return err
	}
	for _, r := range rates {
		if err := e.rates.Set(r); err != nil {
			slog.Warn("skipping persisted conversion rate", "rate", r.Key(), "error", err)
		}
	}

	quotas, err := e.mirror.LoadQuotas(ctx)
	if err != nil {
		return err
	}
	e.quotaMu.Lock()
	maps.Copy(e.quotas, quotas)
	e.quotaMu.Unlock()

	since := e.now().UTC().AddDate(0, 0, -retentionDays).Format(dayLayout)
	records, err := e.mirror.LoadUsage(ctx, since)
	if err != nil {
		return err
	}
	for _, r := range records {
		rec := r.clone()
		if rec.ModelBreakdown == nil {
			rec.ModelBreakdown = make(map[string]int64)
		}
		s := e.stripeFor(rec.CredentialID)
		s.mu.Lock()
		byDay := s.usage[rec.CredentialID]
		if byDay == nil {
			byDay = make(map[string]*UsageRecord)
			s.usage[rec.CredentialID] = byDay
		}
		byDay[rec.Day] = &rec
		s.mu.Unlock()
	}
	slog.Info("accounting state loaded",
		"rates", len(rates), "quotas", len(quotas), "usage_records", len(records))
	return nil
}
