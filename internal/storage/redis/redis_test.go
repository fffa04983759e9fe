package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/eugener/warden/internal/accounting"
	"github.com/eugener/warden/internal/security"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(t.Context(), Options{URL: "redis://" + mr.Addr(), LogRetention: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestNew_BadURL(t *testing.T) {
	t.Parallel()
	if _, err := New(t.Context(), Options{URL: "http://localhost:6379"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestUsageRoundTrip(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := t.Context()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	records := []accounting.UsageRecord{
		{CredentialID: "k1", Day: "2026-03-01", NormalizedTokens: 3, RequestCount: 1, LastUpdated: now},
		{CredentialID: "k1", Day: "2026-03-14", UserID: "u1", NormalizedTokens: 12, RequestCount: 2,
			ModelBreakdown: map[string]int64{"openai_gpt_4": 12}, LastUpdated: now},
		{CredentialID: "k2", Day: "2026-03-14", NormalizedTokens: 7, RequestCount: 1, LastUpdated: now},
	}
	if err := s.SaveUsage(ctx, records); err != nil {
		t.Fatal(err)
	}

	if ttl, want := mr.TTL("warden:usage:k1:2026-03-14"), 91*24*time.Hour; ttl != want {
		t.Errorf("ttl = %v, want %v", ttl, want)
	}

	got, err := s.LoadUsage(ctx, "2026-03-10")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d records, want 2", len(got))
	}
	for _, r := range got {
		if r.CredentialID == "k1" && r.ModelBreakdown["openai_gpt_4"] != 12 {
			t.Errorf("breakdown = %v", r.ModelBreakdown)
		}
	}

	if err := s.DeleteUsage(ctx, []string{"k1:2026-03-14", "k2:2026-03-14"}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LoadUsage(ctx, "2000-01-01")
	if len(got) != 1 || got[0].Day != "2026-03-01" {
		t.Errorf("after delete = %+v", got)
	}
}

// Two brokers on one Redis do not pool a budget: the later day snapshot
// replaces the earlier one.
func TestUsageSnapshotsOverwrite(t *testing.T) {
	t.Parallel()
	a, mr := newTestStore(t)
	b, err := New(t.Context(), Options{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })

	day := "2026-03-14"
	if err := a.SaveUsage(t.Context(), []accounting.UsageRecord{{CredentialID: "k1", Day: day, NormalizedTokens: 40, RequestCount: 4}}); err != nil {
		t.Fatal(err)
	}
	if err := b.SaveUsage(t.Context(), []accounting.UsageRecord{{CredentialID: "k1", Day: day, NormalizedTokens: 10, RequestCount: 1}}); err != nil {
		t.Fatal(err)
	}
	got, err := a.LoadUsage(t.Context(), day)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].NormalizedTokens != 10 || got[0].RequestCount != 1 {
		t.Errorf("usage = %+v, want the second snapshot only", got)
	}
}

func TestUsageTTL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		retention time.Duration
		want      time.Duration
	}{
		{"default", 0, 91 * 24 * time.Hour},
		{"configured", 60 * 24 * time.Hour, 61 * 24 * time.Hour},
		{"short retention keeps a month", 7 * 24 * time.Hour, minUsageTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewFromClient(redis.NewClient(&redis.Options{Addr: "localhost:0"}), Options{UsageRetention: tt.retention})
			t.Cleanup(func() { s.Close() })
			if s.usageTTL != tt.want {
				t.Errorf("usageTTL = %v, want %v", s.usageTTL, tt.want)
			}
		})
	}
}

// mirrorNow writes every snapshot straight to the store.
type mirrorNow struct {
	t *testing.T
	s *Store
}

func (m mirrorNow) Record(r accounting.UsageRecord) {
	if err := m.s.SaveUsage(context.Background(), []accounting.UsageRecord{r}); err != nil {
		m.t.Error(err)
	}
}

func TestMonthlyUsageSurvivesRestart(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := t.Context()

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	quota := accounting.QuotaConfig{MonthlyLimit: 1_000_000, Enabled: true}

	first := accounting.NewEngine(accounting.Options{Mirror: s, Now: clock})
	first.SetQueue(mirrorNow{t: t, s: s})
	first.SetQuota(ctx, "key-a", quota)
	first.ProcessUsage(ctx, accounting.UsageInput{
		CredentialID: "key-a", Provider: "openai", Model: "gpt-4", InputTokens: 500, OutputTokens: 500,
	})
	before := first.CheckQuota(ctx, "key-a", 0).Monthly.Used
	if before == 0 {
		t.Fatal("no monthly usage recorded")
	}

	// Ten days later in the same month a fresh broker warms from Redis.
	mr.FastForward(10 * 24 * time.Hour)
	now = now.AddDate(0, 0, 10)
	second := accounting.NewEngine(accounting.Options{Mirror: s, Now: clock})
	if err := second.Warm(ctx, 90); err != nil {
		t.Fatal(err)
	}
	if got := second.CheckQuota(ctx, "key-a", 0).Monthly.Used; got != before {
		t.Errorf("monthly used after restart = %d, want %d", got, before)
	}
}

func TestQuotasAndRates(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := t.Context()

	q := accounting.QuotaConfig{DailyLimit: 1, MonthlyLimit: 2, RPMLimit: 3, TPMLimit: 4, Enabled: true}
	if err := s.SaveQuota(ctx, "key-a", q); err != nil {
		t.Fatal(err)
	}
	quotas, err := s.LoadQuotas(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(quotas) != 1 || quotas["key-a"] != q {
		t.Errorf("quotas = %+v", quotas)
	}

	r := accounting.ConversionRate{Provider: "acme", Model: "m", InputRate: 1.5, OutputRate: 3, BaseCost: 0.002}
	if err := s.SaveRate(ctx, r); err != nil {
		t.Fatal(err)
	}
	rates, err := s.LoadRates(ctx)
	if err != nil || len(rates) != 1 || rates[0] != r {
		t.Errorf("rates = %+v, %v", rates, err)
	}
}

func TestSecurityLog(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := t.Context()

	base := time.Now().UTC()
	entries := []security.LogEntry{
		{Timestamp: base, Kind: security.Jailbreak, Severity: security.SeverityMedium, KeyID: "k1"},
		{Timestamp: base, Kind: security.PromptInjection, Severity: security.SeverityHigh, Blocked: true, KeyID: "k1"},
		{Timestamp: base.Add(-2 * time.Hour), Kind: security.DataExtraction, Severity: security.SeverityHigh},
	}
	for _, e := range entries {
		if err := s.WriteSecurityLog(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.SecurityLog(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2 (equal timestamps must not collide)", len(got))
	}
	if got[0].Severity != security.SeverityMedium && got[1].Severity != security.SeverityMedium {
		t.Errorf("severity not decoded: %+v", got)
	}

	mr.FastForward(2 * time.Hour)
	got, _ = s.SecurityLog(ctx, time.Time{})
	if len(got) != 0 {
		t.Errorf("entries after retention = %d, want 0", len(got))
	}
}

func TestNewFromClient_Prefix(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	s := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), Options{Prefix: "edge"})
	t.Cleanup(func() { s.Close() })

	if err := s.SaveQuota(t.Context(), "k", accounting.DefaultQuota()); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("edge:quota:k") {
		t.Errorf("keys = %v, want edge:quota:k", mr.Keys())
	}
}
