// Package security screens prompt content for injection, jailbreak,
// extraction, and credential-harvesting attempts, and keeps a bounded log of
// detections for threat rate limiting and reporting.
package security

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/telemetry"
)

const (
	// escalateAt is the match count at which severity rises one level.
	escalateAt = 5
	// maxMatched caps the fragments reported per detection.
	maxMatched = 5
	// rateWindow is the trailing window for threat rate limiting.
	rateWindow = time.Hour
	// topSubjects caps the offender list in Stats.
	topSubjects = 10
)

// Subject identifies who sent a prompt.
type Subject struct {
	UserID string
	KeyID  string
	IP     string
}

// Detection is one threat kind found in a prompt.
type Detection struct {
	Kind            Kind     `json:"threat_type"`
	Severity        Severity `json:"severity"`
	Confidence      float64  `json:"confidence"`
	MatchedPatterns []string `json:"matched_patterns"`
	Description     string   `json:"description"`
	Action          Action   `json:"action"`
}

// ShouldBlock reports whether any detection requires blocking.
func ShouldBlock(detections []Detection) bool {
	return slices.ContainsFunc(detections, func(d Detection) bool {
		return d.Action == ActionBlock
	})
}

// ShouldRateLimit reports whether any detection requires throttling.
func ShouldRateLimit(detections []Detection) bool {
	return slices.ContainsFunc(detections, func(d Detection) bool {
		return d.Action == ActionRateLimit
	})
}

// Options configures a Scanner.
type Options struct {
	Policy    string          // default "balanced"
	Disabled  bool            // start with scanning switched off
	Actions   map[Kind]Action // per-kind overrides of the policy's actions
	Sink      LogSink
	Metrics   *telemetry.Metrics
	Retention time.Duration // log retention; default 7 days
	Now       func() time.Time
}

// Scanner evaluates prompts against the active policy and pattern table.
type Scanner struct {
	policy   atomic.Pointer[Policy]
	patterns atomic.Pointer[patternTable]
	mu       sync.Mutex // serializes policy and pattern writers

	log       eventLog
	sink      LogSink
	metrics   *telemetry.Metrics
	retention time.Duration
	now       func() time.Time
}

// NewScanner returns a Scanner using the named policy.
func NewScanner(opts Options) (*Scanner, error) {
	p, err := LookupPolicy(cmp.Or(opts.Policy, PolicyBalanced))
	if err != nil {
		return nil, err
	}
	s := &Scanner{
		sink:      opts.Sink,
		metrics:   opts.Metrics,
		retention: cmp.Or(opts.Retention, 7*24*time.Hour),
		now:       opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	p.Enabled = !opts.Disabled
	for kind, a := range opts.Actions {
		p = p.withAction(kind, a)
	}
	s.policy.Store(&p)
	t := defaultTable()
	s.patterns.Store(&t)
	return s, nil
}

// Policy returns the active policy.
func (s *Scanner) Policy() Policy { return *s.policy.Load() }

// Retention returns how long log entries are kept.
func (s *Scanner) Retention() time.Duration { return s.retention }

// SetPolicy switches to the named built-in policy.
func (s *Scanner) SetPolicy(name string) error {
	p, err := LookupPolicy(name)
	if err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrBadRequest, err)
	}
	s.mu.Lock()
	p.Enabled = s.policy.Load().Enabled
	s.policy.Store(&p)
	s.mu.Unlock()
	slog.Info("security policy changed", "policy", name)
	return nil
}

// SetAction overrides the active policy's response to kind.
func (s *Scanner) SetAction(kind Kind, a Action) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrBadRequest, err)
	}
	if _, err := ParseAction(string(a)); err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrBadRequest, err)
	}
	s.mu.Lock()
	next := s.policy.Load().withAction(kind, a)
	s.policy.Store(&next)
	s.mu.Unlock()
	slog.Info("security action changed", "kind", string(kind), "action", string(a))
	return nil
}

// SetEnabled switches scanning and threat throttling on or off.
func (s *Scanner) SetEnabled(on bool) {
	s.mu.Lock()
	next := *s.policy.Load()
	next.Enabled = on
	s.policy.Store(&next)
	s.mu.Unlock()
	slog.Info("security scanning toggled", "enabled", on)
}

// AddPattern compiles expr and appends it to kind's pattern list.
func (s *Scanner) AddPattern(kind Kind, expr string) error {
	re, err := compilePattern(expr)
	if err != nil {
		return fmt.Errorf("%w: invalid pattern: %v", gateway.ErrBadRequest, err)
	}
	s.mu.Lock()
	next := s.patterns.Load().with(kind, re)
	s.patterns.Store(&next)
	s.mu.Unlock()
	slog.Info("custom security pattern added", "kind", string(kind))
	return nil
}

// ScanPrompt returns the detections for text and the sanitized text. Text is
// only modified for kinds whose action is sanitize.
func (s *Scanner) ScanPrompt(ctx context.Context, text string, sub Subject) ([]Detection, string) {
	policy := s.policy.Load()
	if !policy.Enabled {
		return nil, text
	}

	if utf8.RuneCountInString(text) > policy.MaxLength {
		d := Detection{
			Kind:            PromptInjection,
			Severity:        SeverityMedium,
			Confidence:      1.0,
			MatchedPatterns: []string{"prompt_too_long"},
			Description:     fmt.Sprintf("prompt exceeds maximum length of %d characters", policy.MaxLength),
			Action:          ActionBlock,
		}
		s.record(ctx, d, text, sub, policy)
		return []Detection{d}, text
	}

	table := *s.patterns.Load()
	var detections []Detection
	sanitized := text
	for _, kind := range Kinds {
		patterns := table[kind]
		var matches []string
		for _, re := range patterns {
			matches = append(matches, re.FindAllString(text, -1)...)
		}
		if len(matches) == 0 || len(matches) < policy.Threshold {
			continue
		}

		sev := baseSeverity[kind]
		if len(matches) >= escalateAt {
			sev = sev.escalate()
		}
		d := Detection{
			Kind:            kind,
			Severity:        sev,
			Confidence:      min(1.0, float64(len(matches))/escalateAt),
			MatchedPatterns: matches[:min(len(matches), maxMatched)],
			Description:     fmt.Sprintf("detected %s patterns: %d matches", kind, len(matches)),
			Action:          policy.Action(kind),
		}
		detections = append(detections, d)

		if d.Action == ActionSanitize {
			marker := redactions[kind]
			for _, re := range patterns {
				sanitized = re.ReplaceAllLiteralString(sanitized, marker)
			}
		}
	}

	for _, d := range detections {
		s.record(ctx, d, text, sub, policy)
	}
	return detections, sanitized
}

// ScanMessages scans every message independently and returns all detections
// with the sanitized message list. Unchanged messages keep their original
// content encoding.
func (s *Scanner) ScanMessages(ctx context.Context, messages []gateway.Message, sub Subject) ([]Detection, []gateway.Message) {
	var all []Detection
	out := make([]gateway.Message, len(messages))
	for i, m := range messages {
		text := m.Text()
		detections, sanitized := s.ScanPrompt(ctx, text, sub)
		all = append(all, detections...)
		out[i] = m
		if sanitized != text {
			out[i] = gateway.TextMessage(m.Role, sanitized)
			out[i].Name = m.Name
		}
	}
	return all, out
}

// CheckThreatRateLimit reports whether sub is below the policy's hourly
// detection threshold.
func (s *Scanner) CheckThreatRateLimit(sub Subject) bool {
	if sub == (Subject{}) {
		return true
	}
	policy := s.policy.Load()
	if !policy.Enabled {
		return true
	}
	n := s.log.count(s.now().Add(-rateWindow), func(e *LogEntry) bool {
		return (sub.KeyID != "" && e.KeyID == sub.KeyID) ||
			(sub.UserID != "" && e.UserID == sub.UserID) ||
			(sub.IP != "" && e.IP == sub.IP)
	})
	return n < policy.RateLimit
}

// Prune removes log entries older than cutoff.
func (s *Scanner) Prune(cutoff time.Time) int {
	return s.log.prune(cutoff)
}

// Entries returns log entries recorded at or after since.
func (s *Scanner) Entries(since time.Time) []LogEntry {
	return s.log.since(since)
}

func (s *Scanner) record(ctx context.Context, d Detection, text string, sub Subject, policy *Policy) {
	e := LogEntry{
		Timestamp:    s.now().UTC(),
		Kind:         d.Kind,
		Severity:     d.Severity,
		Confidence:   d.Confidence,
		Blocked:      d.Action.rejects(),
		PromptSample: truncate(text, sampleLen),
		UserID:       sub.UserID,
		KeyID:        sub.KeyID,
		IP:           sub.IP,
		Metadata: map[string]any{
			"patterns":    d.MatchedPatterns,
			"policy":      policy.Name,
			"description": d.Description,
		},
	}
	s.log.append(e)

	if s.metrics != nil {
		s.metrics.ThreatsDetected.WithLabelValues(string(d.Kind), string(d.Action)).Inc()
	}
	slog.LogAttrs(ctx, slog.LevelWarn, "security threat detected",
		slog.String("kind", string(d.Kind)),
		slog.String("severity", d.Severity.String()),
		slog.String("action", string(d.Action)),
		slog.Float64("confidence", d.Confidence),
		slog.String("key_id", sub.KeyID),
		slog.String("user_id", sub.UserID),
		slog.String("ip", sub.IP),
	)

	if s.sink != nil {
		if err := s.sink.WriteSecurityLog(context.WithoutCancel(ctx), e); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "security log mirror failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

// SubjectCount is one entry of the top-offenders list.
type SubjectCount struct {
	Subject string `json:"subject"`
	Count   int    `json:"count"`
}

// Stats summarizes recent detections.
type Stats struct {
	Hours        int            `json:"hours"`
	Policy       string         `json:"policy"`
	TotalThreats int            `json:"total_threats"`
	Blocked      int            `json:"blocked_requests"`
	ByKind       map[string]int `json:"threat_types"`
	BySeverity   map[string]int `json:"severity_breakdown"`
	TopSubjects  []SubjectCount `json:"top_subjects"`
}

// Stats aggregates detections from the trailing hours.
func (s *Scanner) Stats(hours int) Stats {
	if hours <= 0 {
		hours = 24
	}
	entries := s.log.since(s.now().Add(-time.Duration(hours) * time.Hour))
	st := Stats{
		Hours:        hours,
		Policy:       s.policy.Load().Name,
		TotalThreats: len(entries),
		ByKind:       make(map[string]int),
		BySeverity:   make(map[string]int),
	}
	subjects := make(map[string]int)
	for i := range entries {
		e := &entries[i]
		if e.Blocked {
			st.Blocked++
		}
		st.ByKind[string(e.Kind)]++
		st.BySeverity[e.Severity.String()]++
		switch {
		case e.KeyID != "":
			subjects["key:"+e.KeyID]++
		case e.UserID != "":
			subjects["user:"+e.UserID]++
		case e.IP != "":
			subjects["ip:"+e.IP]++
		}
	}
	for sub, n := range subjects {
		st.TopSubjects = append(st.TopSubjects, SubjectCount{Subject: sub, Count: n})
	}
	slices.SortFunc(st.TopSubjects, func(a, b SubjectCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Subject, b.Subject)
	})
	if len(st.TopSubjects) > topSubjects {
		st.TopSubjects = st.TopSubjects[:topSubjects]
	}
	return st
}
