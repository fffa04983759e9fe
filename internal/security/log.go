package security

import (
	"context"
	"slices"
	"sync"
	"time"
	"unicode/utf8"
)

// sampleLen caps the prompt bytes kept on a log entry.
const sampleLen = 500

// LogEntry records one detection.
type LogEntry struct {
	Timestamp    time.Time      `json:"timestamp"`
	Kind         Kind           `json:"threat_type"`
	Severity     Severity       `json:"severity"`
	Confidence   float64        `json:"confidence"`
	Blocked      bool           `json:"blocked"`
	PromptSample string         `json:"prompt_sample,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	KeyID        string         `json:"api_key_id,omitempty"`
	IP           string         `json:"ip_address,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// LogSink mirrors log entries to an external store.
type LogSink interface {
	WriteSecurityLog(ctx context.Context, e LogEntry) error
}

// eventLog is an append-only, time-ordered detection log.
type eventLog struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (l *eventLog) append(e LogEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// since returns a copy of the entries at or after cutoff.
func (l *eventLog) since(cutoff time.Time) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.firstAfter(cutoff)
	out := make([]LogEntry, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out
}

// count returns the number of entries at or after cutoff matching fn.
func (l *eventLog) count(cutoff time.Time, fn func(*LogEntry) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i := l.firstAfter(cutoff); i < len(l.entries); i++ {
		if fn(&l.entries[i]) {
			n++
		}
	}
	return n
}

// prune drops entries older than cutoff.
func (l *eventLog) prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.firstAfter(cutoff)
	if i == 0 {
		return 0
	}
	l.entries = append(l.entries[:0:0], l.entries[i:]...)
	return i
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// firstAfter returns the index of the first entry not before cutoff.
// Callers hold l.mu.
func (l *eventLog) firstAfter(cutoff time.Time) int {
	for i := range l.entries {
		if !l.entries[i].Timestamp.Before(cutoff) {
			return i
		}
	}
	return len(l.entries)
}

// SortEntries orders entries by timestamp, oldest first.
func SortEntries(entries []LogEntry) {
	slices.SortStableFunc(entries, func(a, b LogEntry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

// truncate returns at most n bytes of s without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
