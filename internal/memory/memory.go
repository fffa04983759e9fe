// Package memory keeps a short conversation history per session and folds
// the turns relevant to a new prompt back into its system message.
//
// Sessions are scoped to the credential that created them, so a session id
// alone never reaches another caller's history. Relevance is a cosine score
// over the sets of words in the prompt and in each stored turn.
package memory

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/warden/internal"
)

const (
	DefaultMaxTurns = 50
	DefaultIdleTTL  = 24 * time.Hour
	DefaultMinScore = 0.3

	maxSessions  = 10_000
	recallLimit  = 5 // candidates returned by Recall
	injectLimit  = 3 // turns folded into the system message
	snippetRunes = 300
	queryUsers   = 2 // trailing user messages that form the query

	contextHeader = "Previous conversation context:"
)

// Meta describes the completion that produced a turn.
type Meta struct {
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Turn is one stored exchange: the last user message and the reply.
type Turn struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
	Meta
}

// Recalled is a stored turn with its relevance to the current prompt.
type Recalled struct {
	Turn
	Score float64 `json:"score"`
}

// Options configures a Store.
type Options struct {
	MaxTurns int           // per session, oldest dropped first
	IdleTTL  time.Duration // sessions untouched this long are forgotten
	MinScore float64       // turns scoring below are never recalled
	Now      func() time.Time
}

// Store holds session histories in a bounded W-TinyLFU cache.
type Store struct {
	cache    *otter.Cache[string, []Turn]
	maxTurns int
	minScore float64
	now      func() time.Time
}

// New returns an empty Store.
func New(opts Options) (*Store, error) {
	c, err := otter.New(&otter.Options[string, []Turn]{
		MaximumSize:      maxSessions,
		ExpiryCalculator: otter.ExpiryAccessing[string, []Turn](cmp.Or(opts.IdleTTL, DefaultIdleTTL)),
	})
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	s := &Store{
		cache:    c,
		maxTurns: cmp.Or(opts.MaxTurns, DefaultMaxTurns),
		minScore: cmp.Or(opts.MinScore, DefaultMinScore),
		now:      opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func sessionKey(credentialID, sessionID string) string {
	return credentialID + "\x00" + sessionID
}

// Record stores the exchange of messages and response under the session.
// Requests without a user message store nothing.
func (s *Store) Record(credentialID, sessionID string, messages []gateway.Message, response string, meta Meta) {
	user, ok := lastUser(messages)
	if !ok || sessionID == "" {
		return
	}
	t := Turn{
		Text: "User: " + user + "\nAssistant: " + response,
		At:   s.now().UTC(),
		Meta: meta,
	}
	s.cache.Compute(sessionKey(credentialID, sessionID), func(old []Turn, _ bool) ([]Turn, otter.ComputeOp) {
		// Readers may hold old; build a fresh slice.
		keep := old[max(0, len(old)+1-s.maxTurns):]
		next := make([]Turn, 0, len(keep)+1)
		next = append(next, keep...)
		return append(next, t), otter.WriteOp
	})
}

// History returns the stored turns of a session, oldest first.
func (s *Store) History(credentialID, sessionID string) []Turn {
	turns, _ := s.cache.GetIfPresent(sessionKey(credentialID, sessionID))
	return slices.Clone(turns)
}

// Forget drops a session.
func (s *Store) Forget(credentialID, sessionID string) {
	s.cache.Invalidate(sessionKey(credentialID, sessionID))
}

// Recall returns up to five stored turns relevant to the trailing user
// messages, best first. Equal scores favor the newer turn.
func (s *Store) Recall(credentialID, sessionID string, messages []gateway.Message) []Recalled {
	turns, ok := s.cache.GetIfPresent(sessionKey(credentialID, sessionID))
	if !ok {
		return nil
	}
	query := terms(queryText(messages))
	if len(query) == 0 {
		return nil
	}
	var out []Recalled
	for i := len(turns) - 1; i >= 0; i-- {
		if score := cosine(query, terms(turns[i].Text)); score >= s.minScore {
			out = append(out, Recalled{Turn: turns[i], Score: score})
		}
	}
	slices.SortStableFunc(out, func(a, b Recalled) int { return cmp.Compare(b.Score, a.Score) })
	return out[:min(len(out), recallLimit)]
}

// Augment returns messages with the relevant history of the session folded
// into the system prompt, and how many turns were added. messages is not
// modified.
func (s *Store) Augment(credentialID, sessionID string, messages []gateway.Message) ([]gateway.Message, int) {
	recalled := s.Recall(credentialID, sessionID, messages)
	if len(recalled) == 0 {
		return messages, 0
	}
	recalled = recalled[:min(len(recalled), injectLimit)]
	return Inject(messages, recalled), len(recalled)
}

// Inject appends a context block built from recalled to every system
// message, or prepends one as a new system message when there is none.
func Inject(messages []gateway.Message, recalled []Recalled) []gateway.Message {
	if len(recalled) == 0 {
		return messages
	}
	var b strings.Builder
	b.WriteString(contextHeader)
	for _, r := range recalled {
		fmt.Fprintf(&b, "\n[%s] %s", r.At.Format(time.RFC3339), snippet(r.Text))
	}
	block := b.String()

	out := make([]gateway.Message, 0, len(messages)+1)
	found := false
	for _, m := range messages {
		if m.Role == "system" {
			found = true
			m = gateway.TextMessage("system", m.Text()+"\n\n"+block)
		}
		out = append(out, m)
	}
	if !found {
		out = slices.Insert(out, 0, gateway.TextMessage("system", block))
	}
	return out
}

func snippet(s string) string {
	r := []rune(s)
	if len(r) <= snippetRunes {
		return s
	}
	return string(r[:snippetRunes]) + "..."
}

func lastUser(messages []gateway.Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Text(), true
		}
	}
	return "", false
}

func queryText(messages []gateway.Message) string {
	var parts []string
	for i := len(messages) - 1; i >= 0 && len(parts) < queryUsers; i-- {
		if messages[i].Role == "user" {
			parts = append(parts, messages[i].Text())
		}
	}
	slices.Reverse(parts)
	return strings.Join(parts, " ")
}

func terms(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func cosine(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for w := range a {
		if _, ok := b[w]; ok {
			shared++
		}
	}
	return float64(shared) / math.Sqrt(float64(len(a)*len(b)))
}
