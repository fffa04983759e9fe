package security

import (
	"fmt"
	"regexp"
)

// Kind is a category of prompt attack.
type Kind string

const (
	PromptInjection      Kind = "prompt_injection"
	Jailbreak            Kind = "jailbreak"
	DataExtraction       Kind = "data_extraction"
	SystemPromptLeak     Kind = "system_prompt_leak"
	CredentialHarvesting Kind = "credential_harvesting"
)

// Kinds lists every threat kind in evaluation order.
var Kinds = []Kind{PromptInjection, Jailbreak, DataExtraction, SystemPromptLeak, CredentialHarvesting}

// ParseKind validates a threat kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown threat kind %q", s)
}

// Severity orders detections by impact.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return "unknown"
	}
	return severityNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	for i, n := range severityNames {
		if n == string(b) {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", b)
}

// escalate raises s by one level, capped at critical.
func (s Severity) escalate() Severity { return min(s+1, SeverityCritical) }

var baseSeverity = map[Kind]Severity{
	PromptInjection:      SeverityHigh,
	Jailbreak:            SeverityMedium,
	DataExtraction:       SeverityHigh,
	SystemPromptLeak:     SeverityCritical,
	CredentialHarvesting: SeverityCritical,
}

var redactions = map[Kind]string{
	PromptInjection:      "[REDACTED: Instruction override attempt]",
	Jailbreak:            "[REDACTED: Roleplay attempt]",
	DataExtraction:       "[REDACTED: System information request]",
	SystemPromptLeak:     "[REDACTED: System token]",
	CredentialHarvesting: "[REDACTED: Credential]",
}

// patternFlags: case-insensitive, multi-line anchors, dot matches newline.
const patternFlags = "(?ims)"

var defaultPatterns = map[Kind][]string{
	PromptInjection: {
		`ignore\s+(?:previous|all|above|prior)\s+(?:instructions?|prompts?|rules?|directions?)`,
		`forget\s+(?:previous|all|above|prior)\s+(?:instructions?|prompts?|rules?|directions?)`,
		`system\s*:\s*(?:you\s+are\s+now|new\s+instructions?)`,
		`</\s*(?:instruction|prompt|system)\s*>.*<\s*(?:instruction|prompt|system)\s*>`,
		`---\s*end\s+of\s+(?:prompt|instructions?|system)\s*---`,
		`new\s+(?:instructions?|prompt|system|role)\s*:`,
		`override\s+(?:previous|all|system)\s+(?:instructions?|rules?)`,
		`disregard\s+(?:previous|all|system)\s+(?:instructions?|rules?)`,
		`replace\s+(?:previous|all|system)\s+(?:instructions?|rules?)`,
		`instead\s+of\s+following\s+(?:instructions?|rules?)`,
	},
	Jailbreak: {
		`pretend\s+(?:you\s+are|to\s+be)\s+(?:a\s+)?(?:different|another|\w+)`,
		`roleplay\s+(?:as|being)\s+(?:a\s+)?(?:\w+)`,
		`simulate\s+(?:a|being)\s+(?:\w+)`,
		`act\s+(?:as\s+if|like)\s+you\s+(?:are|were)\s+(?:a\s+)?(?:\w+)`,
		`bypass\s+(?:your|the)\s+(?:safety|guidelines|restrictions|limitations)`,
		`break\s+(?:your|the)\s+(?:rules|guidelines|restrictions)`,
		`violate\s+(?:your|the)\s+(?:rules|guidelines|restrictions)`,
		`go\s+against\s+(?:your|the)\s+(?:programming|instructions)`,
		`you\s+(?:can|are able to|should)\s+(?:do|say|ignore)\s+anything`,
		`there\s+are\s+no\s+(?:rules|restrictions|limitations)`,
		`hypothetically\s+speaking`,
		`in\s+a\s+(?:fictional|hypothetical)\s+scenario`,
	},
	DataExtraction: {
		`(?:show|tell|give|reveal)\s+me\s+(?:your|the)\s+(?:system\s+)?(?:prompt|instructions?)`,
		`what\s+(?:are\s+)?your\s+(?:initial\s+)?(?:instructions?|directives?|prompt)`,
		`reveal\s+(?:your\s+)?(?:system\s+)?(?:prompt|instructions?|directives?)`,
		`display\s+(?:your\s+)?(?:system\s+)?(?:prompt|instructions?|directives?)`,
		`print\s+(?:your\s+)?(?:system\s+)?(?:prompt|instructions?|directives?)`,
		`output\s+(?:your\s+)?(?:system\s+)?(?:prompt|instructions?|directives?)`,
		`what\s+(?:is|was)\s+your\s+(?:original\s+)?(?:prompt|instructions?)`,
		`copy\s+and\s+paste\s+your\s+(?:prompt|instructions?)`,
	},
	SystemPromptLeak: {
		`<\|(?:im_start|im_end)\|>`,
		`<\|system\|>`,
		`<\|user\|>`,
		`<\|assistant\|>`,
		`###\s+(?:System|Instruction|Human|Assistant)`,
		`\[INST\].*\[/INST\]`,
		`<s>.*</s>`,
		`\{\{.*\}\}`,
	},
	CredentialHarvesting: {
		`(?:api\s+key|api_key|apikey)\s*[:=]\s*["']?[\w\-]{20,}`,
		`(?:password|passwd|pwd)\s*[:=]\s*["']?\w{6,}`,
		`(?:token|access_token|auth_token)\s*[:=]\s*["']?[\w\-]{20,}`,
		`(?:secret|client_secret|api_secret)\s*[:=]\s*["']?[\w\-]{20,}`,
		`(?:username|user|login)\s*[:=]\s*["']?\w{3,}`,
		`sk-[a-zA-Z0-9]{20,}`,
		`xoxb-[a-zA-Z0-9\-]{10,}`,
		`anthropic-[a-zA-Z0-9]{20,}`,
	},
}

// compilePattern compiles expr with the scanner's flags.
func compilePattern(expr string) (*regexp.Regexp, error) {
	return regexp.Compile(patternFlags + expr)
}

// patternTable is immutable once published.
type patternTable map[Kind][]*regexp.Regexp

func defaultTable() patternTable {
	t := make(patternTable, len(defaultPatterns))
	for kind, exprs := range defaultPatterns {
		for _, e := range exprs {
			t[kind] = append(t[kind], regexp.MustCompile(patternFlags+e))
		}
	}
	return t
}

// with returns a copy of t with re appended to kind.
func (t patternTable) with(kind Kind, re *regexp.Regexp) patternTable {
	next := make(patternTable, len(t))
	for k, v := range t {
		next[k] = v[:len(v):len(v)]
	}
	next[kind] = append(next[kind], re)
	return next
}
