package security

import (
	"fmt"
	"maps"
	"slices"
)

// Action is the response a policy prescribes for a threat kind.
type Action string

const (
	ActionLog       Action = "log"
	ActionSanitize  Action = "sanitize"
	ActionBlock     Action = "block"
	ActionRateLimit Action = "rate_limit" // reject the request as throttled
)

var actions = []Action{ActionLog, ActionSanitize, ActionBlock, ActionRateLimit}

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	if i := slices.Index(actions, Action(s)); i >= 0 {
		return actions[i], nil
	}
	return "", fmt.Errorf("unknown security action %q", s)
}

// rejects reports whether a stops the request.
func (a Action) rejects() bool { return a == ActionBlock || a == ActionRateLimit }

// Policy tunes detection sensitivity and responses. A disabled policy
// detects nothing and never throttles.
type Policy struct {
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Enabled   bool            `json:"enabled"`
	Threshold int             `json:"threshold"`  // matches per kind before a detection
	MaxLength int             `json:"max_length"` // in characters
	RateLimit int             `json:"rate_limit"` // detections per subject per hour
	Actions   map[Kind]Action `json:"actions"`
}

// Action returns the configured action for kind, or ActionLog.
func (p *Policy) Action(kind Kind) Action {
	if a, ok := p.Actions[kind]; ok {
		return a
	}
	return ActionLog
}

// withAction returns a copy of p responding to kind with a.
func (p Policy) withAction(kind Kind, a Action) Policy {
	p.Actions = maps.Clone(p.Actions)
	if p.Actions == nil {
		p.Actions = make(map[Kind]Action, 1)
	}
	p.Actions[kind] = a
	return p
}

// Built-in policy names.
const (
	PolicyStrict     = "strict"
	PolicyBalanced   = "balanced"
	PolicyPermissive = "permissive"
)

var policies = map[string]Policy{
	PolicyStrict: {
		Name: PolicyStrict, Version: 1, Enabled: true, Threshold: 1, MaxLength: 10_000, RateLimit: 10,
		Actions: map[Kind]Action{
			PromptInjection:      ActionBlock,
			Jailbreak:            ActionBlock,
			DataExtraction:       ActionBlock,
			SystemPromptLeak:     ActionBlock,
			CredentialHarvesting: ActionBlock,
		},
	},
	PolicyBalanced: {
		Name: PolicyBalanced, Version: 1, Enabled: true, Threshold: 2, MaxLength: 50_000, RateLimit: 20,
		Actions: map[Kind]Action{
			PromptInjection:      ActionBlock,
			Jailbreak:            ActionSanitize,
			DataExtraction:       ActionBlock,
			SystemPromptLeak:     ActionSanitize,
			CredentialHarvesting: ActionBlock,
		},
	},
	PolicyPermissive: {
		Name: PolicyPermissive, Version: 1, Enabled: true, Threshold: 3, MaxLength: 100_000, RateLimit: 50,
		Actions: map[Kind]Action{
			PromptInjection:      ActionSanitize,
			Jailbreak:            ActionLog,
			DataExtraction:       ActionSanitize,
			SystemPromptLeak:     ActionLog,
			CredentialHarvesting: ActionBlock,
		},
	},
}

// LookupPolicy returns a copy of the built-in policy with the given name.
func LookupPolicy(name string) (Policy, error) {
	p, ok := policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("unknown security policy %q", name)
	}
	p.Actions = maps.Clone(p.Actions)
	return p, nil
}

// PolicyNames returns the built-in policy names, sorted.
func PolicyNames() []string {
	names := make([]string, 0, len(policies))
	for n := range policies {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
