package allocation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExplanationEntry is one command's or shard's decider trace (spec §6).
type ExplanationEntry struct {
	Subject   string // a command description or a ShardId.String()
	Decisions []DeciderExplanation
}

// RoutingExplanations accumulates ExplanationEntry values across a single
// reroute pass, for the explain APIs and command execution.
type RoutingExplanations struct {
	Entries []ExplanationEntry
}

// NewRoutingExplanations returns an empty explanation log.
func NewRoutingExplanations() *RoutingExplanations {
	return &RoutingExplanations{}
}

// Add records one subject's decider trace.
func (re *RoutingExplanations) Add(subject string, decisions []DeciderExplanation) {
	re.Entries = append(re.Entries, ExplanationEntry{Subject: subject, Decisions: decisions})
}

// String renders the explanations the way an operator would want to read
// them on a terminal: one line per subject, one indented line per decider.
func (re *RoutingExplanations) String() string {
	var b strings.Builder
	for _, e := range re.Entries {
		fmt.Fprintf(&b, "%s:\n", e.Subject)
		for _, d := range e.Decisions {
			fmt.Fprintf(&b, "  %-40s %-8s %s\n", d.Decider, d.Decision, d.Message)
		}
	}
	return b.String()
}

// jsonDeciderExplanation mirrors DeciderExplanation but renders Decision as
// its string form ("YES"/"NO"/"THROTTLE") instead of the bare int.
type jsonDeciderExplanation struct {
	Decider  string `json:"decider"`
	Decision string `json:"decision"`
	Message  string `json:"message"`
}

type jsonExplanationEntry struct {
	Subject   string                   `json:"subject"`
	Decisions []jsonDeciderExplanation `json:"decisions"`
}

// MarshalJSON renders the explanation log for API/CLI consumers that want
// structured output rather than String()'s terminal-formatted text (spec
// §10's explain API).
func (re *RoutingExplanations) MarshalJSON() ([]byte, error) {
	entries := make([]jsonExplanationEntry, 0, len(re.Entries))
	for _, e := range re.Entries {
		decisions := make([]jsonDeciderExplanation, 0, len(e.Decisions))
		for _, d := range e.Decisions {
			decisions = append(decisions, jsonDeciderExplanation{
				Decider:  d.Decider,
				Decision: d.Decision.String(),
				Message:  d.Message,
			})
		}
		entries = append(entries, jsonExplanationEntry{Subject: e.Subject, Decisions: decisions})
	}
	return json.Marshal(entries)
}
