// Package trust classifies extension modules against the capability
// declarations in their manifests.
package trust

import (
	"fmt"

	"github.com/pilotd/pilotd/internal/extensions/manifest"
)

// Mode is the normalized trust policy
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeWarn     Mode = "warn"
	ModeEnforced Mode = "enforced"
)

// Normalize maps a raw configuration value to a trust mode. Unknown
// values fall back to warn.
func Normalize(raw string) Mode {
	switch Mode(raw) {
	case ModeDisabled, ModeWarn, ModeEnforced:
		return Mode(raw)
	default:
		return ModeWarn
	}
}

// EventVerdict is the outcome of checking registered event types
// against a module's declared capabilities.
type EventVerdict struct {
	Warnings []string
	Errors   []string
}

// Accepted reports whether the module may be loaded
func (v EventVerdict) Accepted() bool { return len(v.Errors) == 0 }

// EvaluateEvents checks each registered event type against the
// manifest's capabilities.events under the given mode.
func EvaluateEvents(m *manifest.Manifest, registered []string, mode Mode) EventVerdict {
	var verdict EventVerdict
	if mode == ModeDisabled {
		return verdict
	}
	for _, eventType := range registered {
		if m.DeclaresEvent(eventType) {
			continue
		}
		msg := fmt.Sprintf("module %s registered undeclared event type %q", m.Name, eventType)
		if mode == ModeEnforced {
			verdict.Errors = append(verdict.Errors, msg)
		} else {
			verdict.Warnings = append(verdict.Warnings, msg)
		}
	}
	return verdict
}

// ActionDecision is the outcome of an action capability check
type ActionDecision struct {
	Allowed bool
	Warn    bool
}

// EvaluateAction decides whether a module may request actionType
func EvaluateAction(declared []string, actionType string, mode Mode) ActionDecision {
	if mode == ModeDisabled {
		return ActionDecision{Allowed: true}
	}
	for _, a := range declared {
		if a == actionType {
			return ActionDecision{Allowed: true}
		}
	}
	if mode == ModeEnforced {
		return ActionDecision{Allowed: false}
	}
	return ActionDecision{Allowed: true, Warn: true}
}
