package connection

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTransitionIgnored is returned when an event has no effect on the
// connection's current status. Callers log it and move on.
var ErrTransitionIgnored = errors.New("transition ignored")

// Kind is the closed set of lifecycle events the state machine understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindSuccess
	KindFailure
	KindNotify
	KindDestroy
	KindProviderChanges
	// KindConsentExpired is raised internally when a sync finds the consent window closed.
	KindConsentExpired
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailure:
		return "failure"
	case KindNotify:
		return "notify"
	case KindDestroy:
		return "destroy"
	case KindProviderChanges:
		return "provider-changes"
	case KindConsentExpired:
		return "consent-expired"
	default:
		return "unknown"
	}
}

// ParseKind maps a callback category to a Kind. Anything unrecognised is KindUnknown.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return KindSuccess
	case "failure", "fail", "error":
		return KindFailure
	case "notify":
		return KindNotify
	case "destroy":
		return KindDestroy
	case "provider-changes", "provider_changes":
		return KindProviderChanges
	default:
		return KindUnknown
	}
}

// Action is the side effect the caller must perform after a transition.
type Action int

const (
	ActionNone Action = iota
	ActionFullPull
	ActionIncrementalPull
	ActionRecordError
	ActionMarkReadOnly
	ActionUpdateProvider
	ActionRequestRefresh
)

func (a Action) String() string {
	switch a {
	case ActionFullPull:
		return "full_pull"
	case ActionIncrementalPull:
		return "incremental_pull"
	case ActionRecordError:
		return "record_error"
	case ActionMarkReadOnly:
		return "mark_read_only"
	case ActionUpdateProvider:
		return "update_provider"
	case ActionRequestRefresh:
		return "request_refresh"
	default:
		return "none"
	}
}

// Pulls reports whether the action requires fetching data from the provider.
func (a Action) Pulls() bool {
	return a == ActionFullPull || a == ActionIncrementalPull
}

// NotifyPolicy decides what a notify event without a data hint does.
type NotifyPolicy int

const (
	NotifySkip NotifyPolicy = iota
	NotifyPull
)

// ParseNotifyPolicy accepts "pull" or "skip".
func ParseNotifyPolicy(s string) (NotifyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return NotifySkip, nil
	case "pull":
		return NotifyPull, nil
	default:
		return NotifySkip, fmt.Errorf("unknown notify policy %q", s)
	}
}

// Signal is an event as seen by the state machine.
// Stage, NewData and ProviderStatus are optional hints carried by notify payloads.
type Signal struct {
	Kind           Kind
	Stage          string
	NewData        *bool
	ProviderStatus string
}

// Decision is the outcome of a transition.
type Decision struct {
	From   Status
	Next   Status
	Action Action
}

// Changed reports whether the status moves.
func (d Decision) Changed() bool {
	return d.From != d.Next
}

// Transition computes the next status and side effect for sig applied to a
// connection currently in status current. It has no side effects itself.
func Transition(current Status, sig Signal, policy NotifyPolicy) (Decision, error) {
	stay := Decision{From: current, Next: current, Action: ActionNone}

	switch sig.Kind {
	case KindSuccess:
		switch current {
		case StatusPending, StatusInactive:
			return Decision{From: current, Next: StatusActive, Action: ActionFullPull}, nil
		case StatusActive:
			return Decision{From: current, Next: StatusActive, Action: ActionIncrementalPull}, nil
		}

	case KindFailure:
		switch current {
		case StatusPending, StatusActive, StatusInactive:
			return Decision{From: current, Next: StatusFailed, Action: ActionRecordError}, nil
		}

	case KindNotify:
		if current != StatusActive {
			break
		}
		if strings.EqualFold(sig.ProviderStatus, string(StatusInactive)) {
			return Decision{From: current, Next: StatusInactive, Action: ActionNone}, nil
		}
		if notifyPulls(sig, policy) {
			return Decision{From: current, Next: StatusActive, Action: ActionIncrementalPull}, nil
		}
		return stay, nil

	case KindDestroy:
		if !current.Terminal() {
			return Decision{From: current, Next: StatusDestroyed, Action: ActionMarkReadOnly}, nil
		}

	case KindProviderChanges:
		if current == StatusActive {
			return Decision{From: current, Next: StatusActive, Action: ActionUpdateProvider}, nil
		}

	case KindConsentExpired:
		if current == StatusActive {
			return Decision{From: current, Next: StatusInactive, Action: ActionNone}, nil
		}

	default:
		return stay, fmt.Errorf("%w: unknown event kind", ErrTransitionIgnored)
	}

	return stay, fmt.Errorf("%w: %s from %s", ErrTransitionIgnored, sig.Kind, current)
}

// Refresh computes the transition for a user-requested refresh.
func Refresh(current Status) (Decision, error) {
	switch current {
	case StatusActive, StatusInactive, StatusFailed:
		return Decision{From: current, Next: StatusPending, Action: ActionRequestRefresh}, nil
	}
	return Decision{From: current, Next: current}, fmt.Errorf("%w: refresh from %s", ErrTransitionIgnored, current)
}

func notifyPulls(sig Signal, policy NotifyPolicy) bool {
	if sig.NewData != nil {
		return *sig.NewData
	}
	switch strings.ToLower(sig.Stage) {
	case "finish", "fetch_accounts", "fetch_recent", "fetch_full":
		return true
	case "":
		return policy == NotifyPull
	default:
		return false
	}
}
