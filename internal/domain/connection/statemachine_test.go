package connection

import (
	"errors"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestTransition(t *testing.T) {
	tests := []struct {
		name       string
		from       Status
		sig        Signal
		policy     NotifyPolicy
		wantNext   Status
		wantAction Action
		wantIgnore bool
	}{
		{"success from pending", StatusPending, Signal{Kind: KindSuccess}, NotifySkip, StatusActive, ActionFullPull, false},
		{"success from inactive", StatusInactive, Signal{Kind: KindSuccess}, NotifySkip, StatusActive, ActionFullPull, false},
		{"success from active", StatusActive, Signal{Kind: KindSuccess}, NotifySkip, StatusActive, ActionIncrementalPull, false},
		{"success from failed ignored", StatusFailed, Signal{Kind: KindSuccess}, NotifySkip, StatusFailed, ActionNone, true},
		{"success from destroyed ignored", StatusDestroyed, Signal{Kind: KindSuccess}, NotifySkip, StatusDestroyed, ActionNone, true},

		{"failure from pending", StatusPending, Signal{Kind: KindFailure}, NotifySkip, StatusFailed, ActionRecordError, false},
		{"failure from active", StatusActive, Signal{Kind: KindFailure}, NotifySkip, StatusFailed, ActionRecordError, false},
		{"failure from inactive", StatusInactive, Signal{Kind: KindFailure}, NotifySkip, StatusFailed, ActionRecordError, false},
		{"failure from failed ignored", StatusFailed, Signal{Kind: KindFailure}, NotifySkip, StatusFailed, ActionNone, true},

		{"notify with new data", StatusActive, Signal{Kind: KindNotify, NewData: boolPtr(true)}, NotifySkip, StatusActive, ActionIncrementalPull, false},
		{"notify explicitly no new data", StatusActive, Signal{Kind: KindNotify, NewData: boolPtr(false)}, NotifyPull, StatusActive, ActionNone, false},
		{"notify finish stage", StatusActive, Signal{Kind: KindNotify, Stage: "finish"}, NotifySkip, StatusActive, ActionIncrementalPull, false},
		{"notify interim stage", StatusActive, Signal{Kind: KindNotify, Stage: "connecting"}, NotifyPull, StatusActive, ActionNone, false},
		{"notify no hint skip policy", StatusActive, Signal{Kind: KindNotify}, NotifySkip, StatusActive, ActionNone, false},
		{"notify no hint pull policy", StatusActive, Signal{Kind: KindNotify}, NotifyPull, StatusActive, ActionIncrementalPull, false},
		{"notify provider inactive", StatusActive, Signal{Kind: KindNotify, ProviderStatus: "inactive"}, NotifyPull, StatusInactive, ActionNone, false},
		{"notify while pending ignored", StatusPending, Signal{Kind: KindNotify, Stage: "finish"}, NotifyPull, StatusPending, ActionNone, true},

		{"destroy from pending", StatusPending, Signal{Kind: KindDestroy}, NotifySkip, StatusDestroyed, ActionMarkReadOnly, false},
		{"destroy from active", StatusActive, Signal{Kind: KindDestroy}, NotifySkip, StatusDestroyed, ActionMarkReadOnly, false},
		{"destroy from failed", StatusFailed, Signal{Kind: KindDestroy}, NotifySkip, StatusDestroyed, ActionMarkReadOnly, false},
		{"destroy twice ignored", StatusDestroyed, Signal{Kind: KindDestroy}, NotifySkip, StatusDestroyed, ActionNone, true},

		{"provider changes on active", StatusActive, Signal{Kind: KindProviderChanges}, NotifySkip, StatusActive, ActionUpdateProvider, false},
		{"provider changes on pending ignored", StatusPending, Signal{Kind: KindProviderChanges}, NotifySkip, StatusPending, ActionNone, true},

		{"consent expired", StatusActive, Signal{Kind: KindConsentExpired}, NotifySkip, StatusInactive, ActionNone, false},
		{"consent expired on failed ignored", StatusFailed, Signal{Kind: KindConsentExpired}, NotifySkip, StatusFailed, ActionNone, true},

		{"unknown kind ignored", StatusActive, Signal{Kind: KindUnknown}, NotifyPull, StatusActive, ActionNone, true},
		{"out of range kind ignored", StatusActive, Signal{Kind: Kind(99)}, NotifyPull, StatusActive, ActionNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Transition(tt.from, tt.sig, tt.policy)

			if tt.wantIgnore {
				if !errors.Is(err, ErrTransitionIgnored) {
					t.Fatalf("Transition() error = %v, want ErrTransitionIgnored", err)
				}
			} else if err != nil {
				t.Fatalf("Transition() unexpected error: %v", err)
			}

			if d.From != tt.from {
				t.Errorf("From = %s, want %s", d.From, tt.from)
			}
			if d.Next != tt.wantNext {
				t.Errorf("Next = %s, want %s", d.Next, tt.wantNext)
			}
			if d.Action != tt.wantAction {
				t.Errorf("Action = %s, want %s", d.Action, tt.wantAction)
			}
		})
	}
}

func TestTransition_ReplayIsStable(t *testing.T) {
	// Applying the same failure twice leaves the connection failed with no second side effect.
	first, err := Transition(StatusActive, Signal{Kind: KindFailure}, NotifySkip)
	if err != nil {
		t.Fatalf("first Transition() error: %v", err)
	}
	second, err := Transition(first.Next, Signal{Kind: KindFailure}, NotifySkip)
	if !errors.Is(err, ErrTransitionIgnored) {
		t.Fatalf("second Transition() error = %v, want ErrTransitionIgnored", err)
	}
	if second.Next != StatusFailed || second.Changed() {
		t.Errorf("replay moved status: %+v", second)
	}
}

func TestRefresh(t *testing.T) {
	for _, from := range []Status{StatusActive, StatusInactive, StatusFailed} {
		d, err := Refresh(from)
		if err != nil {
			t.Errorf("Refresh(%s) error: %v", from, err)
		}
		if d.Next != StatusPending || d.Action != ActionRequestRefresh {
			t.Errorf("Refresh(%s) = %+v", from, d)
		}
	}
	for _, from := range []Status{StatusPending, StatusDestroyed} {
		d, err := Refresh(from)
		if !errors.Is(err, ErrTransitionIgnored) {
			t.Errorf("Refresh(%s) error = %v, want ErrTransitionIgnored", from, err)
		}
		if d.Changed() {
			t.Errorf("Refresh(%s) changed status to %s", from, d.Next)
		}
	}
}

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"success":          KindSuccess,
		"FAILURE":          KindFailure,
		"notify":           KindNotify,
		"destroy":          KindDestroy,
		"provider-changes": KindProviderChanges,
		"provider_changes": KindProviderChanges,
		"interactive":      KindUnknown,
		"":                 KindUnknown,
	}
	for in, want := range tests {
		if got := ParseKind(in); got != want {
			t.Errorf("ParseKind(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParseNotifyPolicy(t *testing.T) {
	if p, err := ParseNotifyPolicy("pull"); err != nil || p != NotifyPull {
		t.Errorf("ParseNotifyPolicy(pull) = %v, %v", p, err)
	}
	if p, err := ParseNotifyPolicy(""); err != nil || p != NotifySkip {
		t.Errorf("ParseNotifyPolicy(\"\") = %v, %v", p, err)
	}
	if _, err := ParseNotifyPolicy("maybe"); err == nil {
		t.Error("ParseNotifyPolicy(maybe) expected error")
	}
}
