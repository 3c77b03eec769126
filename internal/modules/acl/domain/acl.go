package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAuthorizationDenied  = errors.New("authorization denied")
	ErrAuthorizationTimeout = errors.New("authorization timed out")
	ErrRequestNotFound      = errors.New("authorization request not found")
	ErrInvalidPeerID        = errors.New("peer id is required")
	ErrInvalidChoice        = errors.New("invalid authorization choice")
	ErrInvalidPolicy        = errors.New("invalid default policy")
	ErrEntryNotFound        = errors.New("acl entry not found")
	ErrRequestCanceled      = errors.New("authorization request canceled")
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

func (d Decision) Validate() error {
	if d != DecisionAllow && d != DecisionDeny {
		return fmt.Errorf("decision must be allow or deny, got %q", d)
	}
	return nil
}

type Scope string

const (
	// ScopeSession entries live until the peer is lost or the process stops.
	ScopeSession    Scope = "session"
	ScopePersistent Scope = "persistent"
)

type Entry struct {
	PeerID    string    `json:"peer_id"`
	Decision  Decision  `json:"decision"`
	Scope     Scope     `json:"scope"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e Entry) Validate() error {
	if strings.TrimSpace(e.PeerID) == "" {
		return ErrInvalidPeerID
	}
	if err := e.Decision.Validate(); err != nil {
		return err
	}
	if e.Scope != ScopeSession && e.Scope != ScopePersistent {
		return fmt.Errorf("scope must be session or persistent, got %q", e.Scope)
	}
	return nil
}

type Policy string

const (
	PolicyAllowAll Policy = "allow_all"
	PolicyDenyAll  Policy = "deny_all"
	PolicyAsk      Policy = "ask"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.TrimSpace(raw)) {
	case PolicyAllowAll:
		return PolicyAllowAll, nil
	case PolicyDenyAll:
		return PolicyDenyAll, nil
	case PolicyAsk:
		return PolicyAsk, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, raw)
	}
}

type Verdict string

const (
	VerdictAllow      Verdict = "allow"
	VerdictDeny       Verdict = "deny"
	VerdictAskPending Verdict = "ask_pending"
)

// Source records which rule produced a verdict.
type Source string

const (
	SourcePersistent Source = "persistent"
	SourceSession    Source = "session"
	SourcePolicy     Source = "policy"
	SourceDuplicate  Source = "duplicate"
	SourceUser       Source = "user"
	SourceTimeout    Source = "timeout"
	SourceCanceled   Source = "canceled"
)

// Subject identifies the remote side of an inbound attempt.
type Subject struct {
	PeerID      string
	Name        string
	Fingerprint string
}

type Outcome struct {
	Verdict   Verdict
	RequestID string
	Source    Source
}

// Choice is what a user answers to an authorization prompt.
type Choice string

const (
	ChoiceAllow       Choice = "allow"
	ChoiceDeny        Choice = "deny"
	ChoiceAlwaysAllow Choice = "always_allow"
	ChoiceAlwaysDeny  Choice = "always_deny"
)

func ParseChoice(raw string) (Choice, error) {
	switch Choice(strings.ReplaceAll(strings.TrimSpace(strings.ToLower(raw)), "-", "_")) {
	case ChoiceAllow:
		return ChoiceAllow, nil
	case ChoiceDeny:
		return ChoiceDeny, nil
	case ChoiceAlwaysAllow:
		return ChoiceAlwaysAllow, nil
	case ChoiceAlwaysDeny:
		return ChoiceAlwaysDeny, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChoice, raw)
	}
}

// Entry converts a choice into the ACL entry it records.
func (c Choice) Entry(peerID string, now time.Time) Entry {
	entry := Entry{PeerID: peerID, UpdatedAt: now}
	switch c {
	case ChoiceAllow:
		entry.Decision, entry.Scope = DecisionAllow, ScopeSession
	case ChoiceDeny:
		entry.Decision, entry.Scope = DecisionDeny, ScopeSession
	case ChoiceAlwaysAllow:
		entry.Decision, entry.Scope = DecisionAllow, ScopePersistent
	case ChoiceAlwaysDeny:
		entry.Decision, entry.Scope = DecisionDeny, ScopePersistent
	}
	return entry
}

// Request is an authorization prompt waiting for a human decision.
type Request struct {
	ID          string    `json:"id"`
	PeerID      string    `json:"peer_id"`
	PeerName    string    `json:"peer_name"`
	Fingerprint string    `json:"fingerprint"`
	OpenedAt    time.Time `json:"opened_at"`
	Deadline    time.Time `json:"deadline,omitempty"`
}

type EventType string

const (
	EventRequestOpened   EventType = "request_opened"
	EventRequestResolved EventType = "request_resolved"
	EventRequestExpired  EventType = "request_expired"
	EventRequestCanceled EventType = "request_canceled"
)

type Event struct {
	Type    EventType `json:"type"`
	Request Request   `json:"request"`
	Verdict Verdict   `json:"verdict,omitempty"`
}
