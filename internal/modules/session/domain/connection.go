package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransport         = errors.New("transport error")
	ErrInvalidTransition = errors.New("invalid connection transition")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrPeerOffline       = errors.New("peer offline")
	ErrPeerIncompatible  = errors.New("peer incompatible")
	ErrOutboundDenied    = errors.New("outbound connection denied")
	ErrAuthentication    = errors.New("peer authentication failed")
	ErrProtocol          = errors.New("session protocol violation")
)

type State string

const (
	StateDiscovered            State = "discovered"
	StateConnecting            State = "connecting"
	StateAwaitingAuthorization State = "awaiting_authorization"
	StateAuthorized            State = "authorized"
	StateActive                State = "active"
	StateClosed                State = "closed"
	StateFailed                State = "failed"
)

var transitions = map[State][]State{
	StateDiscovered:            {StateConnecting},
	StateConnecting:            {StateAwaitingAuthorization, StateClosed, StateFailed},
	StateAwaitingAuthorization: {StateAuthorized, StateClosed, StateFailed},
	StateAuthorized:            {StateActive, StateClosed, StateFailed},
	StateActive:                {StateClosed, StateFailed},
}

// CanTransition reports whether from -> to appears in the transition table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Live reports whether a connection in this state occupies the peer's single
// connection slot.
func (s State) Live() bool {
	return s != StateDiscovered && !s.Terminal()
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

type Connection struct {
	ID        string    `json:"id"`
	PeerID    string    `json:"peer_id"`
	Transport string    `json:"transport"`
	Direction Direction `json:"direction"`
	State     State     `json:"state"`
	OpenedAt  time.Time `json:"opened_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastError string    `json:"last_error,omitempty"`
	History   []State   `json:"history"`
}

func NewConnection(id, peerID, transport string, dir Direction, now time.Time) Connection {
	return Connection{
		ID:        id,
		PeerID:    peerID,
		Transport: transport,
		Direction: dir,
		State:     StateDiscovered,
		OpenedAt:  now,
		UpdatedAt: now,
		History:   []State{StateDiscovered},
	}
}

// Transition moves the connection along the table. Anything else is
// rejected and leaves the connection unchanged.
func (c *Connection) Transition(to State, now time.Time, cause error) error {
	if !CanTransition(c.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}
	c.State = to
	c.UpdatedAt = now
	c.History = append(c.History, to)
	if cause != nil {
		c.LastError = cause.Error()
	}
	return nil
}

// Visited reports whether the connection has been in s.
func (c Connection) Visited(s State) bool {
	for _, seen := range c.History {
		if seen == s {
			return true
		}
	}
	return false
}

func (c Connection) Clone() Connection {
	c.History = append([]State(nil), c.History...)
	return c
}

// ResolveDuplicate settles two simultaneous attempts between the same pair
// of peers: the connection initiated by the higher identifier wins. It
// reports whether the locally initiated connection survives.
func ResolveDuplicate(localID, remoteID string) bool {
	return localID > remoteID
}
