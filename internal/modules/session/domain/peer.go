package domain

import (
	"strings"
	"time"
)

// Peer is a remote installation as seen through one transport. Peers seen
// over different transports are different peers.
type Peer struct {
	ID           string    `json:"id"`
	Transport    string    `json:"transport"`
	Name         string    `json:"name"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	State        State     `json:"state"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen"`
	Incompatible bool      `json:"incompatible"`
}

type PeerEventType string

const (
	PeerFound PeerEventType = "found"
	PeerLost  PeerEventType = "lost"
)

// PeerEvent is what a transport reports about presence.
type PeerEvent struct {
	Type      PeerEventType
	PeerID    string
	Transport string
	Name      string
}

// Frame is one inbound payload from a transport.
type Frame struct {
	PeerID    string
	Transport string
	Payload   []byte
}

// QualifiedID prefixes a transport-local address with the transport name.
func QualifiedID(transport, local string) string {
	return transport + ":" + local
}

// SplitID returns the transport and transport-local parts of a peer id.
func SplitID(peerID string) (transport, local string, ok bool) {
	transport, local, ok = strings.Cut(peerID, ":")
	if !ok || transport == "" || local == "" {
		return "", "", false
	}
	return transport, local, true
}

type EventType string

const (
	EventPeer       EventType = "peer"
	EventConnection EventType = "connection"
)

// Event is published to subscribers whenever a peer or one of its
// connections changes.
type Event struct {
	Type       EventType  `json:"type"`
	Peer       Peer       `json:"peer"`
	Connection Connection `json:"connection,omitempty"`
}
