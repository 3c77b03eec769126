package dto

import "time"

type TrackInput struct {
	ID         string
	Title      string
	Artist     string
	Album      string
	DurationMS int64
	Location   string
}

type ResolveInput struct {
	Artist string
	Title  string
	Album  string
	Origin string
	Limit  int
}

type ACLSetInput struct {
	PeerID   string
	Decision string
	Scope    string
}

type TransportOutput struct {
	Name        string
	LocalID     string
	ListenAddrs []string
}

type OriginOutput struct {
	Origin    string
	Tracks    int
	Playlists int
	Partial   bool
}

type StatusOutput struct {
	Node           string
	Origin         string
	Fingerprint    string
	StartedAt      time.Time
	Transports     []TransportOutput
	Peers          int
	OnlinePeers    int
	ActivePeers    int
	PendingAuth    int
	Tips           map[string]uint64
	Origins        []OriginOutput
	MetricsAddress string
}

type DaemonStatusOutput struct {
	Running    bool
	PID        int
	SocketPath string
	Status     StatusOutput
}

type PeerOutput struct {
	ID           string
	Transport    string
	Name         string
	Fingerprint  string
	State        string
	Online       bool
	LastSeen     time.Time
	Incompatible bool
}

type AuthRequestOutput struct {
	ID          string
	PeerID      string
	PeerName    string
	Fingerprint string
	OpenedAt    time.Time
	Deadline    time.Time
}

type ACLEntryOutput struct {
	PeerID    string
	Decision  string
	Scope     string
	UpdatedAt time.Time
}

type ActivityOutput struct {
	ID         string
	OccurredAt time.Time
	Type       string
	Message    string
	Fields     map[string]string
}

type ChangeOutput struct {
	Origin  string
	Seq     uint64
	Kind    string
	Entity  string
	Created string
}

type TrackOutput struct {
	ID         string
	Title      string
	Artist     string
	Album      string
	DurationMS int64
	Location   string
	Plays      int
	LastPlayed time.Time
}

type PlaylistEntryOutput struct {
	ID    string
	Track string
}

type PlaylistOutput struct {
	ID      string
	Name    string
	Entries []PlaylistEntryOutput
}

type CollectionOutput struct {
	Origins   []OriginOutput
	Origin    string
	Partial   bool
	Digest    string
	Tracks    []TrackOutput
	Playlists []PlaylistOutput
}

type ResolveOutput struct {
	Origin string
	Score  float64
	Track  TrackOutput
}

type WatchOutput struct {
	Kind    string
	Summary string
	Auth    *AuthRequestOutput
	Peer    *PeerOutput
	Change  *ChangeOutput
}
