package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	acldomain "chorus/internal/modules/acl/domain"
	colldomain "chorus/internal/modules/collection/domain"
	sessiondomain "chorus/internal/modules/session/domain"
)

var (
	ErrDaemonNotRunning     = errors.New("daemon is not running")
	ErrDaemonAlreadyRunning = errors.New("daemon is already running")
	ErrDaemonStartFailed    = errors.New("daemon failed to start")
	ErrUnknownMutation      = errors.New("unknown mutation")
)

type ActivityType string

const (
	ActivityDaemon     ActivityType = "daemon"
	ActivityPeer       ActivityType = "peer"
	ActivityAuth       ActivityType = "auth"
	ActivityCollection ActivityType = "collection"
)

type ActivityEvent struct {
	ID         string            `json:"id"`
	Type       ActivityType      `json:"type"`
	Message    string            `json:"message"`
	Fields     map[string]string `json:"fields,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type MutationOp string

const (
	OpTrackAdd       MutationOp = "track_add"
	OpTrackRemove    MutationOp = "track_remove"
	OpPlaylistCreate MutationOp = "playlist_create"
	OpPlaylistRename MutationOp = "playlist_rename"
	OpPlaylistDelete MutationOp = "playlist_delete"
	OpPlaylistAdd    MutationOp = "playlist_add"
	OpPlaylistRemove MutationOp = "playlist_remove"
	OpPlayLog        MutationOp = "play_log"
)

// Mutation is one edit of the local collection as requested over IPC. Only
// the fields its Op needs are read.
type Mutation struct {
	Op       MutationOp            `json:"op"`
	Track    colldomain.TrackAdded `json:"track"`
	ID       string                `json:"id,omitempty"`
	Playlist string                `json:"playlist,omitempty"`
	Entry    string                `json:"entry,omitempty"`
	After    string                `json:"after,omitempty"`
	Name     string                `json:"name,omitempty"`
	At       time.Time             `json:"at,omitempty"`
}

func (m Mutation) Validate() error {
	switch m.Op {
	case OpTrackAdd, OpPlaylistCreate:
	case OpTrackRemove, OpPlaylistDelete, OpPlayLog:
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("%s requires an id", m.Op)
		}
	case OpPlaylistRename:
		if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("%s requires an id and a name", m.Op)
		}
	case OpPlaylistAdd:
		if m.Playlist == "" || m.ID == "" {
			return fmt.Errorf("%s requires a playlist and a track id", m.Op)
		}
	case OpPlaylistRemove:
		if m.Playlist == "" || m.Entry == "" {
			return fmt.Errorf("%s requires a playlist and an entry", m.Op)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMutation, m.Op)
	}
	return nil
}

type MutationResult struct {
	Change colldomain.Change `json:"change"`
	// Created is the id minted for a new playlist or playlist entry.
	Created string `json:"created,omitempty"`
}

type WatchKind string

const (
	WatchAuth       WatchKind = "auth"
	WatchPeer       WatchKind = "peer"
	WatchCollection WatchKind = "collection"
)

// WatchEvent carries exactly one of Auth, Peer or Change, named by Kind.
type WatchEvent struct {
	Kind   WatchKind            `json:"kind"`
	Auth   *acldomain.Event     `json:"auth,omitempty"`
	Peer   *sessiondomain.Event `json:"peer,omitempty"`
	Change *colldomain.Change   `json:"change,omitempty"`
}
