package in

import (
	"context"
	"time"

	"chorus/internal/modules/collection/domain"
)

type OriginSummary struct {
	Origin    string `json:"origin"`
	Tracks    int    `json:"tracks"`
	Playlists int    `json:"playlists"`
	Partial   bool   `json:"partial"`
}

// Registry is the read side of the materialized view.
type Registry interface {
	Query(origin string) (domain.Collection, error)
	Origins() []OriginSummary
	Subscribe() (<-chan domain.Change, func())
	Resolve(ctx context.Context, q domain.TrackQuery) <-chan domain.ResolveResult
	Digest() (string, error)
}

// Curator edits the local collection.
type Curator interface {
	AddTrack(ctx context.Context, track domain.TrackAdded) (domain.Change, error)
	RemoveTrack(ctx context.Context, id string) (domain.Change, error)
	CreatePlaylist(ctx context.Context, name string) (domain.Change, string, error)
	RenamePlaylist(ctx context.Context, id, name string) (domain.Change, error)
	DeletePlaylist(ctx context.Context, id string) (domain.Change, error)
	AddToPlaylist(ctx context.Context, playlist, track, after string) (domain.Change, string, error)
	RemoveFromPlaylist(ctx context.Context, playlist, entry string) (domain.Change, error)
	LogPlayback(ctx context.Context, track string, at time.Time) (domain.Change, error)
}
