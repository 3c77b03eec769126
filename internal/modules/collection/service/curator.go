package service

import (
	"context"
	"fmt"
	"time"

	"chorus/internal/modules/collection/domain"
	collin "chorus/internal/modules/collection/port/in"
	collout "chorus/internal/modules/collection/port/out"
	repldomain "chorus/internal/modules/replication/domain"
	"chorus/internal/platform/id"
)

// Curator validates edits against the local collection and submits them to
// the command log. The registry sees them when the log applies them.
type Curator struct {
	log      collout.CommandLog
	registry *Registry
	ids      id.Generator
}

var _ collin.Curator = (*Curator)(nil)

func NewCurator(log collout.CommandLog, registry *Registry, ids id.Generator) *Curator {
	if ids == nil {
		ids = id.RandomHex{}
	}
	return &Curator{log: log, registry: registry, ids: ids}
}

func (c *Curator) AddTrack(ctx context.Context, track domain.TrackAdded) (domain.Change, error) {
	if track.ID == "" {
		track.ID = c.ids.New()
	}
	return c.submit(ctx)(domain.AddTrack(track))
}

func (c *Curator) RemoveTrack(ctx context.Context, trackID string) (domain.Change, error) {
	local, _ := c.local()
	if _, ok := local.Tracks[trackID]; !ok {
		return domain.Change{}, fmt.Errorf("%w: %s", domain.ErrTrackNotFound, trackID)
	}
	return c.submit(ctx)(domain.RemoveTrack(trackID))
}

func (c *Curator) CreatePlaylist(ctx context.Context, name string) (domain.Change, string, error) {
	playlistID := c.ids.New()
	change, err := c.submit(ctx)(domain.CreatePlaylist(playlistID, name))
	return change, playlistID, err
}

func (c *Curator) RenamePlaylist(ctx context.Context, playlistID, name string) (domain.Change, error) {
	if err := c.requirePlaylist(playlistID); err != nil {
		return domain.Change{}, err
	}
	return c.submit(ctx)(domain.RenamePlaylist(playlistID, name))
}

func (c *Curator) DeletePlaylist(ctx context.Context, playlistID string) (domain.Change, error) {
	if err := c.requirePlaylist(playlistID); err != nil {
		return domain.Change{}, err
	}
	return c.submit(ctx)(domain.DeletePlaylist(playlistID))
}

// AddToPlaylist appends the track unless after names an existing entry.
func (c *Curator) AddToPlaylist(ctx context.Context, playlistID, trackID, after string) (domain.Change, string, error) {
	local, _ := c.local()
	playlist, ok := local.Playlists[playlistID]
	if !ok {
		return domain.Change{}, "", fmt.Errorf("%w: %s", domain.ErrPlaylistNotFound, playlistID)
	}
	if _, ok := local.Tracks[trackID]; !ok {
		return domain.Change{}, "", fmt.Errorf("%w: %s", domain.ErrTrackNotFound, trackID)
	}
	if after == "" {
		if entries := playlist.Entries(); len(entries) > 0 {
			after = entries[len(entries)-1].ID
		}
	} else if node, ok := playlist.Nodes[after]; !ok || node.Deleted {
		return domain.Change{}, "", fmt.Errorf("%w: %s", domain.ErrEntryNotFound, after)
	}
	entryID := c.ids.New()
	change, err := c.submit(ctx)(domain.AddPlaylistEntry(domain.PlaylistEntryAdded{Playlist: playlistID, Entry: entryID, Track: trackID, After: after}))
	return change, entryID, err
}

func (c *Curator) RemoveFromPlaylist(ctx context.Context, playlistID, entryID string) (domain.Change, error) {
	local, _ := c.local()
	playlist, ok := local.Playlists[playlistID]
	if !ok {
		return domain.Change{}, fmt.Errorf("%w: %s", domain.ErrPlaylistNotFound, playlistID)
	}
	if node, ok := playlist.Nodes[entryID]; !ok || node.Deleted {
		return domain.Change{}, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, entryID)
	}
	return c.submit(ctx)(domain.RemovePlaylistEntry(playlistID, entryID))
}

func (c *Curator) LogPlayback(ctx context.Context, trackID string, at time.Time) (domain.Change, error) {
	local, _ := c.local()
	if _, ok := local.Tracks[trackID]; !ok {
		return domain.Change{}, fmt.Errorf("%w: %s", domain.ErrTrackNotFound, trackID)
	}
	return c.submit(ctx)(domain.LogPlayback(trackID, at))
}

func (c *Curator) local() (domain.Collection, error) {
	return c.registry.Query(c.log.Origin())
}

func (c *Curator) requirePlaylist(playlistID string) error {
	local, _ := c.local()
	if _, ok := local.Playlists[playlistID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrPlaylistNotFound, playlistID)
	}
	return nil
}

func (c *Curator) submit(ctx context.Context) func(repldomain.Mutation, error) (domain.Change, error) {
	return func(m repldomain.Mutation, err error) (domain.Change, error) {
		if err != nil {
			return domain.Change{}, err
		}
		cmd, err := c.log.Submit(ctx, m)
		if err != nil {
			return domain.Change{}, fmt.Errorf("submit %s: %w", m.Kind, err)
		}
		return domain.Change{Origin: cmd.Origin, Seq: cmd.Seq, Kind: cmd.Kind, Entity: cmd.Entity}, nil
	}
}
