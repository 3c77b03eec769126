package domain

import (
	"fmt"
	"strings"
	"time"

	repldomain "chorus/internal/modules/replication/domain"
)

func AddTrack(p TrackAdded) (repldomain.Mutation, error) {
	if !validID(p.ID) {
		return repldomain.Mutation{}, fmt.Errorf("%w: id %q", ErrInvalidTrack, p.ID)
	}
	if strings.TrimSpace(p.Title) == "" {
		return repldomain.Mutation{}, fmt.Errorf("%w: title is required", ErrInvalidTrack)
	}
	if p.Duration < 0 {
		return repldomain.Mutation{}, fmt.Errorf("%w: negative duration", ErrInvalidTrack)
	}
	return repldomain.Mutation{Kind: KindTrackAdded, Entity: TrackEntity(p.ID), Payload: p}, nil
}

func RemoveTrack(id string) (repldomain.Mutation, error) {
	if !validID(id) {
		return repldomain.Mutation{}, fmt.Errorf("%w: id %q", ErrInvalidTrack, id)
	}
	return repldomain.Mutation{Kind: KindTrackRemoved, Entity: TrackEntity(id), Tombstone: true, Payload: TrackRemoved{ID: id}}, nil
}

func CreatePlaylist(id, name string) (repldomain.Mutation, error) {
	if !validID(id) || strings.TrimSpace(name) == "" {
		return repldomain.Mutation{}, fmt.Errorf("%w: id and name are required", ErrInvalidPlaylist)
	}
	return repldomain.Mutation{Kind: KindPlaylistCreated, Entity: PlaylistEntity(id), Payload: PlaylistCreated{ID: id, Name: strings.TrimSpace(name)}}, nil
}

func RenamePlaylist(id, name string) (repldomain.Mutation, error) {
	if !validID(id) || strings.TrimSpace(name) == "" {
		return repldomain.Mutation{}, fmt.Errorf("%w: id and name are required", ErrInvalidPlaylist)
	}
	return repldomain.Mutation{Kind: KindPlaylistRenamed, Entity: PlaylistEntity(id), Payload: PlaylistRenamed{ID: id, Name: strings.TrimSpace(name)}}, nil
}

func DeletePlaylist(id string) (repldomain.Mutation, error) {
	if !validID(id) {
		return repldomain.Mutation{}, fmt.Errorf("%w: id %q", ErrInvalidPlaylist, id)
	}
	return repldomain.Mutation{Kind: KindPlaylistDeleted, Entity: PlaylistEntity(id), Tombstone: true, Payload: PlaylistDeleted{ID: id}}, nil
}

func AddPlaylistEntry(p PlaylistEntryAdded) (repldomain.Mutation, error) {
	if !validID(p.Playlist) || !validID(p.Entry) || !validID(p.Track) {
		return repldomain.Mutation{}, fmt.Errorf("%w: playlist, entry and track are required", ErrInvalidPlaylist)
	}
	return repldomain.Mutation{Kind: KindPlaylistEntryAdded, Entity: PlaylistEntity(p.Playlist), Payload: p}, nil
}

func RemovePlaylistEntry(playlist, entry string) (repldomain.Mutation, error) {
	if !validID(playlist) || !validID(entry) {
		return repldomain.Mutation{}, fmt.Errorf("%w: playlist and entry are required", ErrInvalidPlaylist)
	}
	return repldomain.Mutation{Kind: KindPlaylistEntryRemoved, Entity: PlaylistEntity(playlist), Payload: PlaylistEntryRemoved{Playlist: playlist, Entry: entry}}, nil
}

func LogPlayback(track string, at time.Time) (repldomain.Mutation, error) {
	if !validID(track) {
		return repldomain.Mutation{}, fmt.Errorf("%w: id %q", ErrInvalidTrack, track)
	}
	return repldomain.Mutation{Kind: KindPlaybackLogged, Entity: TrackEntity(track), Payload: PlaybackLogged{Track: track, PlayedAt: at.UTC()}}, nil
}
