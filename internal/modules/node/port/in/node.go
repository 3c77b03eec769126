package in

import (
	"context"
	"time"

	"chorus/internal/modules/node/dto"
)

type Usecase interface {
	RunDaemon(ctx context.Context) error
	StartDaemon(ctx context.Context) error
	StopDaemon(ctx context.Context) error
	DaemonStatus(ctx context.Context) (dto.DaemonStatusOutput, error)
	DaemonLogs(ctx context.Context, tail int) (string, error)
	ActivityTail(ctx context.Context, since time.Time, limit int) ([]dto.ActivityOutput, error)

	Status(ctx context.Context) (dto.StatusOutput, error)
	PeerList(ctx context.Context) ([]dto.PeerOutput, error)
	PeerConnect(ctx context.Context, peerID string) error
	PeerDisconnect(ctx context.Context, peerID string) error

	AuthPending(ctx context.Context) ([]dto.AuthRequestOutput, error)
	AuthDecide(ctx context.Context, requestID, choice string) (dto.ACLEntryOutput, error)
	ACLList(ctx context.Context) ([]dto.ACLEntryOutput, error)
	ACLSet(ctx context.Context, input dto.ACLSetInput) (dto.ACLEntryOutput, error)
	ACLRemove(ctx context.Context, peerID string) error

	TrackAdd(ctx context.Context, input dto.TrackInput) (dto.ChangeOutput, error)
	TrackRemove(ctx context.Context, trackID string) (dto.ChangeOutput, error)
	PlaylistCreate(ctx context.Context, name string) (dto.ChangeOutput, error)
	PlaylistRename(ctx context.Context, playlistID, name string) (dto.ChangeOutput, error)
	PlaylistDelete(ctx context.Context, playlistID string) (dto.ChangeOutput, error)
	PlaylistAdd(ctx context.Context, playlistID, trackID, after string) (dto.ChangeOutput, error)
	PlaylistRemove(ctx context.Context, playlistID, entryID string) (dto.ChangeOutput, error)
	PlayLog(ctx context.Context, trackID string, at time.Time) (dto.ChangeOutput, error)

	Collection(ctx context.Context, origin string) (dto.CollectionOutput, error)
	Resolve(ctx context.Context, input dto.ResolveInput) (<-chan dto.ResolveOutput, error)
	Watch(ctx context.Context) (<-chan dto.WatchOutput, error)
	Compact(ctx context.Context) (int, error)
}
