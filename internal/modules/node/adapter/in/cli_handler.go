package in

import (
	"context"
	"time"

	"chorus/internal/modules/node/dto"
	nodein "chorus/internal/modules/node/port/in"
)

type CLIHandler struct {
	usecase nodein.Usecase
}

func NewCLIHandler(usecase nodein.Usecase) CLIHandler {
	return CLIHandler{usecase: usecase}
}

func (h CLIHandler) RunDaemon(ctx context.Context) error {
	return h.usecase.RunDaemon(ctx)
}

func (h CLIHandler) StartDaemon(ctx context.Context) error {
	return h.usecase.StartDaemon(ctx)
}

func (h CLIHandler) StopDaemon(ctx context.Context) error {
	return h.usecase.StopDaemon(ctx)
}

func (h CLIHandler) DaemonStatus(ctx context.Context) (dto.DaemonStatusOutput, error) {
	return h.usecase.DaemonStatus(ctx)
}

func (h CLIHandler) DaemonLogs(ctx context.Context, tail int) (string, error) {
	return h.usecase.DaemonLogs(ctx, tail)
}

func (h CLIHandler) ActivityTail(ctx context.Context, since time.Time, limit int) ([]dto.ActivityOutput, error) {
	return h.usecase.ActivityTail(ctx, since, limit)
}

func (h CLIHandler) Status(ctx context.Context) (dto.StatusOutput, error) {
	return h.usecase.Status(ctx)
}

func (h CLIHandler) PeerList(ctx context.Context) ([]dto.PeerOutput, error) {
	return h.usecase.PeerList(ctx)
}

func (h CLIHandler) PeerConnect(ctx context.Context, peerID string) error {
	return h.usecase.PeerConnect(ctx, peerID)
}

func (h CLIHandler) PeerDisconnect(ctx context.Context, peerID string) error {
	return h.usecase.PeerDisconnect(ctx, peerID)
}

func (h CLIHandler) AuthPending(ctx context.Context) ([]dto.AuthRequestOutput, error) {
	return h.usecase.AuthPending(ctx)
}

func (h CLIHandler) AuthDecide(ctx context.Context, requestID, choice string) (dto.ACLEntryOutput, error) {
	return h.usecase.AuthDecide(ctx, requestID, choice)
}

func (h CLIHandler) ACLList(ctx context.Context) ([]dto.ACLEntryOutput, error) {
	return h.usecase.ACLList(ctx)
}

func (h CLIHandler) ACLSet(ctx context.Context, input dto.ACLSetInput) (dto.ACLEntryOutput, error) {
	return h.usecase.ACLSet(ctx, input)
}

func (h CLIHandler) ACLRemove(ctx context.Context, peerID string) error {
	return h.usecase.ACLRemove(ctx, peerID)
}

func (h CLIHandler) TrackAdd(ctx context.Context, input dto.TrackInput) (dto.ChangeOutput, error) {
	return h.usecase.TrackAdd(ctx, input)
}

func (h CLIHandler) TrackRemove(ctx context.Context, trackID string) (dto.ChangeOutput, error) {
	return h.usecase.TrackRemove(ctx, trackID)
}

func (h CLIHandler) PlaylistCreate(ctx context.Context, name string) (dto.ChangeOutput, error) {
	return h.usecase.PlaylistCreate(ctx, name)
}

func (h CLIHandler) PlaylistRename(ctx context.Context, playlistID, name string) (dto.ChangeOutput, error) {
	return h.usecase.PlaylistRename(ctx, playlistID, name)
}

func (h CLIHandler) PlaylistDelete(ctx context.Context, playlistID string) (dto.ChangeOutput, error) {
	return h.usecase.PlaylistDelete(ctx, playlistID)
}

func (h CLIHandler) PlaylistAdd(ctx context.Context, playlistID, trackID, after string) (dto.ChangeOutput, error) {
	return h.usecase.PlaylistAdd(ctx, playlistID, trackID, after)
}

func (h CLIHandler) PlaylistRemove(ctx context.Context, playlistID, entryID string) (dto.ChangeOutput, error) {
	return h.usecase.PlaylistRemove(ctx, playlistID, entryID)
}

func (h CLIHandler) PlayLog(ctx context.Context, trackID string, at time.Time) (dto.ChangeOutput, error) {
	return h.usecase.PlayLog(ctx, trackID, at)
}

func (h CLIHandler) Collection(ctx context.Context, origin string) (dto.CollectionOutput, error) {
	return h.usecase.Collection(ctx, origin)
}

func (h CLIHandler) Resolve(ctx context.Context, input dto.ResolveInput) (<-chan dto.ResolveOutput, error) {
	return h.usecase.Resolve(ctx, input)
}

func (h CLIHandler) Watch(ctx context.Context) (<-chan dto.WatchOutput, error) {
	return h.usecase.Watch(ctx)
}

func (h CLIHandler) Compact(ctx context.Context) (int, error) {
	return h.usecase.Compact(ctx)
}
