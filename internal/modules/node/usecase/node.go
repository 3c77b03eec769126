package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	acldomain "chorus/internal/modules/acl/domain"
	colldomain "chorus/internal/modules/collection/domain"
	collin "chorus/internal/modules/collection/port/in"
	"chorus/internal/modules/node/domain"
	"chorus/internal/modules/node/dto"
	nodein "chorus/internal/modules/node/port/in"
	nodeout "chorus/internal/modules/node/port/out"
	sessiondomain "chorus/internal/modules/session/domain"
)

type servicePort interface {
	RunDaemon(ctx context.Context) error
	StartDaemon(ctx context.Context) error
	StopDaemon(ctx context.Context) error
	DaemonStatus(ctx context.Context) (nodeout.DaemonRuntimeStatus, error)
	DaemonLogs(ctx context.Context, tail int) (string, error)
	ActivityTail(ctx context.Context, query nodeout.ActivityQuery) ([]domain.ActivityEvent, error)
	Status(ctx context.Context) (nodeout.DaemonStatus, error)
	PeerList(ctx context.Context) ([]sessiondomain.Peer, error)
	PeerConnect(ctx context.Context, peerID string) error
	PeerDisconnect(ctx context.Context, peerID string) error
	AuthPending(ctx context.Context) ([]acldomain.Request, error)
	AuthDecide(ctx context.Context, requestID string, choice acldomain.Choice) (acldomain.Entry, error)
	ACLList(ctx context.Context) ([]acldomain.Entry, error)
	ACLSet(ctx context.Context, entry acldomain.Entry) (acldomain.Entry, error)
	ACLRemove(ctx context.Context, peerID string) error
	Mutate(ctx context.Context, m domain.Mutation) (domain.MutationResult, error)
	Collection(ctx context.Context, origin string) (nodeout.CollectionView, error)
	Compact(ctx context.Context) (int, error)
	Resolve(ctx context.Context, q colldomain.TrackQuery) (<-chan colldomain.ResolveResult, error)
	Watch(ctx context.Context) (<-chan domain.WatchEvent, error)
}

type Interactor struct {
	svc servicePort
}

func NewInteractor(svc servicePort) nodein.Usecase {
	return &Interactor{svc: svc}
}

func (i *Interactor) RunDaemon(ctx context.Context) error {
	return i.svc.RunDaemon(ctx)
}

func (i *Interactor) StartDaemon(ctx context.Context) error {
	return i.svc.StartDaemon(ctx)
}

func (i *Interactor) StopDaemon(ctx context.Context) error {
	return i.svc.StopDaemon(ctx)
}

func (i *Interactor) DaemonStatus(ctx context.Context) (dto.DaemonStatusOutput, error) {
	status, err := i.svc.DaemonStatus(ctx)
	if err != nil {
		return dto.DaemonStatusOutput{}, err
	}
	return dto.DaemonStatusOutput{
		Running:    status.Running,
		PID:        status.PID,
		SocketPath: status.SocketPath,
		Status:     mapStatus(status.Status),
	}, nil
}

func (i *Interactor) DaemonLogs(ctx context.Context, tail int) (string, error) {
	return i.svc.DaemonLogs(ctx, tail)
}

func (i *Interactor) ActivityTail(ctx context.Context, since time.Time, limit int) ([]dto.ActivityOutput, error) {
	events, err := i.svc.ActivityTail(ctx, nodeout.ActivityQuery{Since: since, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]dto.ActivityOutput, 0, len(events))
	for _, event := range events {
		out = append(out, dto.ActivityOutput{
			ID:         event.ID,
			OccurredAt: event.OccurredAt,
			Type:       string(event.Type),
			Message:    event.Message,
			Fields:     event.Fields,
		})
	}
	return out, nil
}

func (i *Interactor) Status(ctx context.Context) (dto.StatusOutput, error) {
	status, err := i.svc.Status(ctx)
	if err != nil {
		return dto.StatusOutput{}, err
	}
	return mapStatus(status), nil
}

func (i *Interactor) PeerList(ctx context.Context) ([]dto.PeerOutput, error) {
	peers, err := i.svc.PeerList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]dto.PeerOutput, 0, len(peers))
	for _, item := range peers {
		out = append(out, mapPeer(item))
	}
	return out, nil
}

func (i *Interactor) PeerConnect(ctx context.Context, peerID string) error {
	return i.svc.PeerConnect(ctx, strings.TrimSpace(peerID))
}

func (i *Interactor) PeerDisconnect(ctx context.Context, peerID string) error {
	return i.svc.PeerDisconnect(ctx, strings.TrimSpace(peerID))
}

func (i *Interactor) AuthPending(ctx context.Context) ([]dto.AuthRequestOutput, error) {
	requests, err := i.svc.AuthPending(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]dto.AuthRequestOutput, 0, len(requests))
	for _, request := range requests {
		out = append(out, mapRequest(request))
	}
	return out, nil
}

func (i *Interactor) AuthDecide(ctx context.Context, requestID, choice string) (dto.ACLEntryOutput, error) {
	parsed, err := acldomain.ParseChoice(choice)
	if err != nil {
		return dto.ACLEntryOutput{}, err
	}
	entry, err := i.svc.AuthDecide(ctx, strings.TrimSpace(requestID), parsed)
	if err != nil {
		return dto.ACLEntryOutput{}, err
	}
	return mapEntry(entry), nil
}

func (i *Interactor) ACLList(ctx context.Context) ([]dto.ACLEntryOutput, error) {
	entries, err := i.svc.ACLList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]dto.ACLEntryOutput, 0, len(entries))
	for _, entry := range entries {
		out = append(out, mapEntry(entry))
	}
	return out, nil
}

func (i *Interactor) ACLSet(ctx context.Context, input dto.ACLSetInput) (dto.ACLEntryOutput, error) {
	scope := acldomain.Scope(strings.ToLower(strings.TrimSpace(input.Scope)))
	if scope == "" {
		scope = acldomain.ScopePersistent
	}
	entry := acldomain.Entry{
		PeerID:   strings.TrimSpace(input.PeerID),
		Decision: acldomain.Decision(strings.ToLower(strings.TrimSpace(input.Decision))),
		Scope:    scope,
	}
	if err := entry.Validate(); err != nil {
		return dto.ACLEntryOutput{}, err
	}
	stored, err := i.svc.ACLSet(ctx, entry)
	if err != nil {
		return dto.ACLEntryOutput{}, err
	}
	return mapEntry(stored), nil
}

func (i *Interactor) ACLRemove(ctx context.Context, peerID string) error {
	return i.svc.ACLRemove(ctx, strings.TrimSpace(peerID))
}

func (i *Interactor) TrackAdd(ctx context.Context, input dto.TrackInput) (dto.ChangeOutput, error) {
	return i.mutate(ctx, domain.Mutation{
		Op: domain.OpTrackAdd,
		Track: colldomain.TrackAdded{
			ID:       strings.TrimSpace(input.ID),
			Title:    strings.TrimSpace(input.Title),
			Artist:   strings.TrimSpace(input.Artist),
			Album:    strings.TrimSpace(input.Album),
			Duration: input.DurationMS,
			Location: input.Location,
		},
	})
}

func (i *Interactor) TrackRemove(ctx context.Context, trackID string) (dto.ChangeOutput, error) {
	return i.mutate(ctx, domain.Mutation{Op: domain.OpTrackRemove, ID: trackID})
}

func (i *Interactor) PlaylistCreate(ctx context.Context, name string) (dto.ChangeOutput, error) {
	return i.mutate(ctx, domain.Mutation{Op: domain.OpPlaylistCreate, Name: strings.TrimSpace(name)})
}

func (i *Interactor) PlaylistRename(ctx context.Context, playlistID, name string) (dto.ChangeOutput, error) {
	return i.mutate(ctx, domain.Mutation{Op: domain.OpPlaylistRename, ID: playlistID, Name: strings.TrimSpace(name)})
}

func (i *Interactor) PlaylistDelete(ctx context.Context, playlistID string) (dto.ChangeOutput, error) {
	return i.mutate(ctx, domain.Mutation{Op: domain.OpPlaylistDelete, ID: playlistID})
}

func (i *Interactor) PlaylistAdd(ctx context.Context, playlistID, trackID, after string) (dto.ChangeOutput, error) {
	return i.mutate(ctx, domain.Mutation{Op: domain.OpPlaylistAdd, Playlist: playlistID, ID: trackID, After: after})
}

func (i *Interactor) PlaylistRemove(ctx context.Context, playlistID, entryID string) (dto.ChangeOutput, error) {
	return i.mutate(ctx, domain.Mutation{Op: domain.OpPlaylistRemove, Playlist: playlistID, Entry: entryID})
}

func (i *Interactor) PlayLog(ctx context.Context, trackID string, at time.Time) (dto.ChangeOutput, error) {
	return i.mutate(ctx, domain.Mutation{Op: domain.OpPlayLog, ID: trackID, At: at})
}

func (i *Interactor) mutate(ctx context.Context, m domain.Mutation) (dto.ChangeOutput, error) {
	result, err := i.svc.Mutate(ctx, m)
	if err != nil {
		return dto.ChangeOutput{}, err
	}
	out := mapChange(result.Change)
	out.Created = result.Created
	return out, nil
}

func (i *Interactor) Collection(ctx context.Context, origin string) (dto.CollectionOutput, error) {
	view, err := i.svc.Collection(ctx, strings.TrimSpace(origin))
	if err != nil {
		return dto.CollectionOutput{}, err
	}
	out := dto.CollectionOutput{
		Origins: mapOrigins(view.Origins),
		Digest:  view.Digest,
	}
	if view.Collection == nil {
		return out, nil
	}
	c := view.Collection
	out.Origin = c.Origin
	out.Partial = c.Partial
	for _, track := range c.SortedTracks() {
		out.Tracks = append(out.Tracks, mapTrack(track))
	}
	for _, playlist := range c.SortedPlaylists() {
		item := dto.PlaylistOutput{ID: playlist.ID, Name: playlist.Name}
		for _, entry := range playlist.Entries() {
			item.Entries = append(item.Entries, dto.PlaylistEntryOutput{ID: entry.ID, Track: entry.Track})
		}
		out.Playlists = append(out.Playlists, item)
	}
	return out, nil
}

func (i *Interactor) Resolve(ctx context.Context, input dto.ResolveInput) (<-chan dto.ResolveOutput, error) {
	q := colldomain.TrackQuery{
		Artist: strings.TrimSpace(input.Artist),
		Title:  strings.TrimSpace(input.Title),
		Album:  strings.TrimSpace(input.Album),
		Origin: strings.TrimSpace(input.Origin),
		Limit:  input.Limit,
	}
	if q.Empty() {
		return nil, fmt.Errorf("resolve needs at least one of artist, title or album")
	}
	results, err := i.svc.Resolve(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make(chan dto.ResolveOutput)
	go func() {
		defer close(out)
		for r := range results {
			select {
			case out <- dto.ResolveOutput{Origin: r.Origin, Score: r.Score, Track: mapTrack(r.Track)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (i *Interactor) Watch(ctx context.Context) (<-chan dto.WatchOutput, error) {
	events, err := i.svc.Watch(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan dto.WatchOutput)
	go func() {
		defer close(out)
		for ev := range events {
			select {
			case out <- mapWatch(ev):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (i *Interactor) Compact(ctx context.Context) (int, error) {
	return i.svc.Compact(ctx)
}

func mapStatus(status nodeout.DaemonStatus) dto.StatusOutput {
	out := dto.StatusOutput{
		Node:           status.Node,
		Origin:         status.Origin,
		Fingerprint:    status.Fingerprint,
		StartedAt:      status.StartedAt,
		Peers:          status.Peers,
		OnlinePeers:    status.OnlinePeers,
		ActivePeers:    status.ActivePeers,
		PendingAuth:    status.PendingAuth,
		Tips:           status.Tips,
		Origins:        mapOrigins(status.Origins),
		MetricsAddress: status.MetricsAddress,
	}
	for _, transport := range status.Transports {
		out.Transports = append(out.Transports, dto.TransportOutput{
			Name:        transport.Name,
			LocalID:     transport.LocalID,
			ListenAddrs: append([]string(nil), transport.ListenAddrs...),
		})
	}
	return out
}

func mapOrigins(origins []collin.OriginSummary) []dto.OriginOutput {
	out := make([]dto.OriginOutput, 0, len(origins))
	for _, origin := range origins {
		out = append(out, dto.OriginOutput{
			Origin:    origin.Origin,
			Tracks:    origin.Tracks,
			Playlists: origin.Playlists,
			Partial:   origin.Partial,
		})
	}
	return out
}

func mapPeer(peer sessiondomain.Peer) dto.PeerOutput {
	return dto.PeerOutput{
		ID:           peer.ID,
		Transport:    peer.Transport,
		Name:         peer.Name,
		Fingerprint:  peer.Fingerprint,
		State:        string(peer.State),
		Online:       peer.Online,
		LastSeen:     peer.LastSeen,
		Incompatible: peer.Incompatible,
	}
}

func mapRequest(request acldomain.Request) dto.AuthRequestOutput {
	return dto.AuthRequestOutput{
		ID:          request.ID,
		PeerID:      request.PeerID,
		PeerName:    request.PeerName,
		Fingerprint: request.Fingerprint,
		OpenedAt:    request.OpenedAt,
		Deadline:    request.Deadline,
	}
}

func mapEntry(entry acldomain.Entry) dto.ACLEntryOutput {
	return dto.ACLEntryOutput{
		PeerID:    entry.PeerID,
		Decision:  string(entry.Decision),
		Scope:     string(entry.Scope),
		UpdatedAt: entry.UpdatedAt,
	}
}

func mapChange(change colldomain.Change) dto.ChangeOutput {
	return dto.ChangeOutput{
		Origin: change.Origin,
		Seq:    change.Seq,
		Kind:   change.Kind,
		Entity: change.Entity,
	}
}

func mapTrack(track colldomain.Track) dto.TrackOutput {
	return dto.TrackOutput{
		ID:         track.ID,
		Title:      track.Title,
		Artist:     track.Artist,
		Album:      track.Album,
		DurationMS: track.DurationMS,
		Location:   track.Location,
		Plays:      track.Plays,
		LastPlayed: track.LastPlayed,
	}
}

func mapWatch(ev domain.WatchEvent) dto.WatchOutput {
	out := dto.WatchOutput{Kind: string(ev.Kind)}
	switch {
	case ev.Auth != nil:
		request := mapRequest(ev.Auth.Request)
		out.Auth = &request
		out.Summary = fmt.Sprintf("%s %s", ev.Auth.Type, ev.Auth.Request.PeerID)
		if ev.Auth.Verdict != "" {
			out.Summary += " " + string(ev.Auth.Verdict)
		}
	case ev.Peer != nil:
		peer := mapPeer(ev.Peer.Peer)
		out.Peer = &peer
		if ev.Peer.Type == sessiondomain.EventConnection {
			out.Summary = fmt.Sprintf("%s connection %s", ev.Peer.Connection.PeerID, ev.Peer.Connection.State)
		} else {
			out.Summary = fmt.Sprintf("%s %s", peer.ID, onlineLabel(peer.Online))
		}
	case ev.Change != nil:
		change := mapChange(*ev.Change)
		out.Change = &change
		out.Summary = fmt.Sprintf("%s #%d %s %s", change.Origin, change.Seq, change.Kind, change.Entity)
	}
	return out
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
