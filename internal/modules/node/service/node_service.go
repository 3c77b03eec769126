package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	acldomain "chorus/internal/modules/acl/domain"
	colldomain "chorus/internal/modules/collection/domain"
	"chorus/internal/modules/node/domain"
	nodeout "chorus/internal/modules/node/port/out"
	sessiondomain "chorus/internal/modules/session/domain"
	"chorus/internal/platform/clock"
	"chorus/internal/platform/logging"
)

const (
	daemonStartTimeout  = 5 * time.Second
	daemonStopTimeout   = 5 * time.Second
	defaultLogTailLines = 200
	watchBuffer         = 64
)

type Options struct {
	DataDir            string
	CompactionInterval time.Duration
	MetricsEnabled     bool
	MetricsListen      string
	Logger             *zap.Logger
	Clock              clock.Clock
}

type runtimeState struct {
	rt          *nodeout.Runtime
	cancel      context.CancelFunc
	done        <-chan struct{}
	startedAt   time.Time
	metricsAddr string
}

// NodeService runs the daemon and answers its API. Calls made outside the
// daemon process are forwarded over the local socket.
type NodeService struct {
	opts      Options
	factory   nodeout.RuntimeFactory
	daemon    nodeout.DaemonStore
	ipcServer nodeout.IPCServer
	ipcClient nodeout.IPCClient
	activity  nodeout.ActivityStore
	logger    *zap.Logger
	clock     clock.Clock

	mu      sync.RWMutex
	runtime *runtimeState
}

var _ nodeout.IPCHandler = (*NodeService)(nil)

func NewNodeService(
	factory nodeout.RuntimeFactory,
	daemon nodeout.DaemonStore,
	ipcServer nodeout.IPCServer,
	ipcClient nodeout.IPCClient,
	activity nodeout.ActivityStore,
	opts Options,
) *NodeService {
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	if opts.MetricsListen == "" {
		opts.MetricsListen = "127.0.0.1:0"
	}
	return &NodeService{
		opts:      opts,
		factory:   factory,
		daemon:    daemon,
		ipcServer: ipcServer,
		ipcClient: ipcClient,
		activity:  activity,
		logger:    logging.OrNop(opts.Logger).Named("node"),
		clock:     opts.Clock,
	}
}

// RunDaemon builds the runtime, serves the socket and blocks until ctx ends
// or Stop is called.
func (s *NodeService) RunDaemon(ctx context.Context) error {
	if err := s.cleanupStaleArtifacts(ctx); err != nil {
		return err
	}
	if socketReachable(s.daemon.SocketPath()) {
		return domain.ErrDaemonAlreadyRunning
	}
	if s.ipcServer == nil {
		return fmt.Errorf("ipc server is not configured")
	}

	rt, err := s.factory.Build(ctx)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	state := &runtimeState{rt: rt, cancel: cancel, done: runCtx.Done(), startedAt: s.clock.Now()}

	var metricsLn net.Listener
	if s.opts.MetricsEnabled && rt.Metrics != nil {
		metricsLn, err = net.Listen("tcp", s.opts.MetricsListen)
		if err != nil {
			cancel()
			_ = closeRuntime(rt)
			return fmt.Errorf("start metrics listener: %w", err)
		}
		state.metricsAddr = metricsLn.Addr().String()
	}
	if err := s.daemon.WritePID(ctx, os.Getpid()); err != nil {
		cancel()
		if metricsLn != nil {
			_ = metricsLn.Close()
		}
		_ = closeRuntime(rt)
		return err
	}

	s.mu.Lock()
	s.runtime = state
	s.mu.Unlock()
	defer s.cleanupRuntime(context.Background())

	s.logger.Info("daemon started", zap.String("node", rt.Node), zap.String("fingerprint", rt.Fingerprint))
	s.appendActivity(ctx, domain.ActivityEvent{
		Type:    domain.ActivityDaemon,
		Message: "daemon started",
		Fields:  map[string]string{"node": rt.Node},
	})

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return rt.Sessions.Run(gctx)
	})
	g.Go(func() error {
		return rt.Log.RunCompaction(gctx, s.opts.CompactionInterval)
	})
	g.Go(func() error {
		return s.ipcServer.Serve(gctx, s.daemon.SocketPath(), s)
	})
	g.Go(func() error {
		s.recordActivity(gctx, rt)
		return nil
	})
	if metricsLn != nil {
		g.Go(func() error {
			return serveMetrics(gctx, metricsLn, rt.Metrics)
		})
	}
	err = g.Wait()
	s.appendActivity(context.Background(), domain.ActivityEvent{Type: domain.ActivityDaemon, Message: "daemon stopped"})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) {
		s.logger.Error("daemon stopped with error", zap.Error(err))
		return err
	}
	s.logger.Info("daemon stopped")
	return nil
}

// StartDaemon launches `daemon run` in the background and waits for its
// socket.
func (s *NodeService) StartDaemon(ctx context.Context) error {
	if err := s.cleanupStaleArtifacts(ctx); err != nil {
		return err
	}
	status, err := s.DaemonStatus(ctx)
	if err == nil && status.Running {
		if socketReachable(s.daemon.SocketPath()) {
			return nil
		}
		return fmt.Errorf("%w: daemon process is alive but socket is unavailable", domain.ErrDaemonStartFailed)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.daemon.LogPath()), 0o755); err != nil {
		return fmt.Errorf("create daemon log dir: %w", err)
	}
	logFile, err := os.OpenFile(s.daemon.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(execPath, "daemon", "run", "--data", s.opts.DataDir)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	_ = cmd.Process.Release()

	if err := waitForSocket(s.daemon.SocketPath(), daemonStartTimeout); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDaemonStartFailed, err)
	}
	return nil
}

func (s *NodeService) StopDaemon(ctx context.Context) error {
	if st := s.local(); st != nil {
		st.cancel()
		return nil
	}
	if s.ipcClient != nil && socketReachable(s.daemon.SocketPath()) {
		_ = s.ipcClient.Stop(ctx, s.daemon.SocketPath())
	}

	pid, err := s.daemon.ReadPID(ctx)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_ = os.Remove(s.daemon.SocketPath())
			return nil
		}
		return err
	}
	if pid <= 0 || !processAlive(pid) {
		_ = s.daemon.ClearPID(ctx)
		_ = os.Remove(s.daemon.SocketPath())
		return nil
	}
	if !waitForExit(pid, daemonStopTimeout/2) {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("stop daemon pid=%d: %w", pid, err)
		}
		if !waitForExit(pid, daemonStopTimeout/2) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
	if err := s.daemon.ClearPID(ctx); err != nil {
		return err
	}
	_ = os.Remove(s.daemon.SocketPath())
	return nil
}

func (s *NodeService) DaemonStatus(ctx context.Context) (nodeout.DaemonRuntimeStatus, error) {
	out := nodeout.DaemonRuntimeStatus{SocketPath: s.daemon.SocketPath()}
	pid, err := s.daemon.ReadPID(ctx)
	if err == nil {
		out.PID = pid
		out.Running = processAlive(pid)
	}
	if out.Running && s.ipcClient != nil && socketReachable(s.daemon.SocketPath()) {
		status, statusErr := s.ipcClient.Status(ctx, s.daemon.SocketPath())
		if statusErr == nil {
			out.Status = status
		}
	}
	return out, nil
}

func (s *NodeService) DaemonLogs(_ context.Context, tail int) (string, error) {
	if tail <= 0 {
		tail = defaultLogTailLines
	}
	file, err := os.Open(s.daemon.LogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open daemon log: %w", err)
	}
	defer file.Close()

	lines := make([]string, 0, tail)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(lines) < tail {
			lines = append(lines, line)
			continue
		}
		copy(lines, lines[1:])
		lines[len(lines)-1] = line
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("scan daemon log: %w", err)
	}
	return strings.Join(lines, "\n"), nil
}

func (s *NodeService) Status(ctx context.Context) (nodeout.DaemonStatus, error) {
	st := s.local()
	if st == nil {
		socket, err := s.remote()
		if err != nil {
			return nodeout.DaemonStatus{}, err
		}
		return s.ipcClient.Status(ctx, socket)
	}
	rt := st.rt
	out := nodeout.DaemonStatus{
		Node:           rt.Node,
		Origin:         rt.Origin,
		Fingerprint:    rt.Fingerprint,
		StartedAt:      st.startedAt,
		PendingAuth:    len(rt.Authority.Pending()),
		Tips:           rt.Log.Tips(),
		Origins:        rt.Registry.Origins(),
		MetricsAddress: st.metricsAddr,
	}
	for _, t := range rt.Transports {
		ts := nodeout.TransportStatus{Name: t.Name(), LocalID: t.LocalID()}
		if listener, ok := t.(interface{ ListenAddrs() []string }); ok {
			ts.ListenAddrs = listener.ListenAddrs()
		}
		out.Transports = append(out.Transports, ts)
	}
	for _, p := range rt.Sessions.Peers() {
		out.Peers++
		if p.Online {
			out.OnlinePeers++
		}
		if p.State == sessiondomain.StateActive {
			out.ActivePeers++
		}
	}
	return out, nil
}

func (s *NodeService) PeerList(ctx context.Context) ([]sessiondomain.Peer, error) {
	st := s.local()
	if st == nil {
		socket, err := s.remote()
		if err != nil {
			return nil, err
		}
		return s.ipcClient.PeerList(ctx, socket)
	}
	return st.rt.Sessions.Peers(), nil
}

func (s *NodeService) PeerConnect(ctx context.Context, peerID string) error {
	st := s.local()
	if st == nil {
		socket, err := s.remote()
		if err != nil {
			return err
		}
		return s.ipcClient.PeerConnect(ctx, socket, peerID)
	}
	return st.rt.Sessions.Connect(ctx, peerID)
}

func (s *NodeService) PeerDisconnect(ctx context.Context, peerID string) error {
	st := s.local()
	if st == nil {
		socket, err := s.remote()
		if err != nil {
			return err
		}
		return s.ipcClient.PeerDisconnect(ctx, socket, peerID)
	}
	return st.rt.Sessions.Disconnect(ctx, peerID)
}

func (s *NodeService) AuthPending(ctx context.Context) ([]acldomain.Request, error) {
	st := s.local()
	if st == nil {
		socket, err := s.remote()
		if err != nil {
			return nil, err
		}
		return s.ipcClient.AuthPending(ctx, socket)
	}
	return st.rt.Authority.Pending(), nil
}

func (s *NodeService) AuthDecide(ctx context.Context, requestID string, choice acldomain.Choice) (acldomain.Entry, error) {
	st := s.local()
	if st == nil {
		socket, err := s.remote()
		if err != nil {
			return acldomain.Entry{}, err
		}
		return s.ipcClient.AuthDecide(ctx, socket, requestID, choice)
	}
	return st.rt.Authority.Decide(ctx, requestID, choice)
}

func (s *NodeService) ACLList(ctx context.Context) ([]acldomain.Entry, error) {
	st := s.local()
	if st == nil {
		socket, err := s.remote()
		if err != nil {
			return nil, err
		}
		return s.ipcClient.ACLList(ctx, socket)
	}
	return st.rt.Authority.Entries(ctx)
}

func (s *NodeService) ACLSet(ctx context.Context, entry acldomain.Entry) (acldomain.Entry, error) {
	st := s.local()
	if st == nil {
		socket, err := s.remote()
		if err != nil {
			return acldomain.Entry{}, err
		}
		return s.ipcClient.ACLSet(ctx, socket, entry)
	}
	return st.rt.Authority.SetEntry(ctx, entry)
}

func (s *NodeService) ACLRemove(ctx context.Context, peerID string) error {
	st := s.local()
	if st == nil {
		socket, err := s.remote()
		if err != nil {
			return err
		}
		return s.ipcClient.ACLRemove(ctx, socket, peerID)
	}
	return st.rt.Authority.RemoveEntry(ctx, peerID)
}

func (s *NodeService) Mutate(ctx context.Context, m domain.Mutation) (domain.MutationResult, error) {
	if err := m.Validate(); err != nil {
		return domain.MutationResult{}, err
	}
	st := s.local()
	if st == nil {
		socket, err := s.remote()
		if err != nil {
			return domain.MutationResult{}, err
		}
		return s.ipcClient.Mutate(ctx, socket, m)
	}
	return s.mutate(ctx, st.rt, m)
}

func (s *NodeService) mutate(ctx context.Context, rt *nodeout.Runtime, m domain.Mutation) (domain.MutationResult, error) {
	var (
		change  colldomain.Change
		created string
		err     error
	)
	curator := rt.Curator
	switch m.Op {
	case domain.OpTrackAdd:
		change, err = curator.AddTrack(ctx, m.Track)
	case domain.OpTrackRemove:
		change, err = curator.RemoveTrack(ctx, m.ID)
	case domain.OpPlaylistCreate:
		change, created, err = curator.CreatePlaylist(ctx, m.Name)
	case domain.OpPlaylistRename:
		change, err = curator.RenamePlaylist(ctx, m.ID, m.Name)
	case domain.OpPlaylistDelete:
		change, err = curator.DeletePlaylist(ctx, m.ID)
	case domain.OpPlaylistAdd:
		change, created, err = curator.AddToPlaylist(ctx, m.Playlist, m.ID, m.After)
	case domain.OpPlaylistRemove:
		change, err = curator.RemoveFromPlaylist(ctx, m.Playlist, m.Entry)
	case domain.OpPlayLog:
		at := m.At
		if at.IsZero() {
			at = s.clock.Now()
		}
		change, err = curator.LogPlayback(ctx, m.ID, at)
	default:
		err = fmt.Errorf("%w: %q", domain.ErrUnknownMutation, m.Op)
	}
	if err != nil {
		return domain.MutationResult{}, err
	}
	return domain.MutationResult{Change: change, Created: created}, nil
}

func (s *NodeService) Collection(ctx context.Context, origin string) (nodeout.CollectionView, error) {
	st := s.local()
	if st == nil {
		socket, err := s.remote()
		if err != nil {
			return nodeout.CollectionView{}, err
		}
		return s.ipcClient.Collection(ctx, socket, origin)
	}
	out := nodeout.CollectionView{Origins: st.rt.Registry.Origins()}
	if origin == "" {
		return out, nil
	}
	collection, err := st.rt.Registry.Query(origin)
	if err != nil {
		return nodeout.CollectionView{}, err
	}
	out.Collection = &collection
	digest, err := st.rt.Registry.Digest()
	if err != nil {
		return nodeout.CollectionView{}, err
	}
	out.Digest = digest
	return out, nil
}

func (s *NodeService) Compact(ctx context.Context) (int, error) {
	st := s.local()
	if st == nil {
		socket, err := s.remote()
		if err != nil {
			return 0, err
		}
		return s.ipcClient.Compact(ctx, socket)
	}
	return st.rt.Log.Compact(ctx)
}

func (s *NodeService) ActivityTail(ctx context.Context, query nodeout.ActivityQuery) ([]domain.ActivityEvent, error) {
	if s.local() == nil && s.ipcClient != nil && socketReachable(s.daemon.SocketPath()) {
		return s.ipcClient.ActivityTail(ctx, s.daemon.SocketPath(), query)
	}
	return s.activity.Tail(ctx, query)
}

// Resolve streams matches from every known collection, best first.
func (s *NodeService) Resolve(ctx context.Context, q colldomain.TrackQuery) (<-chan colldomain.ResolveResult, error) {
	st := s.local()
	if st == nil {
		socket, err := s.remote()
		if err != nil {
			return nil, err
		}
		out := make(chan colldomain.ResolveResult, watchBuffer)
		go func() {
			defer close(out)
			err := s.ipcClient.Resolve(ctx, socket, q, func(r colldomain.ResolveResult) error {
				select {
				case out <- r:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("remote resolve", zap.Error(err))
			}
		}()
		return out, nil
	}
	return st.rt.Registry.Resolve(ctx, q), nil
}

// Watch merges authorization, peer and collection events until ctx ends or
// the daemon stops.
func (s *NodeService) Watch(ctx context.Context) (<-chan domain.WatchEvent, error) {
	st := s.local()
	if st == nil {
		socket, err := s.remote()
		if err != nil {
			return nil, err
		}
		out := make(chan domain.WatchEvent, watchBuffer)
		go func() {
			defer close(out)
			_ = s.ipcClient.Watch(ctx, socket, func(ev domain.WatchEvent) error {
				select {
				case out <- ev:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}()
		return out, nil
	}

	auth, stopAuth := st.rt.Authority.Subscribe()
	peers, stopPeers := st.rt.Sessions.Subscribe()
	changes, stopChanges := st.rt.Registry.Subscribe()
	out := make(chan domain.WatchEvent, watchBuffer)
	go func() {
		defer close(out)
		defer stopAuth()
		defer stopPeers()
		defer stopChanges()
		for {
			var ev domain.WatchEvent
			select {
			case <-ctx.Done():
				return
			case <-st.done:
				return
			case a, ok := <-auth:
				if !ok {
					return
				}
				ev = domain.WatchEvent{Kind: domain.WatchAuth, Auth: &a}
			case p, ok := <-peers:
				if !ok {
					return
				}
				ev = domain.WatchEvent{Kind: domain.WatchPeer, Peer: &p}
			case c, ok := <-changes:
				if !ok {
					return
				}
				ev = domain.WatchEvent{Kind: domain.WatchCollection, Change: &c}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			case <-st.done:
				return
			}
		}
	}()
	return out, nil
}

func (s *NodeService) Stop(ctx context.Context) error {
	if st := s.local(); st != nil {
		st.cancel()
		return nil
	}
	socket, err := s.remote()
	if err != nil {
		return err
	}
	return s.ipcClient.Stop(ctx, socket)
}

func (s *NodeService) recordActivity(ctx context.Context, rt *nodeout.Runtime) {
	auth, stopAuth := rt.Authority.Subscribe()
	defer stopAuth()
	peers, stopPeers := rt.Sessions.Subscribe()
	defer stopPeers()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-auth:
			if !ok {
				return
			}
			s.appendActivity(ctx, domain.ActivityEvent{
				Type:    domain.ActivityAuth,
				Message: string(ev.Type),
				Fields: map[string]string{
					"request": ev.Request.ID,
					"peer":    ev.Request.PeerID,
					"verdict": string(ev.Verdict),
				},
			})
		case ev, ok := <-peers:
			if !ok {
				return
			}
			if ev.Type != sessiondomain.EventConnection {
				continue
			}
			conn := ev.Connection
			if conn.State != sessiondomain.StateActive && !conn.State.Terminal() {
				continue
			}
			fields := map[string]string{
				"peer":       conn.PeerID,
				"connection": conn.ID,
				"direction":  string(conn.Direction),
			}
			if conn.LastError != "" {
				fields["error"] = conn.LastError
			}
			s.appendActivity(ctx, domain.ActivityEvent{
				Type:    domain.ActivityPeer,
				Message: "connection " + string(conn.State),
				Fields:  fields,
			})
		}
	}
}

func (s *NodeService) appendActivity(ctx context.Context, event domain.ActivityEvent) {
	if s.activity == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock.Now().UTC()
	}
	if err := s.activity.Append(ctx, event); err != nil {
		s.logger.Warn("append activity", zap.Error(err))
	}
}

func (s *NodeService) local() *runtimeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runtime
}

func (s *NodeService) remote() (string, error) {
	socket := s.daemon.SocketPath()
	if s.ipcClient == nil || !socketReachable(socket) {
		return "", domain.ErrDaemonNotRunning
	}
	return socket, nil
}

func (s *NodeService) cleanupRuntime(ctx context.Context) {
	s.mu.Lock()
	st := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if st == nil {
		return
	}
	st.cancel()
	if err := closeRuntime(st.rt); err != nil {
		s.logger.Warn("close runtime", zap.Error(err))
	}
	_ = s.daemon.ClearPID(ctx)
	_ = os.Remove(s.daemon.SocketPath())
}

func (s *NodeService) cleanupStaleArtifacts(ctx context.Context) error {
	pid, err := s.daemon.ReadPID(ctx)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	} else if pid > 0 && !processAlive(pid) {
		_ = s.daemon.ClearPID(ctx)
		_ = os.Remove(s.daemon.SocketPath())
	}
	if _, statErr := os.Stat(s.daemon.SocketPath()); statErr == nil && !socketReachable(s.daemon.SocketPath()) {
		if removeErr := os.Remove(s.daemon.SocketPath()); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove stale daemon socket: %w", removeErr)
		}
	}
	return nil
}

func closeRuntime(rt *nodeout.Runtime) error {
	if rt == nil || rt.Close == nil {
		return nil
	}
	return rt.Close()
}

func serveMetrics(ctx context.Context, ln net.Listener, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}

func waitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if socketReachable(path) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon socket not ready: %s", path)
}

func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !processAlive(pid)
}

func socketReachable(path string) bool {
	conn, err := net.DialTimeout("unix", path, 150*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
