package out

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	acldomain "chorus/internal/modules/acl/domain"
	colldomain "chorus/internal/modules/collection/domain"
	"chorus/internal/modules/node/domain"
	nodeout "chorus/internal/modules/node/port/out"
	sessiondomain "chorus/internal/modules/session/domain"
)

const (
	serviceName   = "chorus.node.v1.Node"
	jsonCodecName = "json"
	callTimeout   = 15 * time.Second
	stopGrace     = 2 * time.Second
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return jsonCodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type Empty struct{}

type PeerRequest struct {
	PeerID string `json:"peer_id"`
}

type PeerListResponse struct {
	Peers []sessiondomain.Peer `json:"peers"`
}

type AuthPendingResponse struct {
	Requests []acldomain.Request `json:"requests"`
}

type AuthDecideRequest struct {
	RequestID string           `json:"request_id"`
	Choice    acldomain.Choice `json:"choice"`
}

type ACLListResponse struct {
	Entries []acldomain.Entry `json:"entries"`
}

type CollectionRequest struct {
	Origin string `json:"origin"`
}

type CompactResponse struct {
	Pruned int `json:"pruned"`
}

type ActivityRequest struct {
	Since time.Time `json:"since"`
	Limit int       `json:"limit"`
}

type ActivityResponse struct {
	Events []domain.ActivityEvent `json:"events"`
}

func method(name string) string {
	return "/" + serviceName + "/" + name
}

// unary adapts one handler call to a gRPC method, translating errors into
// status codes.
func unary[Req, Resp any](name string, call func(nodeout.IPCHandler, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(nodeout.IPCHandler)
			handler := func(ctx context.Context, req any) (any, error) {
				typed, ok := req.(*Req)
				if !ok {
					return nil, status.Error(codes.Internal, "invalid request type")
				}
				out, err := call(h, ctx, typed)
				if err != nil {
					return nil, toStatus(err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: method(name)}, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*nodeout.IPCHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", func(h nodeout.IPCHandler, ctx context.Context, _ *Empty) (*nodeout.DaemonStatus, error) {
			out, err := h.Status(ctx)
			return &out, err
		}),
		unary("PeerList", func(h nodeout.IPCHandler, ctx context.Context, _ *Empty) (*PeerListResponse, error) {
			peers, err := h.PeerList(ctx)
			return &PeerListResponse{Peers: peers}, err
		}),
		unary("PeerConnect", func(h nodeout.IPCHandler, ctx context.Context, in *PeerRequest) (*Empty, error) {
			return &Empty{}, h.PeerConnect(ctx, in.PeerID)
		}),
		unary("PeerDisconnect", func(h nodeout.IPCHandler, ctx context.Context, in *PeerRequest) (*Empty, error) {
			return &Empty{}, h.PeerDisconnect(ctx, in.PeerID)
		}),
		unary("AuthPending", func(h nodeout.IPCHandler, ctx context.Context, _ *Empty) (*AuthPendingResponse, error) {
			requests, err := h.AuthPending(ctx)
			return &AuthPendingResponse{Requests: requests}, err
		}),
		unary("AuthDecide", func(h nodeout.IPCHandler, ctx context.Context, in *AuthDecideRequest) (*acldomain.Entry, error) {
			entry, err := h.AuthDecide(ctx, in.RequestID, in.Choice)
			return &entry, err
		}),
		unary("ACLList", func(h nodeout.IPCHandler, ctx context.Context, _ *Empty) (*ACLListResponse, error) {
			entries, err := h.ACLList(ctx)
			return &ACLListResponse{Entries: entries}, err
		}),
		unary("ACLSet", func(h nodeout.IPCHandler, ctx context.Context, in *acldomain.Entry) (*acldomain.Entry, error) {
			entry, err := h.ACLSet(ctx, *in)
			return &entry, err
		}),
		unary("ACLRemove", func(h nodeout.IPCHandler, ctx context.Context, in *PeerRequest) (*Empty, error) {
			return &Empty{}, h.ACLRemove(ctx, in.PeerID)
		}),
		unary("Mutate", func(h nodeout.IPCHandler, ctx context.Context, in *domain.Mutation) (*domain.MutationResult, error) {
			out, err := h.Mutate(ctx, *in)
			return &out, err
		}),
		unary("Collection", func(h nodeout.IPCHandler, ctx context.Context, in *CollectionRequest) (*nodeout.CollectionView, error) {
			out, err := h.Collection(ctx, in.Origin)
			return &out, err
		}),
		unary("Compact", func(h nodeout.IPCHandler, ctx context.Context, _ *Empty) (*CompactResponse, error) {
			pruned, err := h.Compact(ctx)
			return &CompactResponse{Pruned: pruned}, err
		}),
		unary("Activity", func(h nodeout.IPCHandler, ctx context.Context, in *ActivityRequest) (*ActivityResponse, error) {
			events, err := h.ActivityTail(ctx, nodeout.ActivityQuery{Since: in.Since, Limit: in.Limit})
			return &ActivityResponse{Events: events}, err
		}),
		unary("Stop", func(h nodeout.IPCHandler, ctx context.Context, _ *Empty) (*Empty, error) {
			return &Empty{}, h.Stop(ctx)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Resolve",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				q := colldomain.TrackQuery{}
				if err := stream.RecvMsg(&q); err != nil {
					return err
				}
				results, err := srv.(nodeout.IPCHandler).Resolve(stream.Context(), q)
				if err != nil {
					return toStatus(err)
				}
				for result := range results {
					if err := stream.SendMsg(&result); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			StreamName:    "Watch",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				if err := stream.RecvMsg(&Empty{}); err != nil {
					return err
				}
				events, err := srv.(nodeout.IPCHandler).Watch(stream.Context())
				if err != nil {
					return toStatus(err)
				}
				for ev := range events {
					if err := stream.SendMsg(&ev); err != nil {
						return err
					}
				}
				return nil
			},
		},
	},
	Metadata: "chorus/node/v1",
}

// GRPCServer serves the daemon API on a unix socket.
type GRPCServer struct{}

var _ nodeout.IPCServer = (*GRPCServer)(nil)

func NewGRPCServer() *GRPCServer {
	return &GRPCServer{}
}

func (s *GRPCServer) Serve(ctx context.Context, socketPath string, handler nodeout.IPCHandler) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create ipc dir: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale ipc socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen ipc socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod ipc socket: %w", err)
	}

	srv := grpc.NewServer()
	srv.RegisterService(&serviceDesc, handler)
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(stopGrace):
			srv.Stop()
		}
		return nil
	case err := <-errc:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve ipc: %w", err)
		}
		return nil
	}
}

// GRPCClient dials the daemon socket once per call.
type GRPCClient struct{}

var _ nodeout.IPCClient = (*GRPCClient)(nil)

func NewGRPCClient() *GRPCClient {
	return &GRPCClient{}
}

func dial(socketPath string) (*grpc.ClientConn, error) {
	abs, err := filepath.Abs(socketPath)
	if err != nil {
		return nil, err
	}
	return grpc.NewClient("unix://"+abs,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
}

func invoke[Req, Resp any](ctx context.Context, socketPath, name string, in *Req) (*Resp, error) {
	conn, err := dial(socketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	out := new(Resp)
	if err := conn.Invoke(ctx, method(name), in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

func stream[Req, Item any](ctx context.Context, socketPath, name string, in *Req, fn func(Item) error) error {
	conn, err := dial(socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cs, err := conn.NewStream(ctx, &grpc.StreamDesc{StreamName: name, ServerStreams: true}, method(name))
	if err != nil {
		return fromStatus(err)
	}
	if err := cs.SendMsg(in); err != nil {
		return fromStatus(err)
	}
	if err := cs.CloseSend(); err != nil {
		return fromStatus(err)
	}
	for {
		var item Item
		if err := cs.RecvMsg(&item); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fromStatus(err)
		}
		if err := fn(item); err != nil {
			return err
		}
	}
}

func (c *GRPCClient) Status(ctx context.Context, socketPath string) (nodeout.DaemonStatus, error) {
	out, err := invoke[Empty, nodeout.DaemonStatus](ctx, socketPath, "Status", &Empty{})
	if err != nil {
		return nodeout.DaemonStatus{}, err
	}
	return *out, nil
}

func (c *GRPCClient) PeerList(ctx context.Context, socketPath string) ([]sessiondomain.Peer, error) {
	out, err := invoke[Empty, PeerListResponse](ctx, socketPath, "PeerList", &Empty{})
	if err != nil {
		return nil, err
	}
	return out.Peers, nil
}

func (c *GRPCClient) PeerConnect(ctx context.Context, socketPath, peerID string) error {
	_, err := invoke[PeerRequest, Empty](ctx, socketPath, "PeerConnect", &PeerRequest{PeerID: peerID})
	return err
}

func (c *GRPCClient) PeerDisconnect(ctx context.Context, socketPath, peerID string) error {
	_, err := invoke[PeerRequest, Empty](ctx, socketPath, "PeerDisconnect", &PeerRequest{PeerID: peerID})
	return err
}

func (c *GRPCClient) AuthPending(ctx context.Context, socketPath string) ([]acldomain.Request, error) {
	out, err := invoke[Empty, AuthPendingResponse](ctx, socketPath, "AuthPending", &Empty{})
	if err != nil {
		return nil, err
	}
	return out.Requests, nil
}

func (c *GRPCClient) AuthDecide(ctx context.Context, socketPath, requestID string, choice acldomain.Choice) (acldomain.Entry, error) {
	out, err := invoke[AuthDecideRequest, acldomain.Entry](ctx, socketPath, "AuthDecide", &AuthDecideRequest{RequestID: requestID, Choice: choice})
	if err != nil {
		return acldomain.Entry{}, err
	}
	return *out, nil
}

func (c *GRPCClient) ACLList(ctx context.Context, socketPath string) ([]acldomain.Entry, error) {
	out, err := invoke[Empty, ACLListResponse](ctx, socketPath, "ACLList", &Empty{})
	if err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *GRPCClient) ACLSet(ctx context.Context, socketPath string, entry acldomain.Entry) (acldomain.Entry, error) {
	out, err := invoke[acldomain.Entry, acldomain.Entry](ctx, socketPath, "ACLSet", &entry)
	if err != nil {
		return acldomain.Entry{}, err
	}
	return *out, nil
}

func (c *GRPCClient) ACLRemove(ctx context.Context, socketPath, peerID string) error {
	_, err := invoke[PeerRequest, Empty](ctx, socketPath, "ACLRemove", &PeerRequest{PeerID: peerID})
	return err
}

func (c *GRPCClient) Mutate(ctx context.Context, socketPath string, m domain.Mutation) (domain.MutationResult, error) {
	out, err := invoke[domain.Mutation, domain.MutationResult](ctx, socketPath, "Mutate", &m)
	if err != nil {
		return domain.MutationResult{}, err
	}
	return *out, nil
}

func (c *GRPCClient) Collection(ctx context.Context, socketPath, origin string) (nodeout.CollectionView, error) {
	out, err := invoke[CollectionRequest, nodeout.CollectionView](ctx, socketPath, "Collection", &CollectionRequest{Origin: origin})
	if err != nil {
		return nodeout.CollectionView{}, err
	}
	return *out, nil
}

func (c *GRPCClient) Compact(ctx context.Context, socketPath string) (int, error) {
	out, err := invoke[Empty, CompactResponse](ctx, socketPath, "Compact", &Empty{})
	if err != nil {
		return 0, err
	}
	return out.Pruned, nil
}

func (c *GRPCClient) ActivityTail(ctx context.Context, socketPath string, query nodeout.ActivityQuery) ([]domain.ActivityEvent, error) {
	out, err := invoke[ActivityRequest, ActivityResponse](ctx, socketPath, "Activity", &ActivityRequest{Since: query.Since, Limit: query.Limit})
	if err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *GRPCClient) Resolve(ctx context.Context, socketPath string, q colldomain.TrackQuery, fn func(colldomain.ResolveResult) error) error {
	return stream(ctx, socketPath, "Resolve", &q, fn)
}

func (c *GRPCClient) Watch(ctx context.Context, socketPath string, fn func(domain.WatchEvent) error) error {
	return stream(ctx, socketPath, "Watch", &Empty{}, fn)
}

func (c *GRPCClient) Stop(ctx context.Context, socketPath string) error {
	_, err := invoke[Empty, Empty](ctx, socketPath, "Stop", &Empty{})
	return err
}

func toStatus(err error) error {
	code := codes.Unknown
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, sessiondomain.ErrUnknownPeer),
		errors.Is(err, acldomain.ErrRequestNotFound),
		errors.Is(err, acldomain.ErrEntryNotFound):
		code = codes.NotFound
	case errors.Is(err, acldomain.ErrInvalidPeerID),
		errors.Is(err, acldomain.ErrInvalidChoice),
		errors.Is(err, acldomain.ErrInvalidPolicy),
		errors.Is(err, domain.ErrUnknownMutation):
		code = codes.InvalidArgument
	case errors.Is(err, sessiondomain.ErrOutboundDenied),
		errors.Is(err, sessiondomain.ErrPeerIncompatible),
		errors.Is(err, sessiondomain.ErrPeerOffline):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrDaemonNotRunning):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

// fromStatus turns a status back into a plain error. Unavailable means the
// daemon went away mid-call.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if st.Code() == codes.Unavailable {
		return fmt.Errorf("%w: %s", domain.ErrDaemonNotRunning, st.Message())
	}
	return errors.New(st.Message())
}
