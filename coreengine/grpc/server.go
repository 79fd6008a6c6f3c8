// Package grpc serves the chat service over gRPC. Messages are
// google.protobuf.Struct values carrying the JSON form of the runtime types.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/finrouter/commbus"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ratelimit"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/runtime"
)

// Backend is the part of runtime.Service the gRPC layer calls.
type Backend interface {
	Chat(ctx context.Context, req runtime.ChatRequest) runtime.ChatResponse
	ExecuteCommand(ctx context.Context, userID string, p envelope.ProposedAction) (map[string]any, error)
	ExecuteAction(ctx context.Context, userID string, a agents.Action, consent bool) (runtime.ActionResult, error)
	ClearHistory(ctx context.Context, userID string) error
	Tools(ctx context.Context, userID string) (runtime.Catalog, error)
	Profile(ctx context.Context, userID string) (envelope.Profile, error)
	UpdateProfile(ctx context.Context, userID string, u runtime.ProfileUpdate) (envelope.Profile, error)
}

var _ Backend = (*runtime.Service)(nil)

// ChatServer implements ChatServiceServer on top of a Backend.
type ChatServer struct {
	backend Backend
	bus     commbus.CommBus
	limiter *ratelimit.Limiter
	logger  logging.Logger
}

var _ ChatServiceServer = (*ChatServer)(nil)

// NewChatServer creates the service implementation. bus and limiter may be
// nil: without a bus ChatStream sends only the response.
func NewChatServer(backend Backend, bus commbus.CommBus, limiter *ratelimit.Limiter, logger logging.Logger) *ChatServer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ChatServer{
		backend: backend,
		bus:     bus,
		limiter: limiter,
		logger:  logger.Bind("component", "grpc"),
	}
}

// =============================================================================
// CHAT
// =============================================================================

type chatRequest struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	Statement string `json:"statement,omitempty"`
}

func (s *ChatServer) decodeChat(in *structpb.Struct) (runtime.ChatRequest, error) {
	var req chatRequest
	if err := fromStruct(in, &req); err != nil {
		return runtime.ChatRequest{}, InvalidArgument("chat request")
	}
	if err := validateRequired(req.UserID, "user_id"); err != nil {
		return runtime.ChatRequest{}, err
	}
	if err := validateRequired(req.Message, "message"); err != nil {
		return runtime.ChatRequest{}, err
	}
	if err := s.allow(req.UserID); err != nil {
		return runtime.ChatRequest{}, err
	}
	out := runtime.ChatRequest{UserID: req.UserID, Message: req.Message}
	if req.Statement != "" {
		out.Statement = []byte(req.Statement)
	}
	return out, nil
}

func (s *ChatServer) allow(userID string) error {
	if s.limiter == nil {
		return nil
	}
	if res := s.limiter.Allow(userID, "chat"); !res.Allowed {
		s.logger.Warn("rate_limited", "user_id", userID, "limit_type", res.LimitType)
		return ResourceExhausted(res.LimitType)
	}
	return nil
}

// Chat runs one turn.
func (s *ChatServer) Chat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.decodeChat(in)
	if err != nil {
		return nil, err
	}
	return toStruct(s.backend.Chat(ctx, req))
}

// ChatStream runs one turn, sending {"event","data"} messages for each node
// event and a final "response".
func (s *ChatServer) ChatStream(in *structpb.Struct, stream grpc.ServerStream) error {
	req, err := s.decodeChat(in)
	if err != nil {
		return err
	}
	ctx := stream.Context()
	req.RequestID = envelope.NewRequestID()

	// Sends happen on the publishing goroutine; grpc allows one sender at a
	// time, and the final send happens after Chat returns.
	var sendErr error
	send := func(name string, data any) {
		if sendErr != nil {
			return
		}
		msg, err := toStruct(map[string]any{"event": name, "data": data})
		if err == nil {
			err = stream.SendMsg(msg)
		}
		sendErr = err
	}
	if s.bus != nil {
		stop := runtime.WatchNodes(s.bus, req.RequestID, func(ev runtime.NodeEvent) {
			send(ev.Name, ev.Event)
		})
		defer stop()
	}

	resp := s.backend.Chat(ctx, req)
	send("response", resp)
	if sendErr != nil {
		s.logger.Debug("stream_send_failed", "request_id", req.RequestID, "error", sendErr.Error())
	}
	return sendErr
}

// =============================================================================
// OPERATIONS
// =============================================================================

type userRequest struct {
	UserID string `json:"user_id"`
}

func decodeUser(in *structpb.Struct) (string, error) {
	var req userRequest
	if err := fromStruct(in, &req); err != nil {
		return "", InvalidArgument("user_id")
	}
	return req.UserID, validateRequired(req.UserID, "user_id")
}

type executeActionRequest struct {
	UserID  string        `json:"user_id"`
	Consent bool          `json:"consent"`
	Action  agents.Action `json:"action"`
}

// ExecuteAction runs one automated action.
func (s *ChatServer) ExecuteAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req executeActionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, InvalidArgument("action")
	}
	if err := validateRequired(req.UserID, "user_id"); err != nil {
		return nil, err
	}
	if _, err := agents.ParseActionType(string(req.Action.Type)); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.backend.ExecuteAction(ctx, req.UserID, req.Action, req.Consent)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

type executeCommandRequest struct {
	UserID string         `json:"user_id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// ExecuteCommand applies a confirmed data command.
func (s *ChatServer) ExecuteCommand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req executeCommandRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, InvalidArgument("command")
	}
	if err := validateRequired(req.UserID, "user_id"); err != nil {
		return nil, err
	}
	if err := validateRequired(req.Action, "action"); err != nil {
		return nil, err
	}
	out, err := s.backend.ExecuteCommand(ctx, req.UserID, envelope.ProposedAction{Action: req.Action, Params: req.Params})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"success": true, "action": req.Action, "result": out})
}

// ClearHistory drops a user's conversation memory.
func (s *ChatServer) ClearHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := decodeUser(in)
	if err != nil {
		return nil, err
	}
	if err := s.backend.ClearHistory(ctx, userID); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"success": true})
}

// GetProfile returns a user's profile.
func (s *ChatServer) GetProfile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := decodeUser(in)
	if err != nil {
		return nil, err
	}
	p, err := s.backend.Profile(ctx, userID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(p)
}

type updateProfileRequest struct {
	UserID string                `json:"user_id"`
	Update runtime.ProfileUpdate `json:"update"`
}

// UpdateProfile changes profile fields and consent flags.
func (s *ChatServer) UpdateProfile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req updateProfileRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, InvalidArgument("update")
	}
	if err := validateRequired(req.UserID, "user_id"); err != nil {
		return nil, err
	}
	p, err := s.backend.UpdateProfile(ctx, req.UserID, req.Update)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(p)
}

// ListTools returns the node and command catalog for a user.
func (s *ChatServer) ListTools(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req userRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, InvalidArgument("user_id")
	}
	cat, err := s.backend.Tools(ctx, req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(cat)
}

// =============================================================================
// GRACEFUL SERVER
// =============================================================================

// GracefulServer owns the grpc.Server, its health service and shutdown.
type GracefulServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	bus        commbus.CommBus
	logger     logging.Logger
	address    string

	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer registers chat and the standard health service. With no
// opts, ServerOptions(logger) is used.
func NewGracefulServer(chat *ChatServer, address string, opts ...grpc.ServerOption) *GracefulServer {
	if len(opts) == 0 {
		opts = ServerOptions(chat.logger)
	}
	grpcServer := grpc.NewServer(opts...)
	RegisterChatServiceServer(grpcServer, chat)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	return &GracefulServer{
		grpcServer: grpcServer,
		health:     hs,
		bus:        chat.bus,
		logger:     chat.logger,
		address:    address,
	}
}

// Start listens on the configured address and serves until ctx is done.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then stops gracefully. It returns
// nil on a clean shutdown.
func (s *GracefulServer) Serve(ctx context.Context, lis net.Listener) error {
	s.refreshHealth(ctx)
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
	}()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
			s.GracefulStop()
			<-errCh
			return nil
		case <-ticker.C:
			s.refreshHealth(ctx)
		case err := <-errCh:
			if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		}
	}
}

const healthInterval = 15 * time.Second

// refreshHealth mirrors the service's health check into the gRPC health
// service. Degraded still serves.
func (s *GracefulServer) refreshHealth(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.bus != nil && s.bus.HasHandler("HealthCheckRequest") {
		out, err := s.bus.QuerySync(ctx, &commbus.HealthCheckRequest{Component: "grpc"})
		resp, ok := out.(*commbus.HealthCheckResponse)
		if err != nil || !ok || resp.Status == commbus.HealthStatusUnhealthy {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// GracefulStop marks the server not serving, stops accepting calls and waits
// for running ones. Calling it again is a no-op.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// ShutdownWithTimeout stops gracefully and forces the stop after timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
		<-done
	}
}

// GRPCServer returns the underlying grpc.Server.
func (s *GracefulServer) GRPCServer() *grpc.Server {
	return s.grpcServer
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
