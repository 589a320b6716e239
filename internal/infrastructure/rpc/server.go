package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/microfarm/microfarm/internal/infrastructure/logging"
)

// HandlerFunc serves one method. The returned value is MessagePack-encoded
// as the reply; a Reply is sent as is.
type HandlerFunc func(ctx context.Context, args Args) (any, error)

// Server exposes named methods of one service over gRPC.
type Server struct {
	name   string
	logger logging.Logger
	grpc   *grpc.Server

	mu      sync.RWMutex
	methods map[string]HandlerFunc
}

func NewServer(name string, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		name:    name,
		logger:  logger,
		methods: map[string]HandlerFunc{},
	}
	s.grpc = grpc.NewServer(grpc.UnknownServiceHandler(s.handle))
	return s
}

func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = h
}

func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info(logging.RPC, logging.Startup, "rpc server listening", map[logging.ExtraKey]any{
		logging.Service: s.name,
		logging.Address: lis.Addr().String(),
	})
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) GracefulStop() { s.grpc.GracefulStop() }

func (s *Server) Stop() { s.grpc.Stop() }

func (s *Server) handle(_ any, stream grpc.ServerStream) error {
	full, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "rpc: method missing from stream")
	}
	service, method, err := splitMethod(full)
	if err != nil || service != s.name {
		return status.Errorf(codes.Unimplemented, "unknown service %q", service)
	}

	s.mu.RLock()
	h, ok := s.methods[method]
	s.mu.RUnlock()
	if !ok {
		return status.Errorf(codes.Unimplemented, "unknown method %s.%s", service, method)
	}

	var req serverRequest
	if err := stream.RecvMsg(&req); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}

	result, err := h(stream.Context(), req.Args)
	if err != nil {
		s.logger.Error(logging.RPC, logging.Serve, "rpc handler failed", map[logging.ExtraKey]any{
			logging.Service:      s.name,
			logging.Method:       method,
			logging.ErrorMessage: err.Error(),
		})
		if st, ok := status.FromError(err); ok {
			return st.Err()
		}
		return status.Error(codes.Internal, err.Error())
	}

	return stream.SendMsg(result)
}

func splitMethod(full string) (string, string, error) {
	parts := strings.Split(strings.TrimPrefix(full, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("rpc: malformed method %q", full)
	}
	return parts[0], parts[1], nil
}
