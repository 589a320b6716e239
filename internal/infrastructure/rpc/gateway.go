package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/infrastructure/metrics"
)

const DefaultTimeout = 500 * time.Millisecond

// Service is a named backend reachable at a fixed address.
type Service struct {
	Name    string
	Address string
	Timeout time.Duration
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Client is valid only inside the Service.With callback that produced it.
type Client struct {
	service Service
	conn    *grpc.ClientConn
	tracer  trace.Tracer
}

// With opens a connection, hands it to fn and closes it on every return
// path. Connections are never shared between scopes.
func (s Service) With(ctx context.Context, fn func(ctx context.Context, c *Client) error) error {
	conn, err := grpc.NewClient(s.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return &UnavailableError{Service: s.Name, Err: err}
	}
	defer conn.Close()

	return fn(ctx, &Client{
		service: s,
		conn:    conn,
		tracer:  otel.Tracer("github.com/microfarm/microfarm/rpc"),
	})
}

func (s Service) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

// Call invokes method and blocks until the reply arrives or the service
// timeout elapses. The reply is returned undecoded.
func (c *Client) Call(ctx context.Context, method string, args ...any) (Reply, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.service.timeout())
	defer cancel()

	ctx, span := c.tracer.Start(ctx, c.service.Name+"/"+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", c.service.Name),
			attribute.String("rpc.method", method),
		),
	)
	defer span.End()

	if args == nil {
		args = []any{}
	}
	var reply Reply
	err := c.conn.Invoke(ctx, fullMethod(c.service.Name, method), &request{Args: args}, &reply)
	if err == nil {
		c.service.Metrics.ObserveRPC(c.service.Name, method, "ok", time.Since(start))
		return reply, nil
	}

	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		c.service.Metrics.ObserveRPC(c.service.Name, method, "unavailable", time.Since(start))
		c.logger().Warn(logging.RPC, logging.Call, "service unavailable", map[logging.ExtraKey]any{
			logging.Service:      c.service.Name,
			logging.Address:      c.service.Address,
			logging.Method:       method,
			logging.ErrorMessage: err.Error(),
		})
		return nil, &UnavailableError{Service: c.service.Name, Err: err}
	case codes.Canceled:
		c.service.Metrics.ObserveRPC(c.service.Name, method, "canceled", time.Since(start))
		return nil, errors.Join(context.Canceled, err)
	default:
		c.service.Metrics.ObserveRPC(c.service.Name, method, "error", time.Since(start))
		return nil, fmt.Errorf("rpc %s.%s: %w", c.service.Name, method, err)
	}
}

func (c *Client) logger() logging.Logger {
	if c.service.Logger == nil {
		return logging.NewNop()
	}
	return c.service.Logger
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// Registry holds the backend services the API talks to, keyed by name.
type Registry map[string]Service

func NewRegistry(addresses map[string]string, timeout time.Duration, logger logging.Logger, m *metrics.Metrics) Registry {
	r := make(Registry, len(addresses))
	for name, addr := range addresses {
		r[name] = Service{Name: name, Address: addr, Timeout: timeout, Logger: logger, Metrics: m}
	}
	return r
}

func (r Registry) Get(name string) (Service, error) {
	s, ok := r[name]
	if !ok {
		return Service{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return s, nil
}
