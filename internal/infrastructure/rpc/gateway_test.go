package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func startServer(t *testing.T, name string, register func(*Server)) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(name, nil)
	register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func unusedAddress(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

func TestCallReturnsReplyVerbatim(t *testing.T) {
	addr := startServer(t, "pki", func(s *Server) {
		s.Handle("generate_certificate", func(ctx context.Context, args Args) (any, error) {
			var account, identity string
			if err := args.Decode(0, &account); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &identity); err != nil {
				return nil, err
			}
			return Respond(202, "queued", map[string]any{"account": account, "identity": identity}), nil
		})
	})

	svc := Service{Name: "pki", Address: addr}
	var resp Response
	err := svc.With(context.Background(), func(ctx context.Context, c *Client) error {
		reply, err := c.Call(ctx, "generate_certificate", "a1", "CN=John Doe,O=Acme")
		if err != nil {
			return err
		}
		resp, err = DecodeResponse(reply)
		return err
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Code != 202 || !resp.Success() {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Data["account"] != "a1" || resp.Data["identity"] != "CN=John Doe,O=Acme" {
		t.Fatalf("unexpected data %+v", resp.Data)
	}
}

func TestCallWithoutListenerIsUnavailable(t *testing.T) {
	svc := Service{Name: "accounts", Address: unusedAddress(t), Timeout: 500 * time.Millisecond}

	start := time.Now()
	err := svc.With(context.Background(), func(ctx context.Context, c *Client) error {
		_, err := c.Call(ctx, "register", "john@example.com")
		return err
	})
	took := time.Since(start)

	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) || unavailable.Service != "accounts" {
		t.Fatalf("expected UnavailableError for accounts, got %#v", err)
	}
	if unavailable.Error() != "Service `accounts` is unavailable." {
		t.Fatalf("unexpected message %q", unavailable.Error())
	}
	if took > 600*time.Millisecond {
		t.Fatalf("call took %s", took)
	}
}

func TestCallTimesOutOnSlowService(t *testing.T) {
	addr := startServer(t, "jwt", func(s *Server) {
		s.Handle("verify", func(ctx context.Context, args Args) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return Respond(200, "", nil), nil
			}
		})
	})

	svc := Service{Name: "jwt", Address: addr}
	start := time.Now()
	err := svc.With(context.Background(), func(ctx context.Context, c *Client) error {
		_, err := c.Call(ctx, "verify", "token")
		return err
	})
	took := time.Since(start)

	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if took < DefaultTimeout || took > DefaultTimeout+100*time.Millisecond {
		t.Fatalf("expected the call to end at the %s timeout, took %s", DefaultTimeout, took)
	}
}

func TestUnknownMethodIsNotUnavailability(t *testing.T) {
	addr := startServer(t, "pki", func(*Server) {})

	err := Service{Name: "pki", Address: addr}.With(context.Background(), func(ctx context.Context, c *Client) error {
		_, err := c.Call(ctx, "missing")
		return err
	})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("unknown method must not look like an unavailable service: %v", err)
	}
}

func TestWithPropagatesCallbackError(t *testing.T) {
	sentinel := errors.New("boom")
	calls := 0
	err := Service{Name: "pki", Address: unusedAddress(t)}.With(context.Background(), func(context.Context, *Client) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) || calls != 1 {
		t.Fatalf("expected callback error once, got %v after %d calls", err, calls)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(map[string]string{"pki": "127.0.0.1:5400"}, 0, nil, nil)
	svc, err := r.Get("pki")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if svc.timeout() != DefaultTimeout {
		t.Fatalf("expected default timeout, got %s", svc.timeout())
	}
	if _, err := r.Get("courrier"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}
