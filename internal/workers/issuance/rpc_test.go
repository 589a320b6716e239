package issuance

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/microfarm/microfarm/internal/domain"
	"github.com/microfarm/microfarm/internal/infrastructure/messaging"
	"github.com/microfarm/microfarm/internal/infrastructure/messaging/memory"
	"github.com/microfarm/microfarm/internal/infrastructure/rpc"
)

func serveBackend(t *testing.T, broker *memory.Broker) rpc.Service {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	conn := broker.Connect()
	srv := rpc.NewServer("pki", nil)
	NewBackend(conn, nil).Register(srv)
	go srv.Serve(lis)
	t.Cleanup(func() {
		srv.Stop()
		conn.Close()
	})
	return rpc.Service{Name: "pki", Address: lis.Addr().String()}
}

func call(t *testing.T, svc rpc.Service, method string, args ...any) rpc.Response {
	t.Helper()
	var resp rpc.Response
	err := svc.With(context.Background(), func(ctx context.Context, c *rpc.Client) error {
		reply, err := c.Call(ctx, method, args...)
		if err != nil {
			return err
		}
		resp, err = rpc.DecodeResponse(reply)
		return err
	})
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return resp
}

func TestGenerateCertificateQueuesRequest(t *testing.T) {
	broker := memory.NewBroker()
	svc := serveBackend(t, broker)

	resp := call(t, svc, MethodGenerateCertificate, "a1", "CN=John Doe,O=Acme")
	if resp.Code != 202 {
		t.Fatalf("expected 202, got %+v", resp)
	}
	requestID, _ := resp.Data["request"].(string)
	if requestID == "" {
		t.Fatalf("missing request id in %+v", resp.Data)
	}

	published := broker.Published(messaging.KindIssueCertificate.RoutingKey())
	if len(published) != 1 {
		t.Fatalf("expected one issuance request, got %d", len(published))
	}
	var req domain.CertificateIssuanceRequest
	if err := json.Unmarshal(published[0].Body, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.AccountID != "a1" || req.SubjectIdentity != "CN=John Doe,O=Acme" || req.RequestID != requestID {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestGenerateCertificateRejectsBadIdentity(t *testing.T) {
	broker := memory.NewBroker()
	svc := serveBackend(t, broker)

	resp := call(t, svc, MethodGenerateCertificate, "a1", "FOO=bar")
	if resp.Code != 400 || resp.HTTPStatus() != 422 {
		t.Fatalf("expected 400, got %+v", resp)
	}
	if n := len(broker.Published("")); n != 0 {
		t.Fatalf("nothing should be published, got %d", n)
	}
}

func TestRevokeCertificateQueuesRevocation(t *testing.T) {
	broker := memory.NewBroker()
	svc := serveBackend(t, broker)

	resp := call(t, svc, MethodRevokeCertificate, "a1", "42", "superseded")
	if resp.Code != 202 {
		t.Fatalf("expected 202, got %+v", resp)
	}
	if n := len(broker.Published(messaging.KindRevokeCertificate.RoutingKey())); n != 1 {
		t.Fatalf("expected one revocation, got %d", n)
	}

	resp = call(t, svc, MethodRevokeCertificate, "a1", "42", "bogus")
	if resp.Code != 400 {
		t.Fatalf("expected 400 for an unknown reason, got %+v", resp)
	}
}
