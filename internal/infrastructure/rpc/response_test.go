package rpc

import (
	"net/http"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestResponseBands(t *testing.T) {
	tests := []struct {
		code    int
		success bool
		pending bool
		isError bool
		status  int
	}{
		{100, false, false, false, http.StatusOK},
		{200, true, false, false, http.StatusOK},
		{299, true, false, false, http.StatusOK},
		{302, false, true, false, http.StatusOK},
		{400, false, false, true, http.StatusUnprocessableEntity},
		{499, false, false, true, http.StatusUnprocessableEntity},
		{500, false, false, true, http.StatusBadGateway},
		{650, false, false, true, http.StatusBadGateway},
	}
	for _, tc := range tests {
		r := Response{Code: tc.code}
		if r.Success() != tc.success || r.Pending() != tc.pending || r.Error() != tc.isError {
			t.Fatalf("code %d: unexpected bands success=%v pending=%v error=%v", tc.code, r.Success(), r.Pending(), r.Error())
		}
		if got := r.HTTPStatus(); got != tc.status {
			t.Fatalf("code %d: expected status %d, got %d", tc.code, tc.status, got)
		}
	}
}

func TestDecodeResponseRejectsOutOfRangeCodes(t *testing.T) {
	raw, err := msgpack.Marshal(Response{Code: 900})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := DecodeResponse(raw); err == nil {
		t.Fatalf("expected out of range error")
	}

	raw, _ = msgpack.Marshal(Response{Code: 201, Message: "created"})
	resp, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data == nil || resp.Message != "created" {
		t.Fatalf("unexpected response %+v", resp)
	}
}
