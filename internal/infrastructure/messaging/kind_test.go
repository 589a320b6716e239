package messaging

import (
	"errors"
	"testing"
	"time"
)

func TestParseKindRoundTrip(t *testing.T) {
	for k := range kinds {
		got, err := ParseKind(k.RoutingKey())
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", k.RoutingKey(), err)
		}
		if got != k {
			t.Fatalf("ParseKind(%q) = %v, want %v", k.RoutingKey(), got, k)
		}
	}
}

func TestParseKindUnknown(t *testing.T) {
	_, err := ParseKind("pki.certificate.renew")
	if !errors.Is(err, ErrUnknownRoutingKey) {
		t.Fatalf("expected ErrUnknownRoutingKey, got %v", err)
	}
	if KindUnknown.String() != "unknown" {
		t.Fatalf("unexpected name %q", KindUnknown.String())
	}
}

func TestNewEnvelopeUsesKindContentType(t *testing.T) {
	type payload struct {
		Serial string    `msgpack:"serial_number" json:"serial_number"`
		At     time.Time `msgpack:"at" json:"at"`
	}
	in := payload{Serial: "123", At: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}

	env, err := NewEnvelope(KindPersistCertificate, in)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.ContentType != ContentTypeMsgpack || env.Exchange != PersistenceExchange {
		t.Fatalf("unexpected envelope %+v", env)
	}

	var out payload
	if err := Decode("", KindPersistCertificate.ContentType(), env.Body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Serial != in.Serial || !out.At.Equal(in.At) {
		t.Fatalf("unexpected payload %+v", out)
	}

	if _, err := NewEnvelope(KindUnknown, in); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
