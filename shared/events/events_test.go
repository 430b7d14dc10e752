package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validEnvelope() Envelope {
	return Envelope{
		ID:        uuid.New(),
		Type:      EventLinkCreated,
		Timestamp: time.Now().UTC(),
		Source:    "link-service",
		Data:      json.RawMessage(`{"teamId":"t"}`),
	}
}

func TestEnvelopeValidate(t *testing.T) {
	if err := validEnvelope().Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"nil id", func(e *Envelope) { e.ID = uuid.Nil }},
		{"empty type", func(e *Envelope) { e.Type = " " }},
		{"type without namespace", func(e *Envelope) { e.Type = "clicked" }},
		{"zero timestamp", func(e *Envelope) { e.Timestamp = time.Time{} }},
		{"empty source", func(e *Envelope) { e.Source = "" }},
		{"no data", func(e *Envelope) { e.Data = nil }},
		{"invalid json data", func(e *Envelope) { e.Data = json.RawMessage(`{"x":`) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := validEnvelope()
			tc.mutate(&env)
			if err := env.Validate(); !errors.Is(err, ErrMalformedEnvelope) {
				t.Fatalf("err = %v, want malformed envelope", err)
			}
		})
	}
}

func TestEnvelopePayload(t *testing.T) {
	env := validEnvelope()
	env.Data = json.RawMessage(`{"teamId":"abc","link":{"clicks":3}}`)
	payload, err := env.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if payload["teamId"] != "abc" {
		t.Fatalf("payload = %v", payload)
	}
	link, ok := payload["link"].(map[string]any)
	if !ok || link["clicks"] != 3.0 {
		t.Fatalf("nested payload = %v", payload["link"])
	}

	env.Data = nil
	payload, err = env.Payload()
	if err != nil || payload == nil || len(payload) != 0 {
		t.Fatalf("empty data: payload=%v err=%v", payload, err)
	}

	env.Data = json.RawMessage(`null`)
	payload, err = env.Payload()
	if err != nil || payload == nil {
		t.Fatalf("null data: payload=%v err=%v", payload, err)
	}

	env.Data = json.RawMessage(`[1,2]`)
	if _, err := env.Payload(); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("array data: err = %v, want malformed envelope", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := validEnvelope()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != env.ID || decoded.Type != env.Type || decoded.Source != env.Source {
		t.Fatalf("decoded = %+v", decoded)
	}
	if err := decoded.Validate(); err != nil {
		t.Fatalf("decoded envelope invalid: %v", err)
	}
}
