// internal/protocol/protocol_test.go
package protocol

import (
	"errors"
	"testing"
)

func TestDecodeRoundTrip(t *testing.T) {
	data, err := Encode(Message{
		Type:      TypeChat,
		SenderID:  "p1",
		Timestamp: 1700000000000,
		Payload:   []byte(`{"text":"glhf"}`),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != TypeChat || msg.SenderID != "p1" || msg.Timestamp != 1700000000000 {
		t.Fatalf("envelope fields lost: %+v", msg)
	}
	var chat Chat
	if err := msg.DecodePayload(&chat); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if chat.Text != "glhf" {
		t.Fatalf("got text %q", chat.Text)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"chat"}`),           // missing sender
		[]byte(`{"senderId":"p1"}`),         // missing type
		[]byte(`{"type":"","senderId":""}`), // empty
		[]byte(`[1,2,3]`),                   // wrong shape
	}
	for _, data := range cases {
		if _, err := Decode(data); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%s): want ErrMalformed, got %v", data, err)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"future-thing","senderId":"p1","timestamp":1}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("want ErrUnknownType, got %v", err)
	}
	// The envelope is still returned so callers can log what they dropped.
	if msg.Type != "future-thing" {
		t.Fatalf("envelope not returned: %+v", msg)
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	msg := Message{Type: TypeChat, SenderID: "p1"}
	var chat Chat
	if err := msg.DecodePayload(&chat); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed for empty payload, got %v", err)
	}
}

func TestKnown(t *testing.T) {
	for _, typ := range []Type{
		TypeConnectionRequest, TypeConnectionAccept, TypeGameStateSync,
		TypePlayerAction, TypeChat, TypeEmote, TypeError,
	} {
		if !Known(typ) {
			t.Errorf("%s should be known", typ)
		}
	}
	if Known("nope") {
		t.Error("unknown type reported known")
	}
}
