package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name    string
		id      string
		typ     Type
		payload []byte
	}{
		{"DISCONNECT with no payload", "abc123", TypeDisconnect, nil},
		{"DATA with small payload", "ZZZZZZ", TypeData, []byte("hello world")},
		{"DATA with empty payload", "aB3_-x", TypeData, []byte{}},
		{"DATA with large payload (64KB)", "111111", TypeData, make([]byte, 64*1024)},
		{"PING with 8-byte sequence token", ReservedPingID, TypePing, make([]byte, 8)},
		{"PONG echoes the token", ReservedPingID, TypePong, []byte{1, 2, 3, 4, 5, 6, 7, 8}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := Encode(tc.id, tc.typ, tc.payload)

			wantLen := HeaderSize + len(tc.payload)
			if len(encoded) != wantLen {
				t.Fatalf("encoded length = %d, want %d", len(encoded), wantLen)
			}
			if encoded[IDLen] != 0x00 {
				t.Fatalf("byte at offset %d = %#x, want NUL", IDLen, encoded[IDLen])
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.ID != tc.id {
				t.Errorf("ID mismatch: got %q, want %q", decoded.ID, tc.id)
			}
			if decoded.Type != tc.typ {
				t.Errorf("Type mismatch: got %v, want %v", decoded.Type, tc.typ)
			}
			if !bytes.Equal(decoded.Payload, tc.payload) {
				t.Errorf("Payload mismatch: got %v, want %v", decoded.Payload, tc.payload)
			}
		})
	}
}

func TestDecodeTooShort(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"1 byte", []byte{0x01}},
		{"10 bytes (one less than HeaderSize)", make([]byte, 10)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodeExactHeaderSize(t *testing.T) {
	encoded := Encode("abcdef", TypeDisconnect, nil)
	if len(encoded) != HeaderSize {
		t.Fatalf("expected encoded size %d, got %d", HeaderSize, len(encoded))
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.ID != "abcdef" || decoded.Type != TypeDisconnect || len(decoded.Payload) != 0 {
		t.Errorf("decoded packet mismatch: %+v", decoded)
	}
}

func TestDecodeIgnoresNULByte(t *testing.T) {
	raw := make([]byte, HeaderSize)
	copy(raw, "abcdef")
	raw[6] = 0xFF // not actually NUL — must still be ignored, not validated
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.ID != "abcdef" {
		t.Errorf("ID mismatch: got %q", decoded.ID)
	}
}

func TestDecodePreservesPayload(t *testing.T) {
	encoded := Encode("abcdef", TypeData, []byte("original"))

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	// Mutate the encoded buffer after decoding; the decoded payload must
	// not alias it.
	encoded[HeaderSize] = 0xFF

	if !bytes.Equal(decoded.Payload, []byte("original")) {
		t.Errorf("payload was incorrectly aliased: got %v", decoded.Payload)
	}
}

func TestEncodePanicsOnBadIDLength(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for wrong-length id")
		}
	}()
	Encode("short", TypeData, nil)
}

func TestTypeStringUnknown(t *testing.T) {
	if got := Type(99).String(); got != "UNKNOWN" {
		t.Errorf("Type(99).String() = %q, want UNKNOWN", got)
	}
}
