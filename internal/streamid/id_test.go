package streamid

import (
	"strings"
	"testing"

	"github.com/quietbridge/p2ptunnel/internal/protocol"
)

func TestGenerateLengthAndAlphabet(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(id) != protocol.IDLen {
			t.Fatalf("id %q has length %d, want %d", id, len(id), protocol.IDLen)
		}
		for _, c := range id {
			if !strings.ContainsRune(alphabet, c) {
				t.Fatalf("id %q contains character %q outside the alphabet", id, c)
			}
		}
	}
}

func TestGenerateIsVaried(t *testing.T) {
	seen := make(map[string]bool, 200)
	for i := 0; i < 200; i++ {
		id, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		seen[id] = true
	}
	// 200 draws from a 64^6 space should essentially never collide.
	if len(seen) < 195 {
		t.Fatalf("suspiciously low variety: %d unique ids out of 200", len(seen))
	}
}
