package protocol

import (
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// TestChatRoundTrip tests that any formatted chat line parses back to the
// same sender and body.
func TestChatRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sender := rapid.StringMatching(`[a-zA-Z0-9_ ]{1,32}`).Draw(t, "sender")
		body := rapid.StringMatching(`[^\x00-\x1f]{0,256}`).Draw(t, "body")
		at := time.Unix(rapid.Int64Range(0, 4102444800).Draw(t, "at"), 0).UTC()

		// Bodies carrying control tags are filtered before broadcast, and
		// formatting trims neither end, so normalize like the parser does.
		if ContainsReservedTag(body) || strings.HasPrefix(body, TagEncrypted) {
			t.Skip("reserved tag in body")
		}

		line := FormatChat(at, sender, body)
		if len(line) > MaxFrameSize {
			t.Skip("oversized")
		}

		frame, err := Parse(line)
		if err != nil {
			t.Fatalf("parse of formatted line failed: %v", err)
		}
		if frame.Kind != KindChat {
			t.Fatalf("kind mismatch: got %d, want %d", frame.Kind, KindChat)
		}
		if frame.Sender != sender {
			t.Fatalf("sender mismatch: got %q, want %q", frame.Sender, sender)
		}
		if frame.Body != strings.TrimSpace(body) {
			t.Fatalf("body mismatch: got %q, want %q", frame.Body, body)
		}
		if frame.Timestamp != at.Format("15:04:05") {
			t.Fatalf("timestamp mismatch: got %q, want %q", frame.Timestamp, at.Format("15:04:05"))
		}
	})
}

// TestParseNeverPanics feeds arbitrary bytes through the parser: any input
// must yield a frame or ErrMalformedFrame, never a panic.
func TestParseNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.String().Draw(t, "raw")
		frame, err := Parse(raw)
		if err == nil && frame == nil {
			t.Fatalf("nil frame without error for %q", raw)
		}
	})
}

// TestNamesRoundTripProperty checks the member-list codec for arbitrary
// comma-free names.
func TestNamesRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z0-9_]{1,16}`), 1, 10).Draw(t, "names")

		frame, err := Parse(FormatNames(names))
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		parsed := ParseNames(frame.QueryData)
		if len(parsed) != len(names) {
			t.Fatalf("length mismatch: got %d, want %d", len(parsed), len(names))
		}
		for i := range names {
			if parsed[i] != names[i] {
				t.Fatalf("name %d mismatch: got %q, want %q", i, parsed[i], names[i])
			}
		}
	})
}
