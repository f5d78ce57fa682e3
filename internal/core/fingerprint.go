package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// EventFingerprint derives the stable canonical event id from the
// fields that identify the "same" human-authored meeting across
// providers. Every ingestion of that meeting, from any provider, must
// reproduce the same fingerprint so it is treated as an update rather
// than a duplicate create.
//
// The title is lowercased and has its whitespace collapsed before
// hashing; times are compared as UTC instants.
func EventFingerprint(calendarID, title string, start, end time.Time) string {
	h := sha256.New()
	h.Write([]byte(calendarID))
	h.Write([]byte{0x1f})
	h.Write([]byte(normalizeTitle(title)))
	h.Write([]byte{0x1f})
	h.Write([]byte(start.UTC().Format(time.RFC3339)))
	h.Write([]byte{0x1f})
	h.Write([]byte(end.UTC().Format(time.RFC3339)))
	return "evt-" + hex.EncodeToString(h.Sum(nil)[:16])
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// Fingerprint returns the event's canonical id as derived from its
// identity fields.
func (e Event) Fingerprint() string {
	return EventFingerprint(e.CalendarID, e.Title, e.Start, e.End)
}
