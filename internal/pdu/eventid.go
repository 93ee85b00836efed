package pdu

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrEmptyEventID is returned when decoding an empty identifier.
var ErrEmptyEventID = errors.New("empty event id")

// EncodeEventID joins a pdu id and its origin into an opaque event id.
// Format: "{pdu_id}@{origin}".
func EncodeEventID(pduID, origin string) string {
	return pduID + "@" + origin
}

// DecodeEventID splits an event id on its last "@", so pdu ids may contain
// "@" but origins may not. Identifiers with no origin part belong to
// localServer.
func DecodeEventID(eventID, localServer string) (Ref, error) {
	if eventID == "" {
		return Ref{}, ErrEmptyEventID
	}
	i := strings.LastIndexByte(eventID, '@')
	if i < 0 || i == len(eventID)-1 {
		return Ref{PDUID: strings.TrimSuffix(eventID, "@"), Origin: localServer}, nil
	}
	return Ref{PDUID: eventID[:i], Origin: eventID[i+1:]}, nil
}

// IDGenerator mints pdu ids for locally created events.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator mints time-sortable UUIDv7 pdu ids.
//
// Thread-safety: stateless, safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7. Panics if the random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
