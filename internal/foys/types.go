// Package foys wraps the Foys tournament API used by the KNRB federation.
// Payloads are kept as raw JSON; only the identifiers and names needed to
// drive the pipeline are extracted.
package foys

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Season is a top-level partition of the dataset, immutable once fetched.
type Season struct {
	ID       uuid.UUID
	RemoteID string
	Name     string
	Raw      json.RawMessage
}

// Tournament is the scannable unit within a season.
type Tournament struct {
	ID       uuid.UUID
	RemoteID string
	SeasonID uuid.UUID
	Name     string
	Raw      json.RawMessage
}

// Match is produced by expanding a tournament; its raw payload embeds the
// races it contains.
type Match struct {
	ID    uuid.UUID
	Raw   json.RawMessage
	Races []Race
}

// Race belongs to a match; its payload carries the inline person references
// of every crew.
type Race struct {
	ID  uuid.UUID
	Raw json.RawMessage
}

// PersonRef is an inline person reference discovered in a race payload.
// The same person appears in every race they rowed; references are
// deduplicated downstream.
type PersonRef struct {
	ID       uuid.UUID
	RemoteID string
	Raw      json.RawMessage
}

// ParseID converts a remote identifier into a uuid.UUID. The API mixes UUID
// strings and integer IDs; integers map onto the big-endian 128-bit UUID
// value so every tool in the system derives the same key for the same input.
func ParseID(value any) (uuid.UUID, error) {
	switch v := value.(type) {
	case nil:
		return uuid.Nil, fmt.Errorf("id is missing")
	case string:
		if id, err := uuid.Parse(v); err == nil {
			return id, nil
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return uuid.Nil, fmt.Errorf("unparseable id %q", v)
		}
		return uuidFromUint(n), nil
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return uuid.Nil, fmt.Errorf("non-integral numeric id %v", v)
		}
		return uuidFromUint(uint64(v)), nil
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		if err != nil {
			return uuid.Nil, fmt.Errorf("unparseable numeric id %q", v.String())
		}
		return uuidFromUint(n), nil
	case int:
		if v < 0 {
			return uuid.Nil, fmt.Errorf("negative id %d", v)
		}
		return uuidFromUint(uint64(v)), nil
	case int64:
		if v < 0 {
			return uuid.Nil, fmt.Errorf("negative id %d", v)
		}
		return uuidFromUint(uint64(v)), nil
	default:
		return uuid.Nil, fmt.Errorf("unsupported id type %T", value)
	}
}

func uuidFromUint(n uint64) uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[8:], n)
	return id
}
