// Package models defines the domain types shared across ciqueue services.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// chunkMarker is the substring that classifies an executable ID as a chunk.
// Classification lives here and nowhere else.
const chunkMarker = ":chunk_"

// Unit is a single test, the atomic execution target. Immutable after
// construction.
type Unit struct {
	ID             string `json:"id"`
	SourceLocation string `json:"source_location,omitempty"`
}

// ExecutableID implements Executable.
func (u Unit) ExecutableID() string { return u.ID }

// Suite returns the suite name portion of the unit ID.
func (u Unit) Suite() string { return SuiteOf(u.ID) }

// Chunk is a named group of units from one suite, reserved and acknowledged
// as a single ID. Serialized to the store as a single JSON record.
type Chunk struct {
	ID                string   `json:"-"`
	SuiteName         string   `json:"suite_name"`
	EstimatedDuration float64  `json:"estimated_duration"` // ms
	TestIDs           []string `json:"test_ids"`
	TestCount         int      `json:"test_count"`
}

// ExecutableID implements Executable.
func (c Chunk) ExecutableID() string { return c.ID }

// Marshal serializes the chunk record for the store.
func (c Chunk) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Executable is the closed sum of Unit and Chunk. The transport form is a
// plain string ID; IsChunkID is the discriminant.
type Executable interface {
	ExecutableID() string
}

// IsChunkID reports whether an executable ID names a chunk.
func IsChunkID(id string) bool {
	return strings.Contains(id, chunkMarker)
}

// ChunkID builds the ID for the i-th chunk of a suite.
func ChunkID(suite string, index int) string {
	return fmt.Sprintf("%s%s%d", suite, chunkMarker, index)
}

// SuiteOf extracts the suite name from a unit ID: everything before the
// first '#', and if that still carries a nested path, everything before the
// first '::'.
func SuiteOf(id string) string {
	suite := id
	if i := strings.Index(suite, "#"); i >= 0 {
		suite = suite[:i]
	}
	if i := strings.Index(suite, "::"); i >= 0 {
		suite = suite[:i]
	}
	return suite
}

// UnitIndex is the read-only id → Unit lookup built from the caller's input
// list at startup.
type UnitIndex map[string]Unit

// NewUnitIndex builds the index, rejecting duplicate IDs.
func NewUnitIndex(units []Unit) (UnitIndex, error) {
	index := make(UnitIndex, len(units))
	for _, u := range units {
		if u.ID == "" {
			return nil, fmt.Errorf("unit with empty id")
		}
		if _, ok := index[u.ID]; ok {
			return nil, fmt.Errorf("duplicate unit id %q", u.ID)
		}
		index[u.ID] = u
	}
	return index, nil
}

// Hydrate resolves a chunk's member IDs against the index, preserving chunk
// order. Unknown members are an error: the chunk was built from a different
// unit list than this worker loaded.
func (idx UnitIndex) Hydrate(c *Chunk) ([]Unit, error) {
	units := make([]Unit, 0, len(c.TestIDs))
	for _, id := range c.TestIDs {
		u, ok := idx[id]
		if !ok {
			return nil, fmt.Errorf("chunk %s references unknown unit %q", c.ID, id)
		}
		units = append(units, u)
	}
	return units, nil
}
