// Package ids generates random 64-bit identifiers used for run ids and
// rotated log file name suffixes.
package ids

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// New returns a fresh random 64-bit id, folded from a UUIDv4.
func New() uint64 {
	u := uuid.New()
	return binary.LittleEndian.Uint64(u[:8])
}
