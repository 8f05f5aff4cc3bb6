// Package callid generates and hashes InternalCallIds: the gateway's own
// per-call identifier, distinct from the SIP Call-ID header.
package callid

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ID is an InternalCallId: opaque, unique per call on this node, generated
// from a random 64-bit integer rendered as a decimal string.
type ID string

// New generates a fresh, random InternalCallId.
func New() ID {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure on a sane OS is effectively impossible; fall
		// back to the id "0" rather than panicking mid-call-setup.
		return ID("0")
	}
	n := binary.BigEndian.Uint64(b[:])
	return ID(strconv.FormatUint(n, 10))
}

// ChannelHash stably hashes the InternalCallId to a 64-bit pub/sub channel
// identifier.
func (id ID) ChannelHash() uint64 {
	return xxhash.Sum64String(string(id))
}

func (id ID) String() string { return string(id) }
