// Package sessionmap implements the Session Map: the shared key-addressed
// table of active pin-holes that the in-kernel classifier consults per
// packet and that user-space mutates in response to controller RPCs.
package sessionmap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// KeySize is the byte size of a Key: dest_ip[4] | src_ip[4] | dest_port[2].
const KeySize = 10

// ValueSize is the byte size of a Value: created_at_ns[8] | last_seen_ns[8].
const ValueSize = 16

// ErrMalformedEntry indicates a raw key or value was the wrong size to be
// interpreted as a Key or Value.
var ErrMalformedEntry = errors.New("malformed session map entry")

// Key is the immutable lookup tuple for a pin-hole. DestIP and SrcIP are
// IPv4 addresses, DestPort a TCP/UDP port, all logically network byte
// order once encoded — see Encode.
type Key struct {
	DestIP   uint32
	SrcIP    uint32
	DestPort uint16
}

// Value is the per-entry timestamp pair. Both fields are CLOCK_MONOTONIC
// nanosecond readings from the Clock Source, host byte order once encoded.
type Value struct {
	CreatedAtNS uint64
	LastSeenNS  uint64
}

// Encode renders k as the 10-byte network-byte-order wire layout shared
// with the data plane: dest_ip[4] | src_ip[4] | dest_port[2].
func (k Key) Encode() [KeySize]byte {
	var buf [KeySize]byte
	binary.BigEndian.PutUint32(buf[0:4], k.DestIP)
	binary.BigEndian.PutUint32(buf[4:8], k.SrcIP)
	binary.BigEndian.PutUint16(buf[8:10], k.DestPort)
	return buf
}

// DecodeKey parses a raw byte slice into a Key. The caller must validate
// the slice length before interpretation; a mis-sized slice returns
// ErrMalformedEntry rather than panicking.
func DecodeKey(raw []byte) (Key, error) {
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("key length %d, want %d: %w", len(raw), KeySize, ErrMalformedEntry)
	}
	return Key{
		DestIP:   binary.BigEndian.Uint32(raw[0:4]),
		SrcIP:    binary.BigEndian.Uint32(raw[4:8]),
		DestPort: binary.BigEndian.Uint16(raw[8:10]),
	}, nil
}

// Encode renders v as the 16-byte host-byte-order wire layout shared with
// the data plane: created_at_ns[8] | last_seen_ns[8].
func (v Value) Encode() [ValueSize]byte {
	var buf [ValueSize]byte
	binary.NativeEndian.PutUint64(buf[0:8], v.CreatedAtNS)
	binary.NativeEndian.PutUint64(buf[8:16], v.LastSeenNS)
	return buf
}

// DecodeValue parses a raw byte slice into a Value. The caller must
// validate the slice length before interpretation.
func DecodeValue(raw []byte) (Value, error) {
	if len(raw) != ValueSize {
		return Value{}, fmt.Errorf("value length %d, want %d: %w", len(raw), ValueSize, ErrMalformedEntry)
	}
	return Value{
		CreatedAtNS: binary.NativeEndian.Uint64(raw[0:8]),
		LastSeenNS:  binary.NativeEndian.Uint64(raw[8:16]),
	}, nil
}

// Entry pairs a decoded Key and Value, returned by iteration.
type Entry struct {
	Key   Key
	Value Value
}

// Globals holds the three read-only fields the data plane reads once
// before it begins processing packets.
type Globals struct {
	ControllerIP       uint32
	ControllerPort     uint16
	LazyUpdateTimeout  uint64
}

// Map is the Session Map's public contract (spec §4.1). All methods must
// be safe to call concurrently from multiple user-space goroutines; the
// data plane reads and in-place updates LastSeenNS from outside this
// interface's control.
type Map interface {
	// Lookup returns the value for key, or ok=false if absent.
	Lookup(key Key) (value Value, ok bool, err error)

	// Upsert inserts key with value, or overwrites an existing entry.
	Upsert(key Key, value Value) error

	// Delete removes key. Absence is not an error.
	Delete(key Key) error

	// DeleteBatch removes every key in keys. Absence of any individual key
	// is not an error.
	DeleteBatch(keys []Key) error

	// Iterate calls fn for every entry currently in the map. fn may be
	// called with stale data if an entry is concurrently mutated; entries
	// added or removed during iteration may or may not be observed.
	// Returning a non-nil error from fn stops iteration and is returned by
	// Iterate.
	Iterate(fn func(Entry) error) error

	// Close releases any resources (file descriptors, pinned map handles)
	// held by the Map.
	Close() error
}
