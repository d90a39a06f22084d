package sessionmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"

	"github.com/cilium/ebpf"
)

// globalsKey is the single index into the globals array map — it has
// exactly one entry (spec §3, "Read-only globals... initialized once").
const globalsKey uint32 = 0

// ErrMapFull is returned by Upsert when the underlying eBPF hash map has
// reached its configured maximum entry count.
var ErrMapFull = errors.New("session map is full")

// EbpfMapOptions configures the pinned eBPF maps backing a Map.
type EbpfMapOptions struct {
	// PinPath is the bpffs directory the maps are pinned under, so a
	// separately loaded XDP program can attach to the same maps by name.
	PinPath string
	// MaxEntries bounds the session hash map's size. The data plane
	// treats map-full as equivalent to a miss (spec §3).
	MaxEntries uint32
}

// ebpfMap backs the Session Map with a real pinned eBPF hash map, per
// SPEC_FULL.md §10.1. It does not load or attach an XDP program — that
// remains the Data-Plane Contract's responsibility, out of scope here.
type ebpfMap struct {
	sessions *ebpf.Map
	globals  *ebpf.Map
}

// NewEbpfMap creates (or re-opens, if already pinned) the sessions hash
// map and the single-entry globals array map, writes globals once, and
// returns a Map backed by them.
func NewEbpfMap(opts EbpfMapOptions, globals Globals) (Map, error) {
	pinning := ebpf.PinNone
	if opts.PinPath != "" {
		pinning = ebpf.PinByName
	}

	sessions, err := ebpf.NewMapWithOptions(&ebpf.MapSpec{
		Name:       "pinhole_sessions",
		Type:       ebpf.Hash,
		KeySize:    KeySize,
		ValueSize:  ValueSize,
		MaxEntries: opts.MaxEntries,
		Pinning:    pinning,
	}, ebpf.MapOptions{PinPath: opts.PinPath})
	if err != nil {
		return nil, fmt.Errorf("create sessions map: %w", err)
	}

	globalsMap, err := ebpf.NewMapWithOptions(&ebpf.MapSpec{
		Name:       "pinhole_globals",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  ValueSize,
		MaxEntries: 1,
		Pinning:    pinning,
	}, ebpf.MapOptions{PinPath: opts.PinPath})
	if err != nil {
		sessions.Close()
		return nil, fmt.Errorf("create globals map: %w", err)
	}

	m := &ebpfMap{sessions: sessions, globals: globalsMap}
	if err := m.writeGlobals(globals); err != nil {
		m.Close()
		return nil, fmt.Errorf("write globals: %w", err)
	}

	return m, nil
}

func (m *ebpfMap) writeGlobals(g Globals) error {
	var buf [ValueSize]byte
	// Globals share the value-sized slot for convenience: bytes 0..6 hold
	// IP and port (network byte order), bytes 6..8 are padding, and bytes
	// 8..16 hold the lazy timeout (host byte order).
	binary.BigEndian.PutUint32(buf[0:4], g.ControllerIP)
	binary.BigEndian.PutUint16(buf[4:6], g.ControllerPort)
	binary.NativeEndian.PutUint64(buf[8:16], g.LazyUpdateTimeout)
	return m.globals.Put(globalsKey, buf[:])
}

func (m *ebpfMap) Lookup(key Key) (Value, bool, error) {
	rawKey := key.Encode()
	var rawVal [ValueSize]byte
	if err := m.sessions.Lookup(rawKey[:], rawVal[:]); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return Value{}, false, nil
		}
		return Value{}, false, fmt.Errorf("lookup: %w", err)
	}
	v, err := DecodeValue(rawVal[:])
	if err != nil {
		return Value{}, false, err
	}
	return v, true, nil
}

func (m *ebpfMap) Upsert(key Key, value Value) error {
	rawKey := key.Encode()
	rawVal := value.Encode()
	if err := m.sessions.Put(rawKey[:], rawVal[:]); err != nil {
		if errors.Is(err, syscall.E2BIG) {
			return fmt.Errorf("upsert: %w", ErrMapFull)
		}
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

func (m *ebpfMap) Delete(key Key) error {
	rawKey := key.Encode()
	if err := m.sessions.Delete(rawKey[:]); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func (m *ebpfMap) DeleteBatch(keys []Key) error {
	var firstErr error
	for _, k := range keys {
		if err := m.Delete(k); err != nil {
			firstErr = errors.Join(firstErr, err)
		}
	}
	return firstErr
}

// Iterate uses the map's native batch-safe iterator. Per spec §4.1 the
// iterator tolerates concurrent mutation; entries with the wrong size are
// skipped rather than causing Iterate to fail.
func (m *ebpfMap) Iterate(fn func(Entry) error) error {
	var rawKey [KeySize]byte
	var rawVal [ValueSize]byte
	it := m.sessions.Iterate()
	for it.Next(&rawKey, &rawVal) {
		k, err := DecodeKey(rawKey[:])
		if err != nil {
			continue
		}
		v, err := DecodeValue(rawVal[:])
		if err != nil {
			continue
		}
		if err := fn(Entry{Key: k, Value: v}); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("iterate: %w", err)
	}
	return nil
}

func (m *ebpfMap) Close() error {
	var firstErr error
	if m.sessions != nil {
		if err := m.sessions.Close(); err != nil {
			firstErr = errors.Join(firstErr, err)
		}
	}
	if m.globals != nil {
		if err := m.globals.Close(); err != nil {
			firstErr = errors.Join(firstErr, err)
		}
	}
	return firstErr
}
