// Package wire implements the grid's non-reflective, versioned wire
// codec (spec §9 Design Note "Externalizable serialization" / §4.11).
// Every message exchanged between nodes registers a stable uint16 type
// id and uint8 schema version plus a hand-written encode/decode pair —
// deliberately avoiding encoding/gob or reflection-based marshaling, so
// a node never has to resolve an unknown type at runtime.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Encoder writes a message's fields to buf, returning the extended slice.
type Encoder func(buf []byte, msg interface{}) []byte

// Decoder reads a message's fields out of buf, returning the decoded
// value and the number of bytes consumed.
type Decoder func(buf []byte) (interface{}, int, error)

type typeEntry struct {
	typeID  uint16
	version uint8
	encode  Encoder
	decode  Decoder
}

// Registry maps wire type ids to their codecs. A Registry is built once
// at init time per message family and is safe for concurrent reads
// after construction (Register is not safe to call concurrently with
// Encode/Decode).
type Registry struct {
	byID map[uint16]*typeEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint16]*typeEntry)}
}

// Register binds typeID/version to an encode/decode pair. Registering
// the same typeID twice panics: type ids must be assigned once and
// never reused, since registry collisions are a programmer error found
// at init time, not a runtime condition to recover from.
func (r *Registry) Register(typeID uint16, version uint8, enc Encoder, dec Decoder) {
	if _, exists := r.byID[typeID]; exists {
		panic(fmt.Sprintf("wire: type id %d already registered", typeID))
	}
	r.byID[typeID] = &typeEntry{typeID: typeID, version: version, encode: enc, decode: dec}
}

// Header is the 5-byte preamble written before every encoded message:
// a 2-byte type id, a 1-byte schema version and a 2-byte payload length.
const headerLen = 5

// Encode writes typeID's header followed by msg's encoded body.
func (r *Registry) Encode(typeID uint16, msg interface{}) ([]byte, error) {
	entry, ok := r.byID[typeID]
	if !ok {
		return nil, fmt.Errorf("wire: unregistered type id %d", typeID)
	}

	body := entry.encode(nil, msg)
	if len(body) > 0xFFFF {
		return nil, fmt.Errorf("wire: encoded message too large: %d bytes", len(body))
	}

	buf := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint16(buf[0:2], entry.typeID)
	buf[2] = entry.version
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(body)))
	copy(buf[headerLen:], body)
	return buf, nil
}

// Decode reads one framed message from the front of buf, returning the
// decoded value, its type id, and the number of bytes consumed.
func (r *Registry) Decode(buf []byte) (interface{}, uint16, int, error) {
	if len(buf) < headerLen {
		return nil, 0, 0, fmt.Errorf("wire: short header: %d bytes", len(buf))
	}

	typeID := binary.BigEndian.Uint16(buf[0:2])
	version := buf[2]
	bodyLen := int(binary.BigEndian.Uint16(buf[3:5]))

	entry, ok := r.byID[typeID]
	if !ok {
		return nil, typeID, 0, fmt.Errorf("wire: unregistered type id %d", typeID)
	}
	if version != entry.version {
		return nil, typeID, 0, fmt.Errorf("wire: type %d schema version mismatch: got %d, want %d", typeID, version, entry.version)
	}
	if len(buf) < headerLen+bodyLen {
		return nil, typeID, 0, fmt.Errorf("wire: short body: want %d bytes, have %d", bodyLen, len(buf)-headerLen)
	}

	body := buf[headerLen : headerLen+bodyLen]
	msg, n, err := entry.decode(body)
	if err != nil {
		return nil, typeID, 0, fmt.Errorf("wire: decode type %d: %w", typeID, err)
	}
	if n != bodyLen {
		return nil, typeID, 0, fmt.Errorf("wire: type %d decoder consumed %d of %d bytes", typeID, n, bodyLen)
	}
	return msg, typeID, headerLen + bodyLen, nil
}

// --- primitive helpers shared by every message's hand-written codec ---

func putUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func getUint32(buf []byte) (uint32, int) {
	return binary.BigEndian.Uint32(buf), 4
}

func putUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func getUint64(buf []byte) (uint64, int) {
	return binary.BigEndian.Uint64(buf), 8
}

func putBytes(buf []byte, v []byte) []byte {
	buf = putUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func getBytes(buf []byte) ([]byte, int) {
	n, off := getUint32(buf)
	end := off + int(n)
	out := append([]byte(nil), buf[off:end]...)
	return out, end
}

func putString(buf []byte, v string) []byte {
	return putBytes(buf, []byte(v))
}

func getString(buf []byte) (string, int) {
	b, n := getBytes(buf)
	return string(b), n
}
