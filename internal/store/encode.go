package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kazimsarikaya/linkcore/internal/model"
)

// Row encoding is hand-rolled rather than built on struc: unlike the fixed
// hardware-facing layouts in internal/flatimage and internal/efipe (which
// struc owns), these rows mix fixed-width integers with variable-length
// name strings and byte blobs, which struc's tag-based sizing handles
// awkwardly. A small length-prefixed encoding keeps this local and obvious.

var errShortBuffer = errors.New("store: buffer too short while decoding row")

func putUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putInt64(buf []byte, v int64) []byte {
	return putUint64(buf, uint64(v))
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putUint64(buf, uint64(len(b)))
	return append(buf, b...)
}

func putString(buf []byte, s string) []byte {
	return putBytes(buf, []byte(s))
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) uint64() (uint64, error) {
	if d.pos+8 > len(d.buf) {
		return 0, errShortBuffer
	}

	v := binary.BigEndian.Uint64(d.buf[d.pos : d.pos+8])
	d.pos += 8

	return v, nil
}

func (d *decoder) int64() (int64, error) {
	v, err := d.uint64()
	return int64(v), err
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.uint64()
	if err != nil {
		return nil, err
	}

	if d.pos+int(n) > len(d.buf) {
		return nil, errShortBuffer
	}

	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)

	return out, nil
}

func (d *decoder) string() (string, error) {
	b, err := d.bytes()
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// idKey encodes an id as an 8-byte big-endian key, which keeps bbolt bucket
// iteration in ascending id order.
func idKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}

func keyToID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}

func encodeModule(m *model.Module) []byte {
	buf := make([]byte, 0, 32)
	buf = putUint64(buf, m.ID)
	buf = putString(buf, m.Name)

	return buf
}

func decodeModule(b []byte) (*model.Module, error) {
	d := &decoder{buf: b}

	id, err := d.uint64()
	if err != nil {
		return nil, fmt.Errorf("decode module id: %w", err)
	}

	name, err := d.string()
	if err != nil {
		return nil, fmt.Errorf("decode module name: %w", err)
	}

	return &model.Module{ID: id, Name: name}, nil
}

func encodeImplementation(impl *model.Implementation) []byte {
	buf := make([]byte, 0, 32)
	buf = putUint64(buf, impl.ID)
	buf = putString(buf, impl.Name)

	return buf
}

func decodeImplementation(b []byte) (*model.Implementation, error) {
	d := &decoder{buf: b}

	id, err := d.uint64()
	if err != nil {
		return nil, fmt.Errorf("decode implementation id: %w", err)
	}

	name, err := d.string()
	if err != nil {
		return nil, fmt.Errorf("decode implementation name: %w", err)
	}

	return &model.Implementation{ID: id, Name: name}, nil
}

func encodeSection(s *model.Section) []byte {
	buf := make([]byte, 0, 64+len(s.Value))
	buf = putUint64(buf, s.ID)
	buf = putUint64(buf, s.ModuleID)
	buf = putUint64(buf, s.ImplementationID)
	buf = putString(buf, s.Name)
	buf = append(buf, byte(s.Class))
	buf = putUint64(buf, s.Alignment)
	buf = append(buf, byte(s.Type))
	buf = putUint64(buf, s.Size)
	buf = putBytes(buf, s.Value)

	return buf
}

func decodeSection(b []byte) (*model.Section, error) {
	d := &decoder{buf: b}

	s := &model.Section{}

	var err error
	if s.ID, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode section id: %w", err)
	}

	if s.ModuleID, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode section module id: %w", err)
	}

	if s.ImplementationID, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode section implementation id: %w", err)
	}

	if s.Name, err = d.string(); err != nil {
		return nil, fmt.Errorf("decode section name: %w", err)
	}

	if d.pos >= len(d.buf) {
		return nil, errShortBuffer
	}

	s.Class = model.Class(d.buf[d.pos])
	d.pos++

	if s.Alignment, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode section alignment: %w", err)
	}

	if d.pos >= len(d.buf) {
		return nil, errShortBuffer
	}

	s.Type = model.SectionType(d.buf[d.pos])
	d.pos++

	if s.Size, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode section size: %w", err)
	}

	if s.Value, err = d.bytes(); err != nil {
		return nil, fmt.Errorf("decode section value: %w", err)
	}

	if len(s.Value) == 0 {
		s.Value = nil
	}

	return s, nil
}

func encodeSymbol(s *model.Symbol) []byte {
	buf := make([]byte, 0, 64)
	buf = putUint64(buf, s.ID)
	buf = putUint64(buf, s.ImplementationID)
	buf = putUint64(buf, s.SectionID)
	buf = putString(buf, s.Name)
	buf = append(buf, byte(s.Type))
	buf = append(buf, byte(s.Scope))
	buf = putUint64(buf, s.Value)
	buf = putUint64(buf, s.Size)

	return buf
}

func decodeSymbol(b []byte) (*model.Symbol, error) {
	d := &decoder{buf: b}

	s := &model.Symbol{}

	var err error
	if s.ID, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode symbol id: %w", err)
	}

	if s.ImplementationID, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode symbol implementation id: %w", err)
	}

	if s.SectionID, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode symbol section id: %w", err)
	}

	if s.Name, err = d.string(); err != nil {
		return nil, fmt.Errorf("decode symbol name: %w", err)
	}

	if d.pos+2 > len(d.buf) {
		return nil, errShortBuffer
	}

	s.Type = model.SymbolType(d.buf[d.pos])
	d.pos++
	s.Scope = model.Scope(d.buf[d.pos])
	d.pos++

	if s.Value, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode symbol value: %w", err)
	}

	if s.Size, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode symbol size: %w", err)
	}

	return s, nil
}

func encodeRelocation(r *model.Relocation) []byte {
	buf := make([]byte, 0, 64)
	buf = putUint64(buf, r.ID)
	buf = putUint64(buf, r.SectionID)
	buf = putUint64(buf, r.SymbolID)
	buf = putString(buf, r.SymbolName)
	buf = putUint64(buf, r.SymbolSectionID)
	buf = append(buf, byte(r.Type))
	buf = putUint64(buf, r.Offset)
	buf = putInt64(buf, r.Addend)

	return buf
}

func decodeRelocation(b []byte) (*model.Relocation, error) {
	d := &decoder{buf: b}

	r := &model.Relocation{}

	var err error
	if r.ID, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode relocation id: %w", err)
	}

	if r.SectionID, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode relocation section id: %w", err)
	}

	if r.SymbolID, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode relocation symbol id: %w", err)
	}

	if r.SymbolName, err = d.string(); err != nil {
		return nil, fmt.Errorf("decode relocation symbol name: %w", err)
	}

	if r.SymbolSectionID, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode relocation symbol section id: %w", err)
	}

	if d.pos >= len(d.buf) {
		return nil, errShortBuffer
	}

	r.Type = model.RelocationType(d.buf[d.pos])
	d.pos++

	if r.Offset, err = d.uint64(); err != nil {
		return nil, fmt.Errorf("decode relocation offset: %w", err)
	}

	if r.Addend, err = d.int64(); err != nil {
		return nil, fmt.Errorf("decode relocation addend: %w", err)
	}

	return r, nil
}
