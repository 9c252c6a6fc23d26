package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Config keys understood by the small config table from spec.md §4.1.
const (
	ConfigEntrypointSymbol = "entrypoint_symbol"
	ConfigDefaultStackSize = "default_stack_size"
	ConfigDefaultProgramBase = "default_program_base"
)

// SetConfig stores an arbitrary blob value under name.
func (s *Store) SetConfig(name string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketConfig).Put([]byte(name), value); err != nil {
			return fmt.Errorf("set config %q: %w", name, err)
		}

		return nil
	})
}

// GetConfig returns the blob value stored under name, or ErrNotFound.
func (s *Store) GetConfig(name string) ([]byte, error) {
	var value []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketConfig).Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}

		value = append([]byte(nil), v...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// SetConfigUint64 stores a uint64 config value, for default_stack_size and
// default_program_base.
func (s *Store) SetConfigUint64(name string, value uint64) error {
	buf := putUint64(nil, value)
	return s.SetConfig(name, buf)
}

// GetConfigUint64 returns a uint64 config value, or ErrNotFound.
func (s *Store) GetConfigUint64(name string) (uint64, error) {
	raw, err := s.GetConfig(name)
	if err != nil {
		return 0, err
	}

	d := &decoder{buf: raw}

	v, err := d.uint64()
	if err != nil {
		return 0, fmt.Errorf("decode config %q: %w", name, err)
	}

	return v, nil
}
