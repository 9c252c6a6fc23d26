package store

import (
	"fmt"

	"github.com/kazimsarikaya/linkcore/internal/model"
	bolt "go.etcd.io/bbolt"
)

// GetOrCreateModule looks up a module by its unique name, creating one (and
// allocating its id from the modules sequence) if absent. A module is born
// on first use and is never renamed or deleted by the core, per spec.md §3.
func (s *Store) GetOrCreateModule(name string) (*model.Module, error) {
	var mod *model.Module

	err := s.db.Update(func(tx *bolt.Tx) error {
		m, err := GetOrCreateModuleTx(tx, name)
		if err != nil {
			return err
		}

		mod = m

		return nil
	})
	if err != nil {
		return nil, err
	}

	return mod, nil
}

// GetOrCreateModuleTx is GetOrCreateModule's transaction-scoped form, so a
// caller that needs to get-or-create a module and then insert implementation
// rows against it (internal/ingest's whole-file ingest) can do both inside
// one write transaction instead of two.
func GetOrCreateModuleTx(tx *bolt.Tx, name string) (*model.Module, error) {
	byName := tx.Bucket(bucketModulesByName)

	if existing := byName.Get([]byte(name)); existing != nil {
		row := tx.Bucket(bucketModules).Get(existing)
		if row == nil {
			return nil, fmt.Errorf("modules: name index points at missing id for %q", name)
		}

		return decodeModule(row)
	}

	modules := tx.Bucket(bucketModules)

	id, err := modules.NextSequence()
	if err != nil {
		return nil, fmt.Errorf("allocate module id: %w", err)
	}

	m := &model.Module{ID: id, Name: name}

	if err := modules.Put(idKey(id), encodeModule(m)); err != nil {
		return nil, fmt.Errorf("insert module: %w", err)
	}

	if err := byName.Put([]byte(name), idKey(id)); err != nil {
		return nil, fmt.Errorf("index module by name: %w", err)
	}

	return m, nil
}

// ModuleByName returns the module with the given name, or ErrNotFound.
func (s *Store) ModuleByName(name string) (*model.Module, error) {
	var mod *model.Module

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketModulesByName).Get([]byte(name))
		if id == nil {
			return ErrNotFound
		}

		row := tx.Bucket(bucketModules).Get(id)
		if row == nil {
			return ErrNotFound
		}

		m, err := decodeModule(row)
		if err != nil {
			return err
		}

		mod = m

		return nil
	})
	if err != nil {
		return nil, err
	}

	return mod, nil
}

// ModuleByID returns the module with the given id, or ErrNotFound.
func (s *Store) ModuleByID(id uint64) (*model.Module, error) {
	var mod *model.Module

	err := s.db.View(func(tx *bolt.Tx) error {
		row := tx.Bucket(bucketModules).Get(idKey(id))
		if row == nil {
			return ErrNotFound
		}

		m, err := decodeModule(row)
		if err != nil {
			return err
		}

		mod = m

		return nil
	})
	if err != nil {
		return nil, err
	}

	return mod, nil
}
