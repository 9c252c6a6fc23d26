package store

import (
	"fmt"

	"github.com/kazimsarikaya/linkcore/internal/model"
	bolt "go.etcd.io/bbolt"
)

// ImplementationByName returns the implementation with the given name, or
// ErrNotFound.
func (s *Store) ImplementationByName(name string) (*model.Implementation, error) {
	var impl *model.Implementation

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketImplByName).Get([]byte(name))
		if id == nil {
			return ErrNotFound
		}

		row := tx.Bucket(bucketImplementations).Get(id)
		if row == nil {
			return ErrNotFound
		}

		i, err := decodeImplementation(row)
		if err != nil {
			return err
		}

		impl = i

		return nil
	})
	if err != nil {
		return nil, err
	}

	return impl, nil
}

// BeginImplementation replaces any existing implementation of this name (its
// sections and, cascading, their symbols and relocations) with a fresh,
// empty implementation record carrying a newly allocated id, all in one
// bbolt write transaction, so a concurrent reader never observes a
// half-replaced implementation. It is one step of the larger ingest
// transaction described by internal/ingest's package doc; callers that also
// need to insert sections/symbols/relocations for this implementation in the
// same transaction should use BeginImplementationTx via Store.Update instead.
func (s *Store) BeginImplementation(name string) (*model.Implementation, error) {
	var impl *model.Implementation

	err := s.db.Update(func(tx *bolt.Tx) error {
		i, err := BeginImplementationTx(tx, name)
		if err != nil {
			return err
		}

		impl = i

		return nil
	})
	if err != nil {
		return nil, err
	}

	return impl, nil
}

// BeginImplementationTx is BeginImplementation's transaction-scoped form.
func BeginImplementationTx(tx *bolt.Tx, name string) (*model.Implementation, error) {
	byName := tx.Bucket(bucketImplByName)

	if existing := byName.Get([]byte(name)); existing != nil {
		oldID := keyToID(existing)

		if err := deleteImplementationTx(tx, oldID); err != nil {
			return nil, fmt.Errorf("replace implementation %q: %w", name, err)
		}
	}

	implBucket := tx.Bucket(bucketImplementations)

	id, err := implBucket.NextSequence()
	if err != nil {
		return nil, fmt.Errorf("allocate implementation id: %w", err)
	}

	i := &model.Implementation{ID: id, Name: name}

	if err := implBucket.Put(idKey(id), encodeImplementation(i)); err != nil {
		return nil, fmt.Errorf("insert implementation: %w", err)
	}

	if err := byName.Put([]byte(name), idKey(id)); err != nil {
		return nil, fmt.Errorf("index implementation by name: %w", err)
	}

	return i, nil
}

// deleteImplementationTx removes an implementation row and cascades the
// deletion to its sections, which in turn cascades to their symbols and
// relocations. Must run inside an existing write transaction.
func deleteImplementationTx(tx *bolt.Tx, implID uint64) error {
	sectionIDs := indexList(tx, bucketSectionsByImpl, idKey(implID))

	for _, sectionID := range sectionIDs {
		if err := deleteSectionTx(tx, sectionID); err != nil {
			return fmt.Errorf("cascade delete section %d: %w", sectionID, err)
		}
	}

	implBucket := tx.Bucket(bucketImplementations)

	row := implBucket.Get(idKey(implID))
	if row != nil {
		impl, err := decodeImplementation(row)
		if err == nil {
			_ = tx.Bucket(bucketImplByName).Delete([]byte(impl.Name))
		}
	}

	if err := implBucket.Delete(idKey(implID)); err != nil {
		return fmt.Errorf("delete implementation row: %w", err)
	}

	return nil
}
