package store

import (
	"fmt"
	"sort"

	"github.com/kazimsarikaya/linkcore/internal/model"
	bolt "go.etcd.io/bbolt"
)

// InsertRelocation allocates a relocation id and stores the row plus its
// secondary indexes (by patched section, by symbol name, by symbol
// section).
func (s *Store) InsertRelocation(rel *model.Relocation) (uint64, error) {
	var id uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		newID, err := InsertRelocationTx(tx, rel)
		if err != nil {
			return err
		}

		id = newID

		return nil
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

// InsertRelocationTx is InsertRelocation's transaction-scoped form, used by
// internal/ingest to insert a whole object file's relocations inside the
// same transaction as the implementation they belong to.
func InsertRelocationTx(tx *bolt.Tx, rel *model.Relocation) (uint64, error) {
	bucket := tx.Bucket(bucketRelocations)

	id, err := bucket.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("allocate relocation id: %w", err)
	}

	rel.ID = id

	if err := bucket.Put(idKey(id), encodeRelocation(rel)); err != nil {
		return 0, fmt.Errorf("insert relocation: %w", err)
	}

	if err := indexAdd(tx, bucketRelocBySection, idKey(rel.SectionID), id); err != nil {
		return 0, fmt.Errorf("index relocation by section: %w", err)
	}

	if err := indexAdd(tx, bucketRelocBySymName, []byte(rel.SymbolName), id); err != nil {
		return 0, fmt.Errorf("index relocation by symbol name: %w", err)
	}

	if rel.SymbolSectionID != 0 {
		if err := indexAdd(tx, bucketRelocBySymSect, idKey(rel.SymbolSectionID), id); err != nil {
			return 0, fmt.Errorf("index relocation by symbol section: %w", err)
		}
	}

	return id, nil
}

// RelocationsBySection returns every relocation that patches the given
// section, in ascending id (ingestion) order.
func (s *Store) RelocationsBySection(sectionID uint64) ([]*model.Relocation, error) {
	var relocations []*model.Relocation

	err := s.db.View(func(tx *bolt.Tx) error {
		ids := indexList(tx, bucketRelocBySection, idKey(sectionID))
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			row := tx.Bucket(bucketRelocations).Get(idKey(id))
			if row == nil {
				continue
			}

			rel, err := decodeRelocation(row)
			if err != nil {
				return err
			}

			relocations = append(relocations, rel)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return relocations, nil
}

// UnresolvedRelocations returns every relocation whose SymbolSectionID is
// still zero (i.e. not yet filled in by ingestion or the fixup pass), for
// the fixup pass in spec.md §4.2 step 7.
func (s *Store) UnresolvedRelocations() ([]*model.Relocation, error) {
	var relocations []*model.Relocation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRelocations).ForEach(func(_, row []byte) error {
			rel, err := decodeRelocation(row)
			if err != nil {
				return err
			}

			if rel.SymbolSectionID == 0 && rel.SymbolName != model.GOTSelfSymbolName {
				relocations = append(relocations, rel)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return relocations, nil
}

// ResolveRelocation writes a relocation's symbol id and symbol section id
// back to the store, as the fixup pass does once it finds a unique
// name match.
func (s *Store) ResolveRelocation(relocationID, symbolID, symbolSectionID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRelocations)

		row := bucket.Get(idKey(relocationID))
		if row == nil {
			return ErrNotFound
		}

		rel, err := decodeRelocation(row)
		if err != nil {
			return err
		}

		rel.SymbolID = symbolID
		rel.SymbolSectionID = symbolSectionID

		if err := bucket.Put(idKey(relocationID), encodeRelocation(rel)); err != nil {
			return fmt.Errorf("update relocation: %w", err)
		}

		if symbolSectionID != 0 {
			if err := indexAdd(tx, bucketRelocBySymSect, idKey(symbolSectionID), relocationID); err != nil {
				return fmt.Errorf("index relocation by symbol section: %w", err)
			}
		}

		return nil
	})
}

func deleteRelocationTx(tx *bolt.Tx, relocationID uint64) error {
	row := tx.Bucket(bucketRelocations).Get(idKey(relocationID))
	if row == nil {
		return nil
	}

	rel, err := decodeRelocation(row)
	if err != nil {
		return err
	}

	if err := indexRemove(tx, bucketRelocBySection, idKey(rel.SectionID), relocationID); err != nil {
		return err
	}

	if err := indexRemove(tx, bucketRelocBySymName, []byte(rel.SymbolName), relocationID); err != nil {
		return err
	}

	if rel.SymbolSectionID != 0 {
		if err := indexRemove(tx, bucketRelocBySymSect, idKey(rel.SymbolSectionID), relocationID); err != nil {
			return err
		}
	}

	return tx.Bucket(bucketRelocations).Delete(idKey(relocationID))
}
