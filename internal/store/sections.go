package store

import (
	"fmt"
	"sort"

	"github.com/kazimsarikaya/linkcore/internal/model"
	bolt "go.etcd.io/bbolt"
)

// InsertSection allocates a section id and stores the row plus its
// secondary indexes (by implementation, by name, by module).
func (s *Store) InsertSection(sec *model.Section) (uint64, error) {
	var id uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		newID, err := InsertSectionTx(tx, sec)
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

// InsertSectionTx is InsertSection's transaction-scoped form, used by
// internal/ingest to insert a whole object file's sections inside the same
// transaction as the implementation they belong to.
func InsertSectionTx(tx *bolt.Tx, sec *model.Section) (uint64, error) {
	bucket := tx.Bucket(bucketSections)

	id, err := bucket.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("allocate section id: %w", err)
	}

	sec.ID = id

	if err := bucket.Put(idKey(id), encodeSection(sec)); err != nil {
		return 0, fmt.Errorf("insert section: %w", err)
	}

	if err := indexAdd(tx, bucketSectionsByImpl, idKey(sec.ImplementationID), id); err != nil {
		return 0, fmt.Errorf("index section by implementation: %w", err)
	}

	if err := indexAdd(tx, bucketSectionsByName, []byte(sec.Name), id); err != nil {
		return 0, fmt.Errorf("index section by name: %w", err)
	}

	if err := indexAdd(tx, bucketSectionsByMod, idKey(sec.ModuleID), id); err != nil {
		return 0, fmt.Errorf("index section by module: %w", err)
	}

	return id, nil
}

// SectionByID returns the section with the given id, or ErrNotFound.
func (s *Store) SectionByID(id uint64) (*model.Section, error) {
	var sec *model.Section

	err := s.db.View(func(tx *bolt.Tx) error {
		row := tx.Bucket(bucketSections).Get(idKey(id))
		if row == nil {
			return ErrNotFound
		}

		v, err := decodeSection(row)
		if err != nil {
			return err
		}

		sec = v

		return nil
	})
	if err != nil {
		return nil, err
	}

	return sec, nil
}

// SectionsByImplementation returns every section belonging to the given
// implementation, in ascending id (i.e. ingestion) order.
func (s *Store) SectionsByImplementation(implID uint64) ([]*model.Section, error) {
	return s.sectionsByIndex(bucketSectionsByImpl, idKey(implID))
}

// SectionsByModule returns every section belonging to the given module,
// across all of its implementations, in ascending id order.
func (s *Store) SectionsByModule(moduleID uint64) ([]*model.Section, error) {
	return s.sectionsByIndex(bucketSectionsByMod, idKey(moduleID))
}

func (s *Store) sectionsByIndex(index []byte, key []byte) ([]*model.Section, error) {
	var sections []*model.Section

	err := s.db.View(func(tx *bolt.Tx) error {
		ids := indexList(tx, index, key)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			row := tx.Bucket(bucketSections).Get(idKey(id))
			if row == nil {
				continue
			}

			sec, err := decodeSection(row)
			if err != nil {
				return err
			}

			sections = append(sections, sec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return sections, nil
}

func deleteSectionTx(tx *bolt.Tx, sectionID uint64) error {
	row := tx.Bucket(bucketSections).Get(idKey(sectionID))
	if row == nil {
		return nil
	}

	sec, err := decodeSection(row)
	if err != nil {
		return err
	}

	symbolIDs := indexList(tx, bucketSymbolsBySect, idKey(sectionID))
	for _, symID := range symbolIDs {
		if err := deleteSymbolTx(tx, symID); err != nil {
			return fmt.Errorf("cascade delete symbol %d: %w", symID, err)
		}
	}

	relocIDs := indexList(tx, bucketRelocBySection, idKey(sectionID))
	for _, relID := range relocIDs {
		if err := deleteRelocationTx(tx, relID); err != nil {
			return fmt.Errorf("cascade delete relocation %d: %w", relID, err)
		}
	}

	if err := indexRemove(tx, bucketSectionsByImpl, idKey(sec.ImplementationID), sectionID); err != nil {
		return err
	}

	if err := indexRemove(tx, bucketSectionsByName, []byte(sec.Name), sectionID); err != nil {
		return err
	}

	if err := indexRemove(tx, bucketSectionsByMod, idKey(sec.ModuleID), sectionID); err != nil {
		return err
	}

	return tx.Bucket(bucketSections).Delete(idKey(sectionID))
}
