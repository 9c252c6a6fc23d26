package store

import (
	"fmt"
	"sort"

	"github.com/kazimsarikaya/linkcore/internal/model"
	bolt "go.etcd.io/bbolt"
)

// InsertSymbol allocates a symbol id and stores the row plus its secondary
// indexes (by implementation, by section, by name).
func (s *Store) InsertSymbol(sym *model.Symbol) (uint64, error) {
	var id uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		newID, err := InsertSymbolTx(tx, sym)
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

// InsertSymbolTx is InsertSymbol's transaction-scoped form, used by
// internal/ingest to insert a whole object file's symbols inside the same
// transaction as the implementation they belong to.
func InsertSymbolTx(tx *bolt.Tx, sym *model.Symbol) (uint64, error) {
	bucket := tx.Bucket(bucketSymbols)

	id, err := bucket.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("allocate symbol id: %w", err)
	}

	sym.ID = id

	if err := bucket.Put(idKey(id), encodeSymbol(sym)); err != nil {
		return 0, fmt.Errorf("insert symbol: %w", err)
	}

	if err := indexAdd(tx, bucketSymbolsByImpl, idKey(sym.ImplementationID), id); err != nil {
		return 0, fmt.Errorf("index symbol by implementation: %w", err)
	}

	if err := indexAdd(tx, bucketSymbolsBySect, idKey(sym.SectionID), id); err != nil {
		return 0, fmt.Errorf("index symbol by section: %w", err)
	}

	if err := indexAdd(tx, bucketSymbolsByName, []byte(sym.Name), id); err != nil {
		return 0, fmt.Errorf("index symbol by name: %w", err)
	}

	return id, nil
}

// SymbolByID returns the symbol with the given id, or ErrNotFound.
func (s *Store) SymbolByID(id uint64) (*model.Symbol, error) {
	var sym *model.Symbol

	err := s.db.View(func(tx *bolt.Tx) error {
		row := tx.Bucket(bucketSymbols).Get(idKey(id))
		if row == nil {
			return ErrNotFound
		}

		v, err := decodeSymbol(row)
		if err != nil {
			return err
		}

		sym = v

		return nil
	})
	if err != nil {
		return nil, err
	}

	return sym, nil
}

// SymbolsByName returns every symbol defined with the given (possibly
// mangled) name, across all implementations. Zero results means
// unresolved; more than one means ambiguous, per spec.md §4.2 step 7.
func (s *Store) SymbolsByName(name string) ([]*model.Symbol, error) {
	var symbols []*model.Symbol

	err := s.db.View(func(tx *bolt.Tx) error {
		ids := indexList(tx, bucketSymbolsByName, []byte(name))
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			row := tx.Bucket(bucketSymbols).Get(idKey(id))
			if row == nil {
				continue
			}

			sym, err := decodeSymbol(row)
			if err != nil {
				return err
			}

			symbols = append(symbols, sym)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return symbols, nil
}

// SymbolsBySection returns every symbol defined in the given section, in
// ascending id (ingestion) order.
func (s *Store) SymbolsBySection(sectionID uint64) ([]*model.Symbol, error) {
	var symbols []*model.Symbol

	err := s.db.View(func(tx *bolt.Tx) error {
		ids := indexList(tx, bucketSymbolsBySect, idKey(sectionID))
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			row := tx.Bucket(bucketSymbols).Get(idKey(id))
			if row == nil {
				continue
			}

			sym, err := decodeSymbol(row)
			if err != nil {
				return err
			}

			symbols = append(symbols, sym)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return symbols, nil
}

func deleteSymbolTx(tx *bolt.Tx, symbolID uint64) error {
	row := tx.Bucket(bucketSymbols).Get(idKey(symbolID))
	if row == nil {
		return nil
	}

	sym, err := decodeSymbol(row)
	if err != nil {
		return err
	}

	if err := indexRemove(tx, bucketSymbolsByImpl, idKey(sym.ImplementationID), symbolID); err != nil {
		return err
	}

	if err := indexRemove(tx, bucketSymbolsBySect, idKey(sym.SectionID), symbolID); err != nil {
		return err
	}

	if err := indexRemove(tx, bucketSymbolsByName, []byte(sym.Name), symbolID); err != nil {
		return err
	}

	return tx.Bucket(bucketSymbols).Delete(idKey(symbolID))
}
