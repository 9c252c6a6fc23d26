// Package store implements the metadata schema & store from spec.md §4.1:
// durable keyed tables for modules, implementations, sections, symbols and
// relocations, with id sequences and secondary indexes, backed by bbolt.
//
// bbolt buckets map directly onto the spec's tables; Bucket.NextSequence()
// gives the monotonic id sequences, and nested "index" buckets (keyed by
// the indexed value, holding a set of member ids) give the secondary
// indexes. The contract bbolt gives us — a single writer transaction sees
// either all of its writes or none — is exactly the consistency spec.md
// §4.1/§5 ask for. Every exported Insert*/GetOrCreate*/BeginImplementation
// method runs its own single-call transaction, but each also has a
// "…Tx(tx *bolt.Tx, ...)" counterpart that takes an already-open
// transaction; internal/ingest uses Update plus those Tx functions to fold
// an entire object file's replace-plus-insert into one transaction.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/kazimsarikaya/linkcore/internal/model"
	bolt "go.etcd.io/bbolt"
)

// Bucket names for the primary tables and their sequences.
var (
	bucketModules         = []byte("modules")
	bucketModulesByName   = []byte("idx_modules_by_name")
	bucketImplementations = []byte("implementations")
	bucketImplByName      = []byte("idx_implementations_by_name")
	bucketSections        = []byte("sections")
	bucketSectionsByImpl  = []byte("idx_sections_by_implementation")
	bucketSectionsByName  = []byte("idx_sections_by_name")
	bucketSectionsByMod   = []byte("idx_sections_by_module")
	bucketSymbols         = []byte("symbols")
	bucketSymbolsByImpl   = []byte("idx_symbols_by_implementation")
	bucketSymbolsBySect   = []byte("idx_symbols_by_section")
	bucketSymbolsByName   = []byte("idx_symbols_by_name")
	bucketRelocations     = []byte("relocations")
	bucketRelocBySection  = []byte("idx_relocations_by_section")
	bucketRelocBySymName  = []byte("idx_relocations_by_symbol_name")
	bucketRelocBySymSect  = []byte("idx_relocations_by_symbol_section")
	bucketConfig          = []byte("config")
)

var allBuckets = [][]byte{
	bucketModules, bucketModulesByName,
	bucketImplementations, bucketImplByName,
	bucketSections, bucketSectionsByImpl, bucketSectionsByName, bucketSectionsByMod,
	bucketSymbols, bucketSymbolsByImpl, bucketSymbolsBySect, bucketSymbolsByName,
	bucketRelocations, bucketRelocBySection, bucketRelocBySymName, bucketRelocBySymSect,
	bucketConfig,
}

// ErrNotFound is returned when a primary-key lookup finds no row.
var ErrNotFound = errors.New("store: not found")

// Store is the durable metadata store. A Store is safe to share across
// ingests (bbolt serializes writers internally), but the core only ever
// runs one ingest at a time per spec.md §5.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures every
// table/index bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}

		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}

	return nil
}

// Update runs fn inside a single bbolt write transaction, for callers (such
// as internal/ingest) that need to span several of this package's Tx
// functions with one atomic unit of work.
func (s *Store) Update(fn func(tx *bolt.Tx) error) error {
	return s.db.Update(fn)
}

// --- generic set-index helpers -------------------------------------------------

func indexAdd(tx *bolt.Tx, index []byte, key []byte, memberID uint64) error {
	idx := tx.Bucket(index)

	sub, err := idx.CreateBucketIfNotExists(key)
	if err != nil {
		return fmt.Errorf("create index sub-bucket: %w", err)
	}

	return sub.Put(idKey(memberID), []byte{1})
}

func indexRemove(tx *bolt.Tx, index []byte, key []byte, memberID uint64) error {
	idx := tx.Bucket(index)

	sub := idx.Bucket(key)
	if sub == nil {
		return nil
	}

	return sub.Delete(idKey(memberID))
}

func indexList(tx *bolt.Tx, index []byte, key []byte) []uint64 {
	idx := tx.Bucket(index)

	sub := idx.Bucket(key)
	if sub == nil {
		return nil
	}

	var ids []uint64

	_ = sub.ForEach(func(k, _ []byte) error {
		ids = append(ids, keyToID(k))
		return nil
	})

	return ids
}
