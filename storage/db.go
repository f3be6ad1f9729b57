package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	gethleveldb "github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Database is a generic interface for a key-value store.
// This allows the ledger to use any database backend (in-memory or persistent)
// while sharing a single trie database for state.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	TrieDB() *triedb.Database
	Close() // A way to gracefully shut down the database connection.
}

// kvDatabase adapts a go-ethereum key-value store to the Database interface.
type kvDatabase struct {
	disk   ethdb.Database
	trieDB *triedb.Database

	closeOnce sync.Once
}

func newKVDatabase(kv ethdb.KeyValueStore) *kvDatabase {
	disk := rawdb.NewDatabase(kv)
	return &kvDatabase{
		disk:   disk,
		trieDB: triedb.NewDatabase(disk, triedb.HashDefaults),
	}
}

func (db *kvDatabase) Put(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("storage: empty key")
	}
	return db.disk.Put(key, value)
}

func (db *kvDatabase) Get(key []byte) ([]byte, error) {
	ok, err := db.disk.Has(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return db.disk.Get(key)
}

func (db *kvDatabase) Has(key []byte) (bool, error) {
	return db.disk.Has(key)
}

func (db *kvDatabase) Delete(key []byte) error {
	return db.disk.Delete(key)
}

// TrieDB exposes the trie database layered over the key-value store.
func (db *kvDatabase) TrieDB() *triedb.Database {
	return db.trieDB
}

func (db *kvDatabase) Close() {
	db.closeOnce.Do(func() {
		_ = db.disk.Close()
	})
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	*kvDatabase
}

func NewMemDB() *MemDB {
	return &MemDB{kvDatabase: newKVDatabase(memorydb.New())}
}

// --- Persistent DB ---

// LevelDBOptions tunes the LevelDB backend. Zero values select defaults.
type LevelDBOptions struct {
	CacheMiB int
	Handles  int
}

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	*kvDatabase
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	return NewLevelDBWithOptions(path, LevelDBOptions{})
}

// NewLevelDBWithOptions opens a LevelDB database with explicit cache sizing.
func NewLevelDBWithOptions(path string, opts LevelDBOptions) (*LevelDB, error) {
	cache := opts.CacheMiB
	if cache <= 0 {
		cache = 16
	}
	handles := opts.Handles
	if handles <= 0 {
		handles = 64
	}
	kv, err := gethleveldb.NewCustom(path, "htlc/db/", func(o *opt.Options) {
		o.OpenFilesCacheCapacity = handles
		o.BlockCacheCapacity = cache / 2 * opt.MiB
		o.WriteBuffer = cache / 4 * opt.MiB
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDB{kvDatabase: newKVDatabase(kv)}, nil
}
