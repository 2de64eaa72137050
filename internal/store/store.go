package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mmcdole/shelvd/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	bucketDocuments = []byte("documents")
	bucketImages    = []byte("images")
	bucketPositions = []byte("positions")
	bucketProgress  = []byte("progress") // Server side, used by progressd
)

var allBuckets = [][]byte{bucketDocuments, bucketImages, bucketPositions, bucketProgress}

// blobBuckets count towards the quota
var blobBuckets = [][]byte{bucketDocuments, bucketImages}

// DB is the local database behind every cache table.
// With an empty directory it runs memory-only with the same semantics.
type DB struct {
	db *bolt.DB

	mu  sync.RWMutex // Guards mem and serializes memory-only writes
	mem map[string]map[string][]byte

	closed atomic.Bool
	locks  keyLocks

	now      func() time.Time
	quota    int64
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// Option configures a DB.
type Option func(*DB)

// WithClock sets the time source used for StoredAt.
func WithClock(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// WithQuota limits the total stored size of all blob tables in bytes.
// Zero disables the limit.
func WithQuota(bytes int64) Option {
	return func(d *DB) {
		d.quota = bytes
	}
}

// WithCompression enables zstd compression of payloads that shrink.
func WithCompression(enabled bool) Option {
	return func(d *DB) {
		d.compress = enabled
	}
}

// Open opens (or creates) shelvd.db under dir.
func Open(dir string, opts ...Option) (*DB, error) {
	d := &DB{now: time.Now}
	for _, opt := range opts {
		opt(d)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	d.enc, d.dec = enc, dec

	if dir == "" {
		// Memory-only mode (no persistence)
		d.mem = make(map[string]map[string][]byte)
		for _, b := range allBuckets {
			d.mem[string(b)] = make(map[string][]byte)
		}
		return d, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, "shelvd.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w: %w", domain.ErrStoreUnavailable, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	d.db = db
	return d, nil
}

// Close releases the database. Further operations fail with ErrStoreUnavailable.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.enc.Close()
	d.dec.Close()
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Documents returns the table of cached document binaries.
func (d *DB) Documents() *BlobStore {
	return &BlobStore{db: d, bucket: bucketDocuments}
}

// Images returns the table of cached images.
func (d *DB) Images() *BlobStore {
	return &BlobStore{db: d, bucket: bucketImages}
}

// Tokens returns the same-device position token store.
func (d *DB) Tokens() *TokenStore {
	return &TokenStore{db: d}
}

// === Transactions ===

// bucket is the subset of *bolt.Bucket the tables use; memBucket mirrors it.
type bucket interface {
	Get(key []byte) []byte
	Put(key, value []byte) error
	Delete(key []byte) error
	ForEach(fn func(k, v []byte) error) error
}

type txn interface {
	Bucket(name []byte) bucket
}

type boltTxn struct{ tx *bolt.Tx }

func (t boltTxn) Bucket(name []byte) bucket {
	if b := t.tx.Bucket(name); b != nil {
		return b
	}
	return nil
}

type memTxn struct{ mem map[string]map[string][]byte }

func (t memTxn) Bucket(name []byte) bucket { return memBucket(t.mem[string(name)]) }

type memBucket map[string][]byte

func (b memBucket) Get(key []byte) []byte { return b[string(key)] }

func (b memBucket) Put(key, value []byte) error {
	b[string(key)] = append([]byte(nil), value...)
	return nil
}

func (b memBucket) Delete(key []byte) error {
	delete(b, string(key))
	return nil
}

// ForEach visits keys in order, like bolt
func (b memBucket) ForEach(fn func(k, v []byte) error) error {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), b[k]); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) view(fn func(txn) error) error {
	if d.closed.Load() {
		return domain.ErrStoreUnavailable
	}
	if d.db == nil {
		d.mu.RLock()
		defer d.mu.RUnlock()
		return fn(memTxn{d.mem})
	}
	return mapBoltErr(d.db.View(func(tx *bolt.Tx) error {
		return fn(boltTxn{tx})
	}))
}

func (d *DB) update(fn func(txn) error) error {
	if d.closed.Load() {
		return domain.ErrStoreUnavailable
	}
	if d.db == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		return fn(memTxn{d.mem})
	}
	return mapBoltErr(d.db.Update(func(tx *bolt.Tx) error {
		return fn(boltTxn{tx})
	}))
}

func mapBoltErr(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrDatabaseReadOnly) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return err
}

// usedBytes returns the stored size of every blob table, minus the entry at skip
func usedBytes(tx txn, skipBucket []byte, skip []byte) int64 {
	var used int64
	for _, name := range blobBuckets {
		b := tx.Bucket(name)
		if b == nil {
			continue
		}
		b.ForEach(func(k, v []byte) error {
			if string(name) == string(skipBucket) && string(k) == string(skip) {
				return nil
			}
			used += int64(len(v))
			return nil
		})
	}
	return used
}

// === Key locks ===

// keyLocks serializes operations on the same key across goroutines.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (l *keyLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*keyLock)
	}
	kl, ok := l.m[key]
	if !ok {
		kl = &keyLock{}
		l.m[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.Lock()
	return func() {
		kl.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}
