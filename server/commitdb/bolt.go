package commitdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	bolt "go.etcd.io/bbolt"

	"github.com/me-foundation/luckdrop/engine"
)

// schemaVersion is bumped whenever the bucket layout or record encoding
// changes; openSchema runs the one-shot migration at open.
const schemaVersion = 1

var (
	bucketMeta     = []byte("meta")
	bucketCommits  = []byte("commits")
	bucketDigests  = []byte("digests")
	bucketCounters = []byte("counters")

	keySchemaVersion = []byte("schema_version")
	keyLedger        = []byte("ledger")
	keyCosigners     = []byte("cosigners")
)

// BoltDB is the bbolt-backed CommitDB.
type BoltDB struct {
	db *bolt.DB
}

var _ CommitDB = (*BoltDB)(nil)

// NewBoltDB opens (creating if needed) the commit database at path and runs
// the schema migration.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open commit db: %w", err)
	}
	if err := db.Update(openSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDB{db: db}, nil
}

// openSchema creates missing buckets and stamps or checks the schema
// version. Version 0 (a fresh or pre-versioning file) migrates forward by
// bucket creation alone; anything above schemaVersion is refused.
func openSchema(tx *bolt.Tx) error {
	meta, err := tx.CreateBucketIfNotExists(bucketMeta)
	if err != nil {
		return fmt.Errorf("create meta bucket: %w", err)
	}
	for _, name := range [][]byte{bucketCommits, bucketDigests, bucketCounters} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("create bucket %s: %w", name, err)
		}
	}

	var have uint64
	if v := meta.Get(keySchemaVersion); len(v) == 8 {
		have = binary.BigEndian.Uint64(v)
	}
	if have > schemaVersion {
		return fmt.Errorf("%w: have %d, support %d", ErrSchemaTooNew, have, schemaVersion)
	}
	if have < schemaVersion {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], schemaVersion)
		if err := meta.Put(keySchemaVersion, v[:]); err != nil {
			return fmt.Errorf("stamp schema version: %w", err)
		}
	}
	return nil
}

func (b *BoltDB) Close() error { return b.db.Close() }

func itob(id uint64) []byte {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], id)
	return v[:]
}

func putLedger(tx *bolt.Tx, l engine.Ledger) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	return tx.Bucket(bucketMeta).Put(keyLedger, raw)
}

func (b *BoltDB) AppendCommit(_ context.Context, rec *CommitRecord, ledger engine.Ledger) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		commits := tx.Bucket(bucketCommits)
		if commits == nil {
			return ErrMainBucketNotFound
		}
		// Dense, monotonic, never reused: the next id is the current count.
		next := uint64(commits.Stats().KeyN)
		if rec.ID != next {
			return fmt.Errorf("%w: got %d, want %d", ErrIDNotDense, rec.ID, next)
		}

		counters := tx.Bucket(bucketCounters)
		var cur uint64
		if v := counters.Get(rec.Receiver[:]); len(v) == 8 {
			cur = binary.BigEndian.Uint64(v)
		}
		if rec.Counter != cur {
			return fmt.Errorf("receiver counter mismatch: got %d, want %d", rec.Counter, cur)
		}

		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal commit %d: %w", rec.ID, err)
		}
		if err := commits.Put(itob(rec.ID), raw); err != nil {
			return fmt.Errorf("store commit %d: %w", rec.ID, err)
		}
		// Digest index is last-write-wins: a colliding digest repoints to
		// the newer commit.
		if err := tx.Bucket(bucketDigests).Put(rec.Digest, itob(rec.ID)); err != nil {
			return fmt.Errorf("index digest: %w", err)
		}
		if err := counters.Put(rec.Receiver[:], itob(cur+1)); err != nil {
			return fmt.Errorf("bump counter: %w", err)
		}
		return putLedger(tx, ledger)
	})
}

func (b *BoltDB) UpdateCommit(_ context.Context, rec *CommitRecord, ledger engine.Ledger) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		commits := tx.Bucket(bucketCommits)
		if commits == nil {
			return ErrMainBucketNotFound
		}
		if commits.Get(itob(rec.ID)) == nil {
			return ErrCommitNotFound
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal commit %d: %w", rec.ID, err)
		}
		if err := commits.Put(itob(rec.ID), raw); err != nil {
			return fmt.Errorf("store commit %d: %w", rec.ID, err)
		}
		return putLedger(tx, ledger)
	})
}

func (b *BoltDB) Commit(_ context.Context, id uint64) (*CommitRecord, error) {
	var rec *CommitRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		commits := tx.Bucket(bucketCommits)
		if commits == nil {
			return ErrMainBucketNotFound
		}
		raw := commits.Get(itob(id))
		if raw == nil {
			return ErrCommitNotFound
		}
		rec = new(CommitRecord)
		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BoltDB) CommitByDigest(_ context.Context, digest []byte) (uint64, error) {
	var id uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDigests).Get(digest)
		if len(v) != 8 {
			return ErrDigestNotFound
		}
		id = binary.BigEndian.Uint64(v)
		return nil
	})
	return id, err
}

func (b *BoltDB) CommitCount(_ context.Context) (uint64, error) {
	var n uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		commits := tx.Bucket(bucketCommits)
		if commits == nil {
			return ErrMainBucketNotFound
		}
		n = uint64(commits.Stats().KeyN)
		return nil
	})
	return n, err
}

func (b *BoltDB) ReceiverCounter(_ context.Context, receiver zkidentity.ShortID) (uint64, error) {
	var n uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketCounters).Get(receiver[:]); len(v) == 8 {
			n = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return n, err
}

func (b *BoltDB) Ledger(_ context.Context) (engine.Ledger, error) {
	var l engine.Ledger
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyLedger)
		if raw == nil {
			return nil // fresh db, zero ledger
		}
		return json.Unmarshal(raw, &l)
	})
	return l, err
}

func (b *BoltDB) SaveLedger(_ context.Context, l engine.Ledger) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyLedger, raw)
	})
}

func (b *BoltDB) Cosigners(_ context.Context) (map[string]bool, error) {
	set := make(map[string]bool)
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyCosigners)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &set)
	})
	return set, err
}

func (b *BoltDB) SaveCosigners(_ context.Context, set map[string]bool) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal cosigners: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyCosigners, raw)
	})
}
