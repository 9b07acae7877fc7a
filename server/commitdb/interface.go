package commitdb

import (
	"context"
	"errors"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"

	"github.com/me-foundation/luckdrop/engine"
)

var (
	ErrCommitNotFound     = errors.New("commit not found")
	ErrDigestNotFound     = errors.New("digest not indexed")
	ErrMainBucketNotFound = errors.New("main bucket not found")
	ErrIDNotDense         = errors.New("commit id is not the next sequential id")
	ErrSchemaTooNew       = errors.New("database schema is newer than this binary")
)

// CommitRecord is the append-only audit record of a single commit. It is
// created once, mutated exactly once to reach a terminal state (fulfilled or
// cancelled), and never deleted.
type CommitRecord struct {
	ID       uint64             `json:"id"`
	Receiver zkidentity.ShortID `json:"receiver"`
	Cosigner []byte             `json:"cosigner"` // 33-byte compressed pubkey
	Seed     uint64             `json:"seed"`
	Counter  uint64             `json:"counter"` // per-receiver counter at creation

	PayloadHash []byte            `json:"payload_hash"`
	EscrowAtoms uint64            `json:"escrow_atoms"`
	FeeAtoms    uint64            `json:"fee_atoms"`
	Reward      engine.RewardSpec `json:"reward"`
	Digest      []byte            `json:"digest"`

	CreatedAt     time.Time `json:"created_at"`
	CancellableAt time.Time `json:"cancellable_at"`
	ItemChoiceBy  time.Time `json:"item_choice_by,omitempty"` // tiered only

	Fulfilled bool   `json:"fulfilled"`
	Cancelled bool   `json:"cancelled"`
	Bulk      bool   `json:"bulk"`
	BatchID   string `json:"batch_id,omitempty"`
}

// Terminal reports whether the record has reached its terminal state.
func (r *CommitRecord) Terminal() bool {
	return r.Fulfilled || r.Cancelled
}

// CommitDB persists commit records, the digest index, per-receiver counters,
// the balance ledger and the cosigner set.
//
// AppendCommit requires rec.ID to be the next dense id (CommitCount) and
// rec.Counter to be the receiver's current counter; it stores the record,
// indexes the digest (last write wins), bumps the receiver counter and saves
// the ledger snapshot in one transaction. UpdateCommit likewise writes the
// record and the ledger atomically, so a crash can never leave the open-
// commit counters out of step with the records they cover.
type CommitDB interface {
	AppendCommit(ctx context.Context, rec *CommitRecord, ledger engine.Ledger) error
	UpdateCommit(ctx context.Context, rec *CommitRecord, ledger engine.Ledger) error
	Commit(ctx context.Context, id uint64) (*CommitRecord, error)
	CommitByDigest(ctx context.Context, digest []byte) (uint64, error)
	CommitCount(ctx context.Context) (uint64, error)
	ReceiverCounter(ctx context.Context, receiver zkidentity.ShortID) (uint64, error)

	Ledger(ctx context.Context) (engine.Ledger, error)
	SaveLedger(ctx context.Context, l engine.Ledger) error

	Cosigners(ctx context.Context) (map[string]bool, error)
	SaveCosigners(ctx context.Context, set map[string]bool) error

	Close() error
}
