package server

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/me-foundation/luckdrop/engine"
	"github.com/me-foundation/luckdrop/server/commitdb"
)

// Cancel voids an unfulfilled commit and refunds the receiver. Only the
// receiver or the designated cosigner may call it, and only after the
// cancellable deadline has passed. Binary commits refund escrow plus the
// withheld fee; tiered commits refund the escrow only, the fee having been
// earned at intake.
func (s *Server) Cancel(ctx context.Context, caller string, id uint64) error {
	if err := s.guard.Allow(ctx, OpCancel, caller); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	rec, err := s.db.Commit(ctx, id)
	if err != nil {
		return err
	}
	if caller != rec.Receiver.String() && caller != hex.EncodeToString(rec.Cosigner) {
		return ErrNotOwner
	}
	return s.cancelLocked(ctx, rec, "cancelled")
}

// Expire voids an unfulfilled commit whose deadline has passed. Unlike
// Cancel it is open to any caller: an abandoned commit should not stay
// escrowed forever just because its owner went away.
func (s *Server) Expire(ctx context.Context, id uint64) error {
	s.Lock()
	defer s.Unlock()

	rec, err := s.db.Commit(ctx, id)
	if err != nil {
		return err
	}
	return s.cancelLocked(ctx, rec, "expired")
}

// BulkCancel cancels several commits owned by caller. Per-item errors are
// returned positionally; one stuck item never blocks the rest.
func (s *Server) BulkCancel(ctx context.Context, caller string, ids []uint64) []error {
	errs := make([]error, len(ids))
	if err := s.guard.Allow(ctx, OpCancel, caller); err != nil {
		for i := range errs {
			errs[i] = err
		}
		return errs
	}

	s.Lock()
	defer s.Unlock()

	if len(ids) > maxBatchSize {
		for i := range errs {
			errs[i] = ErrBatchTooLarge
		}
		return errs
	}
	for i, id := range ids {
		rec, err := s.db.Commit(ctx, id)
		if err != nil {
			errs[i] = err
			continue
		}
		if caller != rec.Receiver.String() && caller != hex.EncodeToString(rec.Cosigner) {
			errs[i] = ErrNotOwner
			continue
		}
		errs[i] = s.cancelLocked(ctx, rec, "cancelled")
	}
	return errs
}

// cancelLocked flips the cancelled flag and releases the escrow. The flag
// and ledger are committed before the refund transfer, so a failed refund
// leg retains the value in the treasury instead of reopening the commit.
func (s *Server) cancelLocked(ctx context.Context, rec *commitdb.CommitRecord, reason string) error {
	if s.halted {
		return ErrHalted
	}
	if rec.Fulfilled {
		return ErrAlreadyFulfilled
	}
	if rec.Cancelled {
		return ErrAlreadyCancelled
	}
	if s.now().Before(rec.CancellableAt) {
		return fmt.Errorf("%w: cancellable at %s", ErrNotCancellable,
			rec.CancellableAt.Format("2006-01-02 15:04:05"))
	}

	refund := rec.EscrowAtoms
	if rec.Reward.Kind == engine.RewardBinary {
		refund += rec.FeeAtoms
	}

	// The cancelled flag and the reclaimed ledger land in one storage
	// transaction; a reclaim that would underflow aborts with nothing
	// persisted.
	reclaimed := s.ledger
	if err := reclaimed.Reclaim(rec.EscrowAtoms, rec.FeeAtoms, refund); err != nil {
		return fmt.Errorf("ledger reclaim for commit %d: %w", rec.ID, err)
	}
	rec.Cancelled = true
	if err := s.db.UpdateCommit(ctx, rec, reclaimed); err != nil {
		rec.Cancelled = false
		return fmt.Errorf("persist cancelled flag: %w", err)
	}
	s.ledger = reclaimed

	if res := s.forwardOutside(ctx, rec.Receiver, refund); !res.Sent {
		s.failureEvent(EventTransferFailure, rec, rec.Receiver, refund, res.Reason)
		s.persistLedger(ctx)
	}

	s.log.Infof("Commit %d %s: refund=%d receiver=%s", rec.ID, reason, refund, rec.Receiver)
	s.events.publish(Event{
		Type:     EventCancelled,
		CommitID: rec.ID,
		Receiver: rec.Receiver.String(),
		Amount:   refund,
		Digest:   hex.EncodeToString(rec.Digest),
		Reason:   reason,
	})
	return nil
}
