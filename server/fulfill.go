package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/me-foundation/luckdrop"
	"github.com/me-foundation/luckdrop/engine"
	"github.com/me-foundation/luckdrop/server/commitdb"
)

// FulfillRequest carries the cosigned settlement call for one commit. Both
// signatures must recover to the commit's designated cosigner: CommitSig
// over the cached commit digest (its bytes also feed the draw), TermsSig
// over the fulfillment terms bound to that digest.
type FulfillRequest struct {
	CommitID  uint64
	CommitSig []byte
	Terms     luckdrop.FulfillmentTerms
	TermsSig  []byte
}

// Fulfill resolves a commit: validate everything, consume the draw by
// flipping the fulfilled flag and moving escrow+fee into the treasury, then
// run the external effects best-effort. Nothing after the flip can fail the
// call; payment failures degrade to treasury retention plus failure signals.
func (s *Server) Fulfill(ctx context.Context, req *FulfillRequest) error {
	s.Lock()
	defer s.Unlock()
	return s.fulfillLocked(ctx, req)
}

// FulfillByDigest resolves the digest index to the most recent commit
// bearing the digest, then settles it.
func (s *Server) FulfillByDigest(ctx context.Context, digest []byte, req *FulfillRequest) error {
	s.Lock()
	defer s.Unlock()

	id, err := s.db.CommitByDigest(ctx, digest)
	if err != nil {
		return err
	}
	r := *req
	r.CommitID = id
	return s.fulfillLocked(ctx, &r)
}

// BulkFulfill settles a list of requests sequentially. Each item is
// independently validated and settled; one item's failure (for example,
// already fulfilled) fails only that item. Batches are all-or-nothing at the
// funding stage, never at settlement.
func (s *Server) BulkFulfill(ctx context.Context, reqs []*FulfillRequest) []error {
	s.Lock()
	defer s.Unlock()

	errs := make([]error, len(reqs))
	if len(reqs) > maxBatchSize {
		for i := range errs {
			errs[i] = ErrBatchTooLarge
		}
		return errs
	}
	for i, req := range reqs {
		errs[i] = s.fulfillLocked(ctx, req)
	}
	return errs
}

func (s *Server) fulfillLocked(ctx context.Context, req *FulfillRequest) error {
	if s.halted {
		return ErrHalted
	}
	if !s.guard.AcceptingFulfillments() {
		return ErrIntakePaused
	}

	rec, err := s.db.Commit(ctx, req.CommitID)
	if err != nil {
		return err
	}
	if rec.Fulfilled {
		return ErrAlreadyFulfilled
	}
	if rec.Cancelled {
		return ErrAlreadyCancelled
	}

	// The digest recomputed from stored fields must equal the digest
	// cached at creation; a mismatch means the record was tampered with.
	var payload [32]byte
	copy(payload[:], rec.PayloadHash)
	digest := luckdrop.CommitDigest(rec.ID, rec.Receiver, rec.Cosigner,
		rec.Seed, rec.Counter, payload, rec.EscrowAtoms, rec.Reward)
	if !bytes.Equal(digest[:], rec.Digest) {
		return fmt.Errorf("commit %d digest mismatch: stored %x, computed %x",
			rec.ID, rec.Digest, digest)
	}

	// Caller authentication is the commit signature itself: it must
	// recover to the designated cosigner, and that cosigner must still be
	// active. The guard then rules on that recovered identity.
	if err := s.verifyCosignature(rec, digest, req.CommitSig); err != nil {
		return fmt.Errorf("commit signature: %w", err)
	}
	if err := s.guard.Allow(ctx, OpFulfill, hex.EncodeToString(rec.Cosigner)); err != nil {
		return err
	}
	terms := req.Terms
	terms.CommitDigest = digest
	if err := s.verifyCosignature(rec, terms.Digest(), req.TermsSig); err != nil {
		return fmt.Errorf("fulfillment signature: %w", err)
	}

	// The draw derives deterministically from the verified signature
	// bytes; computing it has no side effect. Consumption happens at the
	// flag flip below.
	draw := s.draw.Draw(req.CommitSig)

	var (
		oddsBps   uint32
		won       bool
		bucketIdx int
	)
	switch rec.Reward.Kind {
	case engine.RewardBinary:
		if terms.PayoutAtoms != rec.Reward.RewardAtoms || terms.OrderAtoms != rec.Reward.RewardAtoms {
			return fmt.Errorf("declared amounts (order=%d payout=%d) do not match committed reward %d",
				terms.OrderAtoms, terms.PayoutAtoms, rec.Reward.RewardAtoms)
		}
		oddsBps = engine.BinaryOddsBps(rec.EscrowAtoms, rec.Reward.RewardAtoms)
		won = engine.ResolveBinary(draw, oddsBps)

	case engine.RewardTiered:
		bucketIdx = engine.ResolveTiered(draw, rec.Reward.Buckets)
		bk := rec.Reward.Buckets[bucketIdx]
		if terms.OrderAtoms < bk.MinAtoms || terms.OrderAtoms > bk.MaxAtoms {
			return fmt.Errorf("order amount %d outside bucket %d range [%d, %d]",
				terms.OrderAtoms, bucketIdx, bk.MinAtoms, bk.MaxAtoms)
		}
		if terms.PayoutAtoms < bk.MinAtoms || terms.PayoutAtoms > bk.MaxAtoms {
			return fmt.Errorf("payout amount %d outside bucket %d range [%d, %d]",
				terms.PayoutAtoms, bucketIdx, bk.MinAtoms, bk.MaxAtoms)
		}

	default:
		return fmt.Errorf("commit %d has unknown reward kind %q", rec.ID, rec.Reward.Kind)
	}

	// Point of no return: the fulfilled flag and the settled ledger land
	// in one storage transaction before any external effect, so a
	// reentrant call observes a settled commit and a crash cannot leave
	// the counters out of step with the record. A storage failure here
	// aborts with nothing consumed.
	settled := s.ledger
	if err := settled.Settle(rec.EscrowAtoms, rec.FeeAtoms); err != nil {
		return fmt.Errorf("ledger settle for commit %d: %w", rec.ID, err)
	}
	rec.Fulfilled = true
	if err := s.db.UpdateCommit(ctx, rec, settled); err != nil {
		rec.Fulfilled = false
		return fmt.Errorf("persist fulfilled flag: %w", err)
	}
	s.ledger = settled

	switch rec.Reward.Kind {
	case engine.RewardBinary:
		s.settleBinary(ctx, rec, &terms, draw, oddsBps, won)
	case engine.RewardTiered:
		s.settleTiered(ctx, rec, &terms, draw, bucketIdx)
	}

	s.sweepFee(ctx, rec)
	// External transfers moved treasury funds; persist the final counters.
	s.persistLedger(ctx)
	return nil
}

// executeOrder attempts the external order call with treasury funds and
// falls back to a direct payout transfer when the order fails. Returns the
// outcome label of the leg that stuck.
func (s *Server) executeOrder(ctx context.Context, rec *commitdb.CommitRecord, terms *luckdrop.FulfillmentTerms) {
	if s.orders != nil {
		if err := s.ledger.Spend(terms.OrderAtoms); err == nil {
			if s.orders.Execute(ctx, terms.Target, terms.CallData, terms.OrderAtoms) {
				return
			}
			s.ledger.Retain(terms.OrderAtoms)
			s.log.Warnf("order execution failed for commit %d, falling back to direct payout", rec.ID)
		} else {
			s.log.Warnf("order for commit %d kept in treasury: %v", rec.ID, err)
		}
	}
	// Single fallback: direct value transfer of the payout amount.
	if res := s.attemptTransfer(ctx, rec.Receiver, terms.PayoutAtoms); !res.Sent {
		s.failureEvent(EventTransferFailure, rec, rec.Receiver, terms.PayoutAtoms, res.Reason)
	}
}

func (s *Server) settleBinary(ctx context.Context, rec *commitdb.CommitRecord, terms *luckdrop.FulfillmentTerms, draw, oddsBps uint32, won bool) {
	outcome := OutcomeLoss
	if won {
		outcome = OutcomeWin
		s.executeOrder(ctx, rec, terms)
	} else if s.minter != nil {
		// Consolation is strictly best-effort; a mint failure never
		// blocks finalization.
		if err := s.minter.Mint(ctx, rec.Receiver); err != nil {
			s.log.Warnf("consolation mint for commit %d failed: %v", rec.ID, err)
			s.failureEvent(EventTransferFailure, rec, rec.Receiver, 0,
				fmt.Sprintf("consolation mint: %v", err))
		}
	}

	s.log.Infof("Commit %d fulfilled: draw=%d odds=%d outcome=%s", rec.ID, draw, oddsBps, outcome)
	s.events.publish(Event{
		Type:        EventFulfillment,
		CommitID:    rec.ID,
		Receiver:    rec.Receiver.String(),
		Digest:      hex.EncodeToString(rec.Digest),
		Draw:        &draw,
		OddsBps:     oddsBps,
		PayoutAtoms: terms.PayoutAtoms,
		Asset:       terms.Asset,
		AssetID:     terms.AssetID,
		Outcome:     outcome,
	})
}

func (s *Server) settleTiered(ctx context.Context, rec *commitdb.CommitRecord, terms *luckdrop.FulfillmentTerms, draw uint32, bucketIdx int) {
	// Revenue (the full committed price) goes to the funds sink
	// unconditionally, whatever bucket or choice resolved.
	if res := s.attemptTransfer(ctx, s.fundsSink, rec.EscrowAtoms); !res.Sent {
		s.failureEvent(EventTransferFailure, rec, s.fundsSink, rec.EscrowAtoms, res.Reason)
	}

	choice := terms.Choice
	if choice == luckdrop.ChoiceItem && s.now().After(rec.ItemChoiceBy) {
		s.log.Debugf("Commit %d item choice past deadline, downgrading to cash", rec.ID)
		choice = luckdrop.ChoiceCash
	}

	choiceLabel := "cash"
	if choice == luckdrop.ChoiceItem {
		choiceLabel = "item"
		s.executeOrder(ctx, rec, terms)
	} else {
		if res := s.attemptTransfer(ctx, rec.Receiver, terms.PayoutAtoms); !res.Sent {
			s.failureEvent(EventTransferFailure, rec, rec.Receiver, terms.PayoutAtoms, res.Reason)
		}
	}

	s.log.Infof("Commit %d fulfilled: draw=%d bucket=%d choice=%s payout=%d",
		rec.ID, draw, bucketIdx, choiceLabel, terms.PayoutAtoms)
	s.events.publish(Event{
		Type:        EventFulfillment,
		CommitID:    rec.ID,
		Receiver:    rec.Receiver.String(),
		Digest:      hex.EncodeToString(rec.Digest),
		Draw:        &draw,
		BucketIdx:   &bucketIdx,
		PayoutAtoms: terms.PayoutAtoms,
		Asset:       terms.Asset,
		AssetID:     terms.AssetID,
		Choice:      choiceLabel,
		Outcome:     OutcomeBucket,
	})
}
