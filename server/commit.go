package server

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"

	"github.com/me-foundation/luckdrop"
	"github.com/me-foundation/luckdrop/engine"
	"github.com/me-foundation/luckdrop/server/commitdb"
)

// CommitRequest describes one commit to create. Payer funds the gross
// amount; Receiver is the prize recipient (usually the same account).
type CommitRequest struct {
	Payer       zkID
	Receiver    zkID
	Cosigner    []byte // 33-byte compressed pubkey
	Seed        uint64
	PayloadHash []byte // 32-byte commitment payload hash
	GrossAtoms  uint64
	Reward      engine.RewardSpec
}

// validated carries the per-item results of precondition checks so bulk
// creation can verify the whole batch before any mutation.
type validated struct {
	cosigner []byte
	net      uint64
	fee      uint64
}

// validateCommit runs every precondition for one request at the given rate.
// It performs no mutation.
func (s *Server) validateCommit(req *CommitRequest, rateBps uint32) (validated, error) {
	var v validated
	if zero(req.Receiver) {
		return v, fmt.Errorf("zero receiver")
	}
	pub, err := secp256k1.ParsePubKey(req.Cosigner)
	if err != nil {
		return v, fmt.Errorf("bad cosigner pubkey: %w", err)
	}
	v.cosigner = pub.SerializeCompressed()
	if !s.cosignerActive(v.cosigner) {
		return v, ErrCosignerUnknown
	}
	if len(req.PayloadHash) != 32 {
		return v, fmt.Errorf("payload hash is %d bytes, want 32", len(req.PayloadHash))
	}
	if req.GrossAtoms < s.fees.MinPriceAtoms || req.GrossAtoms > s.fees.MaxPriceAtoms {
		return v, fmt.Errorf("gross %d outside price bounds [%d, %d]",
			req.GrossAtoms, s.fees.MinPriceAtoms, s.fees.MaxPriceAtoms)
	}
	v.net, v.fee, err = engine.NetEscrow(req.GrossAtoms, rateBps, s.fees.FlatFeeAtoms)
	if err != nil {
		return v, err
	}
	if err := req.Reward.Validate(s.fees, v.net, s.maxRewardMultiple); err != nil {
		return v, fmt.Errorf("reward spec: %w", err)
	}
	return v, nil
}

// applyCommit performs the mutations for one already-validated, already-
// funded request: append the record with the opened ledger counters in one
// storage transaction, forward the flat fee, and emit the Commit signal.
// Must run under the write lock.
func (s *Server) applyCommit(ctx context.Context, req *CommitRequest, v validated, bulk bool, batchID string) (uint64, error) {
	id := s.nextID
	counter, err := s.db.ReceiverCounter(ctx, req.Receiver)
	if err != nil {
		return 0, fmt.Errorf("receiver counter: %w", err)
	}
	var payload [32]byte
	copy(payload[:], req.PayloadHash)
	digest := luckdrop.CommitDigest(id, req.Receiver, v.cosigner, req.Seed,
		counter, payload, v.net, req.Reward)

	now := s.now()
	rec := &commitdb.CommitRecord{
		ID:            id,
		Receiver:      req.Receiver,
		Cosigner:      v.cosigner,
		Seed:          req.Seed,
		Counter:       counter,
		PayloadHash:   payload[:],
		EscrowAtoms:   v.net,
		FeeAtoms:      v.fee,
		Reward:        req.Reward,
		Digest:        digest[:],
		CreatedAt:     now,
		CancellableAt: now.Add(s.cancelWindow),
		Bulk:          bulk,
		BatchID:       batchID,
	}
	if req.Reward.Kind == engine.RewardTiered {
		rec.ItemChoiceBy = now.Add(s.itemChoiceWindow)
	}

	// The record and the opened counters land in one transaction, so a
	// crash can never leave an open commit whose escrow is missing from
	// the ledger.
	opened := s.ledger
	opened.Open(v.net, v.fee)
	if err := s.db.AppendCommit(ctx, rec, opened); err != nil {
		return 0, fmt.Errorf("append commit: %w", err)
	}
	s.ledger = opened
	s.nextID++

	// The flat fee goes out only after the record is durable; if the leg
	// fails the amount lands in the treasury instead and is reconciled
	// manually later. It is never part of the commit/protocol counters.
	if flat := s.fees.FlatFeeAtoms; flat > 0 {
		if res := s.forwardOutside(ctx, s.feeSink, flat); !res.Sent {
			s.events.publish(Event{
				Type:     EventFeeTransferFailure,
				CommitID: id,
				Receiver: s.feeSink.String(),
				Amount:   flat,
				Reason:   res.Reason,
			})
			s.persistLedger(ctx)
		}
	}

	s.log.Infof("Commit %d created: receiver=%s escrow=%d fee=%d kind=%s",
		id, req.Receiver, v.net, v.fee, req.Reward.Kind)
	s.events.publish(Event{
		Type:     EventCommit,
		CommitID: id,
		BatchID:  batchID,
		Receiver: req.Receiver.String(),
		Cosigner: hex.EncodeToString(v.cosigner),
		Seed:     req.Seed,
		Counter:  counter,
		Amount:   v.net,
		Fee:      v.fee,
		Reward:   &req.Reward,
		Digest:   hex.EncodeToString(digest[:]),
	})
	return id, nil
}

// CreateCommit escrows a single commit and returns its id. All validation
// and the funding debit happen before any ledger mutation; a failure
// anywhere leaves no trace.
func (s *Server) CreateCommit(ctx context.Context, req *CommitRequest) (uint64, error) {
	s.Lock()
	defer s.Unlock()

	if s.halted {
		return 0, ErrHalted
	}
	if !s.guard.AcceptingCommits() {
		return 0, ErrIntakePaused
	}
	if err := s.guard.Allow(ctx, OpCommit, req.Payer.String()); err != nil {
		return 0, err
	}

	v, err := s.validateCommit(req, s.fees.ProtocolFeeBps)
	if err != nil {
		return 0, err
	}
	if err := s.funds.Debit(ctx, req.Payer, req.GrossAtoms); err != nil {
		return 0, fmt.Errorf("debit funding: %w", err)
	}
	return s.applyCommit(ctx, req, v, false, "")
}

// BulkCreateCommit creates the batch in array order at the elevated bulk
// rate. totalAtoms must equal the sum of per-item gross amounts exactly; any
// shortfall or surplus fails the whole batch before any mutation, as does
// any per-item validation failure. Returns the assigned ids.
func (s *Server) BulkCreateCommit(ctx context.Context, payer zkID, reqs []*CommitRequest, totalAtoms uint64) ([]uint64, error) {
	s.Lock()
	defer s.Unlock()

	if s.halted {
		return nil, ErrHalted
	}
	if !s.guard.AcceptingCommits() {
		return nil, ErrIntakePaused
	}
	if err := s.guard.Allow(ctx, OpCommit, payer.String()); err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if len(reqs) > maxBatchSize {
		return nil, ErrBatchTooLarge
	}

	rate := s.fees.BulkRateBps()
	var sum uint64
	vs := make([]validated, len(reqs))
	for i, req := range reqs {
		v, err := s.validateCommit(req, rate)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		vs[i] = v
		sum += req.GrossAtoms
	}
	if sum != totalAtoms {
		return nil, fmt.Errorf("%w: supplied %d, items sum to %d", ErrBadFunding, totalAtoms, sum)
	}
	if err := s.funds.Debit(ctx, payer, totalAtoms); err != nil {
		return nil, fmt.Errorf("debit funding: %w", err)
	}

	batchID := uuid.NewString()
	ids := make([]uint64, 0, len(reqs))
	for i, req := range reqs {
		id, err := s.applyCommit(ctx, req, vs[i], true, batchID)
		if err != nil {
			// Funding was debited and earlier items persisted; this
			// indicates a storage fault, not a validation miss.
			return ids, fmt.Errorf("batch item %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
