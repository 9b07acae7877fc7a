package server

import (
	"context"
	"encoding/hex"

	"github.com/companyzero/bisonrelay/zkidentity"

	"github.com/me-foundation/luckdrop/server/commitdb"
)

// transferResult reports how an outgoing leg resolved: the value was either
// sent or kept in the treasury with a reason.
type transferResult struct {
	Sent   bool
	Reason string
}

// attemptTransfer pays atoms out of the treasury. On any failure the amount
// stays in (or returns to) the treasury and the result carries the reason;
// it never returns an error because every caller runs after the terminal
// flag has been set. Callers emit the matching failure signal.
func (s *Server) attemptTransfer(ctx context.Context, to zkidentity.ShortID, atoms uint64) transferResult {
	if atoms == 0 {
		return transferResult{Sent: true}
	}
	if err := s.ledger.Spend(atoms); err != nil {
		s.log.Warnf("transfer to %s kept in treasury: %v", to, err)
		return transferResult{Reason: err.Error()}
	}
	if err := s.payments.Transfer(ctx, to, atoms); err != nil {
		s.ledger.Retain(atoms)
		s.log.Warnf("transfer of %d to %s failed, kept in treasury: %v", atoms, to, err)
		return transferResult{Reason: err.Error()}
	}
	return transferResult{Sent: true}
}

// forwardOutside delivers atoms that were never part of the treasury (the
// flat fee at commit time, refunds released from the commit counters). On
// failure the amount is retained in the treasury instead so it is never
// lost.
func (s *Server) forwardOutside(ctx context.Context, to zkidentity.ShortID, atoms uint64) transferResult {
	if atoms == 0 {
		return transferResult{Sent: true}
	}
	if err := s.payments.Transfer(ctx, to, atoms); err != nil {
		s.ledger.Retain(atoms)
		s.log.Warnf("forward of %d to %s failed, retained in treasury: %v", atoms, to, err)
		return transferResult{Reason: err.Error()}
	}
	return transferResult{Sent: true}
}

// failureEvent emits the structured TransferFailure signal carrying the
// commit id, receiver, amount and digest.
func (s *Server) failureEvent(typ EventType, rec *commitdb.CommitRecord, to zkidentity.ShortID, atoms uint64, reason string) {
	s.events.publish(Event{
		Type:     typ,
		CommitID: rec.ID,
		Receiver: to.String(),
		Amount:   atoms,
		Digest:   hex.EncodeToString(rec.Digest),
		Reason:   reason,
	})
}

// sweepFee forwards the protocol fee owed for a settled commit: an optional
// percentage to the secondary receiver first, the remainder to the fee sink.
// Each leg is independently best-effort; a failed leg never blocks the other
// or the overall fulfillment.
func (s *Server) sweepFee(ctx context.Context, rec *commitdb.CommitRecord) {
	fee := rec.FeeAtoms
	if fee == 0 {
		return
	}
	rest := fee
	if s.feeSplitBps > 0 && !zero(s.feeSplitReceiver) {
		cut := fee * uint64(s.feeSplitBps) / 10_000
		if cut > 0 {
			if res := s.attemptTransfer(ctx, s.feeSplitReceiver, cut); res.Sent {
				rest -= cut
				s.events.publish(Event{
					Type:     EventFeeSplit,
					CommitID: rec.ID,
					Receiver: s.feeSplitReceiver.String(),
					Amount:   cut,
					Digest:   hex.EncodeToString(rec.Digest),
				})
			} else {
				s.failureEvent(EventFeeTransferFailure, rec, s.feeSplitReceiver, cut, res.Reason)
				rest -= cut // failed cut stays in treasury, not re-swept
			}
		}
	}
	if res := s.attemptTransfer(ctx, s.feeSink, rest); !res.Sent {
		s.failureEvent(EventFeeTransferFailure, rec, s.feeSink, rest, res.Reason)
	}
}

func zero(id zkidentity.ShortID) bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}
