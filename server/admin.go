package server

import (
	"context"
	"fmt"

	"github.com/companyzero/bisonrelay/zkidentity"

	"github.com/me-foundation/luckdrop/engine"
)

// setParam runs one admin-gated parameter mutation under the write lock and
// emits the ParamChange signal with old and new values.
func (s *Server) setParam(ctx context.Context, caller, param string, apply func() (old, new string, err error)) error {
	if err := s.guard.Allow(ctx, OpAdmin, caller); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()
	old, new_, err := apply()
	if err != nil {
		return err
	}
	s.log.Infof("Param %s changed: %s -> %s (by %s)", param, old, new_, caller)
	s.events.publish(Event{
		Type:  EventParamChange,
		Param: param,
		Old:   old,
		New:   new_,
	})
	return nil
}

// SetProtocolFee updates the percentage fee rate charged on single commits.
func (s *Server) SetProtocolFee(ctx context.Context, caller string, bps uint32) error {
	return s.setParam(ctx, caller, "protocol_fee_bps", func() (string, string, error) {
		if bps > engine.BpsDenom {
			return "", "", fmt.Errorf("fee %d bps exceeds %d", bps, engine.BpsDenom)
		}
		old := s.fees.ProtocolFeeBps
		s.fees.ProtocolFeeBps = bps
		return fmt.Sprintf("%d", old), fmt.Sprintf("%d", bps), nil
	})
}

// SetBulkPremium updates the additional rate applied to bulk commits.
func (s *Server) SetBulkPremium(ctx context.Context, caller string, bps uint32) error {
	return s.setParam(ctx, caller, "bulk_premium_bps", func() (string, string, error) {
		if bps > engine.BpsDenom {
			return "", "", fmt.Errorf("premium %d bps exceeds %d", bps, engine.BpsDenom)
		}
		old := s.fees.BulkPremiumBps
		s.fees.BulkPremiumBps = bps
		return fmt.Sprintf("%d", old), fmt.Sprintf("%d", bps), nil
	})
}

// SetFlatFee updates the fixed per-commit fee.
func (s *Server) SetFlatFee(ctx context.Context, caller string, atoms uint64) error {
	return s.setParam(ctx, caller, "flat_fee_atoms", func() (string, string, error) {
		old := s.fees.FlatFeeAtoms
		s.fees.FlatFeeAtoms = atoms
		return fmt.Sprintf("%d", old), fmt.Sprintf("%d", atoms), nil
	})
}

// SetRewardBounds updates the accepted reward value range.
func (s *Server) SetRewardBounds(ctx context.Context, caller string, min, max uint64) error {
	return s.setParam(ctx, caller, "reward_bounds", func() (string, string, error) {
		if min == 0 || min > max {
			return "", "", fmt.Errorf("bad reward bounds [%d, %d]", min, max)
		}
		old := fmt.Sprintf("[%d, %d]", s.fees.MinRewardAtoms, s.fees.MaxRewardAtoms)
		s.fees.MinRewardAtoms, s.fees.MaxRewardAtoms = min, max
		return old, fmt.Sprintf("[%d, %d]", min, max), nil
	})
}

// SetPriceBounds updates the accepted gross payment range.
func (s *Server) SetPriceBounds(ctx context.Context, caller string, min, max uint64) error {
	return s.setParam(ctx, caller, "price_bounds", func() (string, string, error) {
		if min == 0 || min > max {
			return "", "", fmt.Errorf("bad price bounds [%d, %d]", min, max)
		}
		old := fmt.Sprintf("[%d, %d]", s.fees.MinPriceAtoms, s.fees.MaxPriceAtoms)
		s.fees.MinPriceAtoms, s.fees.MaxPriceAtoms = min, max
		return old, fmt.Sprintf("[%d, %d]", min, max), nil
	})
}

// SetMaxRewardMultiple updates the tiered bucket cap as a multiple of the
// escrowed price. Zero disables the cap.
func (s *Server) SetMaxRewardMultiple(ctx context.Context, caller string, multiple uint64) error {
	return s.setParam(ctx, caller, "max_reward_multiple", func() (string, string, error) {
		old := s.maxRewardMultiple
		s.maxRewardMultiple = multiple
		return fmt.Sprintf("%d", old), fmt.Sprintf("%d", multiple), nil
	})
}

// SetFeeSink redirects where protocol fees are swept.
func (s *Server) SetFeeSink(ctx context.Context, caller string, sink zkidentity.ShortID) error {
	return s.setParam(ctx, caller, "fee_sink", func() (string, string, error) {
		if zero(sink) {
			return "", "", fmt.Errorf("zero fee sink")
		}
		old := s.feeSink
		s.feeSink = sink
		return old.String(), sink.String(), nil
	})
}

// SetFundsSink redirects where tiered commit revenue is forwarded.
func (s *Server) SetFundsSink(ctx context.Context, caller string, sink zkidentity.ShortID) error {
	return s.setParam(ctx, caller, "funds_sink", func() (string, string, error) {
		if zero(sink) {
			return "", "", fmt.Errorf("zero funds sink")
		}
		old := s.fundsSink
		s.fundsSink = sink
		return old.String(), sink.String(), nil
	})
}

// SetFeeSplit configures the secondary fee receiver and its share. A zero
// share or receiver disables the split.
func (s *Server) SetFeeSplit(ctx context.Context, caller string, receiver zkidentity.ShortID, bps uint32) error {
	return s.setParam(ctx, caller, "fee_split", func() (string, string, error) {
		if bps > engine.BpsDenom {
			return "", "", fmt.Errorf("split %d bps exceeds %d", bps, engine.BpsDenom)
		}
		old := fmt.Sprintf("%s@%d", s.feeSplitReceiver, s.feeSplitBps)
		s.feeSplitReceiver, s.feeSplitBps = receiver, bps
		return old, fmt.Sprintf("%s@%d", receiver, bps), nil
	})
}

// FundTreasury records an operator deposit into the treasury float that
// backs tiered payouts and order execution.
func (s *Server) FundTreasury(ctx context.Context, caller string, from zkidentity.ShortID, atoms uint64) error {
	if err := s.guard.Allow(ctx, OpAdmin, caller); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	if err := s.funds.Debit(ctx, from, atoms); err != nil {
		return fmt.Errorf("debit funding: %w", err)
	}
	s.ledger.Retain(atoms)
	s.persistLedger(ctx)
	s.log.Infof("Treasury funded with %d atoms by %s", atoms, caller)
	return nil
}

// Withdraw pays out of the treasury surplus only; escrowed commit and
// withheld fee balances are untouchable through this path.
func (s *Server) Withdraw(ctx context.Context, caller string, to zkidentity.ShortID, atoms uint64) error {
	if err := s.guard.Allow(ctx, OpAdmin, caller); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()
	if err := s.ledger.Spend(atoms); err != nil {
		return err
	}
	if err := s.payments.Transfer(ctx, to, atoms); err != nil {
		s.ledger.Retain(atoms)
		return fmt.Errorf("withdraw transfer: %w", err)
	}
	s.persistLedger(ctx)
	s.log.Infof("Withdrew %d atoms from treasury to %s", atoms, to)
	return nil
}

// EmergencyWithdrawAll drains every balance, treasury and escrows alike, to
// the given account and halts the engine. Halting is permanent for the
// process; open commits can no longer settle and must be reconciled off the
// books from the drained funds.
func (s *Server) EmergencyWithdrawAll(ctx context.Context, caller string, to zkidentity.ShortID) error {
	if err := s.guard.Allow(ctx, OpAdmin, caller); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()
	total := s.ledger.Total()
	if total == 0 {
		return fmt.Errorf("nothing to withdraw")
	}
	if err := s.payments.Transfer(ctx, to, total); err != nil {
		return fmt.Errorf("emergency transfer: %w", err)
	}
	s.ledger = engine.Ledger{}
	s.halted = true
	s.persistLedger(ctx)

	s.log.Warnf("EMERGENCY: withdrew %d atoms to %s, engine halted", total, to)
	s.events.publish(Event{
		Type:     EventEmergencyWithdraw,
		Receiver: to.String(),
		Amount:   total,
	})
	return nil
}

// RescueAsset forwards a request to recover stranded non-principal holdings
// (tokens, items) to the configured rescuer. Admin-gated.
func (s *Server) RescueAsset(ctx context.Context, caller, asset string, to zkidentity.ShortID) error {
	if err := s.guard.Allow(ctx, OpAdmin, caller); err != nil {
		return err
	}
	if s.rescuer == nil {
		return fmt.Errorf("no asset rescuer configured")
	}
	return s.rescuer.Rescue(ctx, asset, to)
}
