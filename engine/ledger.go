package engine

import "fmt"

// Ledger is the three-way balance split. TreasuryAtoms holds settled,
// spendable funds; CommitAtoms is the escrow owed to open commits;
// ProtocolAtoms is the unswept fee owed for open commits.
//
// CommitAtoms and ProtocolAtoms are each touched exactly once when a commit
// is opened and exactly once when it reaches a terminal state, so at every
// observable point they equal the corresponding sums over open commits.
type Ledger struct {
	TreasuryAtoms uint64 `json:"treasury_atoms"`
	CommitAtoms   uint64 `json:"commit_atoms"`
	ProtocolAtoms uint64 `json:"protocol_atoms"`
}

// Open records a newly created commit's escrow and fee.
func (l *Ledger) Open(escrowAtoms, feeAtoms uint64) {
	l.CommitAtoms += escrowAtoms
	l.ProtocolAtoms += feeAtoms
}

// release removes a terminalizing commit's escrow and fee from the open
// counters, guarding against underflow (which would mean a double
// terminalization slipped past the flag checks).
func (l *Ledger) release(escrowAtoms, feeAtoms uint64) error {
	if l.CommitAtoms < escrowAtoms {
		return fmt.Errorf("commit balance %d below escrow %d", l.CommitAtoms, escrowAtoms)
	}
	if l.ProtocolAtoms < feeAtoms {
		return fmt.Errorf("protocol balance %d below fee %d", l.ProtocolAtoms, feeAtoms)
	}
	l.CommitAtoms -= escrowAtoms
	l.ProtocolAtoms -= feeAtoms
	return nil
}

// Settle moves a fulfilling commit's escrow and fee into the treasury.
func (l *Ledger) Settle(escrowAtoms, feeAtoms uint64) error {
	if err := l.release(escrowAtoms, feeAtoms); err != nil {
		return err
	}
	l.TreasuryAtoms += escrowAtoms + feeAtoms
	return nil
}

// Reclaim releases a cancelled commit's counters. refundAtoms is the portion
// owed back to the receiver (variant-dependent); the remainder of escrow+fee
// is retained in the treasury.
func (l *Ledger) Reclaim(escrowAtoms, feeAtoms, refundAtoms uint64) error {
	total := escrowAtoms + feeAtoms
	if refundAtoms > total {
		return fmt.Errorf("refund %d exceeds released %d", refundAtoms, total)
	}
	if err := l.release(escrowAtoms, feeAtoms); err != nil {
		return err
	}
	l.TreasuryAtoms += total - refundAtoms
	return nil
}

// Spend deducts a successful outgoing payment from the treasury.
func (l *Ledger) Spend(atoms uint64) error {
	if l.TreasuryAtoms < atoms {
		return fmt.Errorf("treasury %d below spend %d", l.TreasuryAtoms, atoms)
	}
	l.TreasuryAtoms -= atoms
	return nil
}

// Retain credits funds back to the treasury after an outgoing payment could
// not be delivered.
func (l *Ledger) Retain(atoms uint64) {
	l.TreasuryAtoms += atoms
}

// Total is the sum of all three balances.
func (l Ledger) Total() uint64 {
	return l.TreasuryAtoms + l.CommitAtoms + l.ProtocolAtoms
}
