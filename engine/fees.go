package engine

import (
	"fmt"
	"math/bits"
)

// BpsDenom is the basis-point denominator shared by fee rates, odds and
// bucket weights.
const BpsDenom = 10_000

// FeeConfig holds the protocol's fee and bound parameters. Amounts are in
// atoms, rates in basis points.
type FeeConfig struct {
	ProtocolFeeBps uint32 `json:"protocol_fee_bps"`
	FlatFeeAtoms   uint64 `json:"flat_fee_atoms"`
	BulkPremiumBps uint32 `json:"bulk_premium_bps"`

	MinRewardAtoms uint64 `json:"min_reward_atoms"`
	MaxRewardAtoms uint64 `json:"max_reward_atoms"`
	MinPriceAtoms  uint64 `json:"min_price_atoms"`
	MaxPriceAtoms  uint64 `json:"max_price_atoms"`
}

// Validate rejects configs that could never admit a commit.
func (c FeeConfig) Validate() error {
	if c.ProtocolFeeBps > BpsDenom {
		return fmt.Errorf("protocol fee %d bps exceeds %d", c.ProtocolFeeBps, BpsDenom)
	}
	if c.BulkPremiumBps > BpsDenom {
		return fmt.Errorf("bulk premium %d bps exceeds %d", c.BulkPremiumBps, BpsDenom)
	}
	if c.MinRewardAtoms > c.MaxRewardAtoms {
		return fmt.Errorf("min reward %d above max reward %d", c.MinRewardAtoms, c.MaxRewardAtoms)
	}
	if c.MinPriceAtoms > c.MaxPriceAtoms {
		return fmt.Errorf("min price %d above max price %d", c.MinPriceAtoms, c.MaxPriceAtoms)
	}
	return nil
}

// BulkRateBps is the elevated percentage rate applied uniformly to every
// item of a bulk batch.
func (c FeeConfig) BulkRateBps() uint32 {
	return c.ProtocolFeeBps + c.BulkPremiumBps
}

// NetEscrow splits a gross payment into the escrowed amount and the
// percentage fee. The flat fee is subtracted first and the remainder is
// deflated by the rate, so the percentage fee is never charged on the flat
// fee or on itself:
//
//	net = floor((gross - flat) * 10000 / (10000 + rateBps))
//	fee = (gross - flat) - net
//
// Returns an error when gross cannot cover the flat fee.
func NetEscrow(grossAtoms uint64, rateBps uint32, flatFeeAtoms uint64) (netAtoms, feeAtoms uint64, err error) {
	if grossAtoms < flatFeeAtoms {
		return 0, 0, fmt.Errorf("gross %d below flat fee %d", grossAtoms, flatFeeAtoms)
	}
	base := grossAtoms - flatFeeAtoms
	// 128-bit intermediate: base*10000 can exceed 64 bits near the top of
	// the uint64 range. The quotient's high word is floor(base*10000/2^64),
	// strictly below the divisor 10000+rate, so Div64 cannot trap.
	hi, lo := bits.Mul64(base, BpsDenom)
	net, _ := bits.Div64(hi, lo, BpsDenom+uint64(rateBps))
	return net, base - net, nil
}
