package engine

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
)

// RewardKind tags the two engine variants.
type RewardKind string

const (
	// RewardBinary is a win/lose draw against a fixed reward amount.
	RewardBinary RewardKind = "binary"
	// RewardTiered selects a reward range from ordered probability buckets.
	RewardTiered RewardKind = "tiered"
)

// MaxBuckets bounds the tiered bucket list.
const MaxBuckets = 6

// Bucket is one tier of a tiered reward: a probability weight and the value
// range a winning order/payout must fall into.
type Bucket struct {
	OddsBps  uint32 `json:"odds_bps"`
	MinAtoms uint64 `json:"min_atoms"`
	MaxAtoms uint64 `json:"max_atoms"`
}

// RewardSpec is the tagged reward variant carried by every commit. Binary
// commits set RewardAtoms; tiered commits set Buckets.
type RewardSpec struct {
	Kind        RewardKind `json:"kind"`
	RewardAtoms uint64     `json:"reward_atoms,omitempty"`
	Buckets     []Bucket   `json:"buckets,omitempty"`
}

// AppendCanonical appends a fixed, unambiguous byte encoding of the spec,
// used for digest computation. Layout: kind byte, then either the reward
// amount or the bucket count followed by (odds, min, max) per bucket, all
// big-endian.
func (r RewardSpec) AppendCanonical(b []byte) []byte {
	switch r.Kind {
	case RewardBinary:
		b = append(b, 0x01)
		b = binary.BigEndian.AppendUint64(b, r.RewardAtoms)
	case RewardTiered:
		b = append(b, 0x02)
		b = append(b, byte(len(r.Buckets)))
		for _, bk := range r.Buckets {
			b = binary.BigEndian.AppendUint32(b, bk.OddsBps)
			b = binary.BigEndian.AppendUint64(b, bk.MinAtoms)
			b = binary.BigEndian.AppendUint64(b, bk.MaxAtoms)
		}
	default:
		b = append(b, 0x00)
	}
	return b
}

// Validate checks the spec against the configured bounds. For tiered specs
// priceAtoms is the net escrowed price; bucket values must additionally stay
// within price-derived multiplier bounds so a bucket cannot promise more than
// maxRewardMultiple times the price paid.
func (r RewardSpec) Validate(cfg FeeConfig, priceAtoms uint64, maxRewardMultiple uint64) error {
	switch r.Kind {
	case RewardBinary:
		if r.RewardAtoms == 0 {
			return fmt.Errorf("zero reward")
		}
		if len(r.Buckets) != 0 {
			return fmt.Errorf("binary reward carries buckets")
		}
		if r.RewardAtoms < cfg.MinRewardAtoms || r.RewardAtoms > cfg.MaxRewardAtoms {
			return fmt.Errorf("reward %d outside bounds [%d, %d]", r.RewardAtoms, cfg.MinRewardAtoms, cfg.MaxRewardAtoms)
		}
		if priceAtoms > r.RewardAtoms {
			return fmt.Errorf("escrow %d exceeds reward %d", priceAtoms, r.RewardAtoms)
		}
		return nil

	case RewardTiered:
		if r.RewardAtoms != 0 {
			return fmt.Errorf("tiered reward carries scalar amount")
		}
		n := len(r.Buckets)
		if n < 1 || n > MaxBuckets {
			return fmt.Errorf("bucket count %d outside [1, %d]", n, MaxBuckets)
		}
		// Saturating product: an overflowing ceiling means no uint64
		// bucket value can exceed it.
		ceil := uint64(math.MaxUint64)
		if maxRewardMultiple == 0 || priceAtoms <= math.MaxUint64/maxRewardMultiple {
			ceil = priceAtoms * maxRewardMultiple
		}
		var oddsSum uint64
		for i, bk := range r.Buckets {
			if bk.MinAtoms == 0 || bk.MaxAtoms == 0 {
				return fmt.Errorf("bucket %d has zero value bound", i)
			}
			if bk.MinAtoms > bk.MaxAtoms {
				return fmt.Errorf("bucket %d min %d above max %d", i, bk.MinAtoms, bk.MaxAtoms)
			}
			if bk.MinAtoms < cfg.MinRewardAtoms || bk.MaxAtoms > cfg.MaxRewardAtoms {
				return fmt.Errorf("bucket %d range [%d, %d] outside reward bounds [%d, %d]",
					i, bk.MinAtoms, bk.MaxAtoms, cfg.MinRewardAtoms, cfg.MaxRewardAtoms)
			}
			if maxRewardMultiple > 0 && bk.MaxAtoms > ceil {
				return fmt.Errorf("bucket %d max %d above price multiplier ceiling %d", i, bk.MaxAtoms, ceil)
			}
			if i > 0 && r.Buckets[i-1].MaxAtoms > bk.MinAtoms {
				return fmt.Errorf("bucket %d max %d overlaps bucket %d min %d",
					i-1, r.Buckets[i-1].MaxAtoms, i, bk.MinAtoms)
			}
			oddsSum += uint64(bk.OddsBps)
		}
		if oddsSum != BpsDenom {
			return fmt.Errorf("bucket odds sum %d, want exactly %d", oddsSum, BpsDenom)
		}
		return nil

	default:
		return fmt.Errorf("unknown reward kind %q", r.Kind)
	}
}

// BinaryOddsBps returns the win odds for a binary commit:
// floor(escrow * 10000 / reward), clamped to 10000 when escrow covers the
// full reward. The 128-bit intermediate keeps large escrows exact.
func BinaryOddsBps(escrowAtoms, rewardAtoms uint64) uint32 {
	if escrowAtoms >= rewardAtoms {
		return BpsDenom
	}
	hi, lo := bits.Mul64(escrowAtoms, BpsDenom)
	odds, _ := bits.Div64(hi, lo, rewardAtoms)
	return uint32(odds)
}

// ResolveBinary maps a draw in [0, 10000) to win/lose against the given
// odds. The comparison is strictly less-than: draw == odds is a loss.
func ResolveBinary(draw, oddsBps uint32) bool {
	return draw < oddsBps
}

// ResolveTiered maps a draw in [0, 10000) to a bucket index by accumulating
// odds weights in order. With weights summing to exactly 10000 and draw
// bounded below 10000 a bucket always exists; failure to find one means the
// stored spec is corrupt and the process must not continue settling.
func ResolveTiered(draw uint32, buckets []Bucket) int {
	var cum uint32
	for i, bk := range buckets {
		cum += bk.OddsBps
		if draw < cum {
			return i
		}
	}
	panic(fmt.Sprintf("no bucket for draw %d over %d buckets (cum=%d): corrupted reward spec", draw, len(buckets), cum))
}
