package server

import (
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/me-foundation/luckdrop/engine"
)

// EventType tags the structured outcome signals consumed by off-process
// indexers.
type EventType string

const (
	EventCommit             EventType = "commit"
	EventFulfillment        EventType = "fulfillment"
	EventTransferFailure    EventType = "transfer_failure"
	EventFeeTransferFailure EventType = "fee_transfer_failure"
	EventFeeSplit           EventType = "fee_split"
	EventCancelled          EventType = "cancelled"
	EventParamChange        EventType = "param_change"
	EventEmergencyWithdraw  EventType = "emergency_withdraw"
)

// Outcome labels for fulfillment events.
const (
	OutcomeWin    = "win"
	OutcomeLoss   = "loss"
	OutcomeBucket = "bucket"
)

// Event is the flat signal record. Fields not relevant to a given type are
// left at their zero value and elided from JSON.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	CommitID uint64 `json:"commit_id,omitempty"`
	BatchID  string `json:"batch_id,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	Cosigner string `json:"cosigner,omitempty"`
	Digest   string `json:"digest,omitempty"`

	Seed    uint64             `json:"seed,omitempty"`
	Counter uint64             `json:"counter,omitempty"`
	Amount  uint64             `json:"amount,omitempty"`
	Fee     uint64             `json:"fee,omitempty"`
	Reward  *engine.RewardSpec `json:"reward,omitempty"`

	Draw        *uint32 `json:"draw,omitempty"`
	OddsBps     uint32  `json:"odds_bps,omitempty"`
	BucketIdx   *int    `json:"bucket_idx,omitempty"`
	PayoutAtoms uint64  `json:"payout_atoms,omitempty"`
	Asset       string  `json:"asset,omitempty"`
	AssetID     uint64  `json:"asset_id,omitempty"`
	Choice      string  `json:"choice,omitempty"`
	Outcome     string  `json:"outcome,omitempty"`

	Param string `json:"param,omitempty"`
	Old   string `json:"old,omitempty"`
	New   string `json:"new,omitempty"`

	Reason string `json:"reason,omitempty"`
}

const eventRingSize = 256

// eventBus is a minimal fan-out: every published event goes to each
// subscriber (non-blocking, slow receivers drop) and into a fixed-size ring
// served by the HTTP query surface. No per-topic state is retained.
type eventBus struct {
	log slog.Logger

	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	ring   []Event
	closed bool
}

func newEventBus(log slog.Logger) *eventBus {
	return &eventBus{
		log:  log,
		subs: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a listener and returns the channel plus an unsubscribe
// func. No replay of the ring is sent; first data arrives on next publish.
func (b *eventBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	b.log.Debugf("events: subscribed (subs=%d)", n)

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		remaining := len(b.subs)
		b.mu.Unlock()
		b.log.Debugf("events: unsubscribed (subs=%d)", remaining)
		// Do not close(ch): the publisher may still try to send; let the
		// receiver stop by context.
	}
	return ch, unsub
}

func (b *eventBus) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.ring = append(b.ring, ev)
	if len(b.ring) > eventRingSize {
		b.ring = b.ring[len(b.ring)-eventRingSize:]
	}
	chs := make([]chan Event, 0, len(b.subs))
	for ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.Unlock()

	b.log.Debugf("events: %s commit=%d to %d listeners", ev.Type, ev.CommitID, len(chs))
	for _, ch := range chs {
		select {
		case ch <- ev:
		default:
			// Drop if receiver is slow.
		}
	}
}

// recent returns a copy of the ring, newest last.
func (b *eventBus) recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.ring))
	copy(out, b.ring)
	return out
}

func (b *eventBus) close() {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[chan Event]struct{})
	b.mu.Unlock()
}

// Events exposes the bus for indexers.
func (s *Server) Events() (<-chan Event, func()) {
	return s.events.Subscribe()
}
