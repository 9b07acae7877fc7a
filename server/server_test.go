package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me-foundation/luckdrop"
	"github.com/me-foundation/luckdrop/engine"
	"github.com/me-foundation/luckdrop/server/commitdb"
)

// testGuard allows everything by default; individual ops can be denied.
type testGuard struct {
	mu   sync.Mutex
	deny map[Op]error
}

func (g *testGuard) Allow(_ context.Context, op Op, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deny[op]
}
func (g *testGuard) AcceptingCommits() bool      { return true }
func (g *testGuard) AcceptingFulfillments() bool { return true }

func (g *testGuard) denyOp(op Op, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deny == nil {
		g.deny = make(map[Op]error)
	}
	g.deny[op] = err
}

type payment struct {
	to    zkidentity.ShortID
	atoms uint64
}

// payMock records transfers and can be told to fail deliveries to specific
// accounts.
type payMock struct {
	mu   sync.Mutex
	sent []payment
	fail map[zkidentity.ShortID]bool
}

func (p *payMock) Transfer(_ context.Context, to zkidentity.ShortID, atoms uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[to] {
		return fmt.Errorf("receiver rejected payment")
	}
	p.sent = append(p.sent, payment{to: to, atoms: atoms})
	return nil
}

func (p *payMock) failFor(to zkidentity.ShortID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail == nil {
		p.fail = make(map[zkidentity.ShortID]bool)
	}
	p.fail[to] = true
}

func (p *payMock) totalTo(to zkidentity.ShortID) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sum uint64
	for _, pm := range p.sent {
		if pm.to == to {
			sum += pm.atoms
		}
	}
	return sum
}

type fundsMock struct {
	mu      sync.Mutex
	debited uint64
	fail    bool
}

func (f *fundsMock) Debit(_ context.Context, _ zkidentity.ShortID, atoms uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("insufficient balance")
	}
	f.debited += atoms
	return nil
}

// fixedDraw pins the extraction function to a known value.
type fixedDraw uint32

func (d fixedDraw) Draw([]byte) uint32 { return uint32(d) }

type testHarness struct {
	srv      *Server
	db       *commitdb.BoltDB
	guard    *testGuard
	pay      *payMock
	funds    *fundsMock
	priv     *secp256k1.PrivateKey
	cosigner []byte

	payer    zkidentity.ShortID
	receiver zkidentity.ShortID
	feeSink  zkidentity.ShortID
	fundSink zkidentity.ShortID
}

var testFees = engine.FeeConfig{
	ProtocolFeeBps: 250,
	BulkPremiumBps: 50,
	MinRewardAtoms: 1_000,
	MaxRewardAtoms: 1_000_000_000,
	MinPriceAtoms:  1_000,
	MaxPriceAtoms:  1_000_000_000,
}

func newTestHarness(t *testing.T, draw DrawSource) *testHarness {
	t.Helper()

	db, err := commitdb.NewBoltDB(filepath.Join(t.TempDir(), "commits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	cosigner := priv.PubKey().SerializeCompressed()

	h := &testHarness{
		db:       db,
		guard:    &testGuard{},
		pay:      &payMock{},
		funds:    &fundsMock{},
		priv:     priv,
		cosigner: cosigner,
	}
	h.payer[0] = 0x01
	h.receiver[0] = 0x02
	h.feeSink[0] = 0xfe
	h.fundSink[0] = 0xfd

	srv, err := New(Config{
		DB:        db,
		Log:       slog.Disabled,
		Guard:     h.guard,
		Payments:  h.pay,
		Funds:     h.funds,
		Draw:      draw,
		Fees:      testFees,
		FeeSink:   h.feeSink,
		FundsSink: h.fundSink,
		Cosigners: []string{fmt.Sprintf("%x", cosigner)},
	})
	require.NoError(t, err)
	h.srv = srv
	return h
}

func (h *testHarness) binaryRequest(gross, reward uint64) *CommitRequest {
	return &CommitRequest{
		Payer:       h.payer,
		Receiver:    h.receiver,
		Cosigner:    h.cosigner,
		Seed:        1,
		PayloadHash: make([]byte, 32),
		GrossAtoms:  gross,
		Reward:      engine.RewardSpec{Kind: engine.RewardBinary, RewardAtoms: reward},
	}
}

func (h *testHarness) tieredRequest(gross uint64, buckets []engine.Bucket) *CommitRequest {
	return &CommitRequest{
		Payer:       h.payer,
		Receiver:    h.receiver,
		Cosigner:    h.cosigner,
		Seed:        2,
		PayloadHash: make([]byte, 32),
		GrossAtoms:  gross,
		Reward:      engine.RewardSpec{Kind: engine.RewardTiered, Buckets: buckets},
	}
}

// fulfillRequest signs the stored commit digest and terms with the harness
// cosigner key.
func (h *testHarness) fulfillRequest(t *testing.T, id uint64, terms luckdrop.FulfillmentTerms) *FulfillRequest {
	t.Helper()
	rec, err := h.srv.Commit(context.Background(), id)
	require.NoError(t, err)

	var digest [32]byte
	copy(digest[:], rec.Digest)
	terms.CommitDigest = digest
	return &FulfillRequest{
		CommitID:  id,
		CommitSig: luckdrop.SignDigest(h.priv, digest),
		Terms:     terms,
		TermsSig:  luckdrop.SignDigest(h.priv, terms.Digest()),
	}
}

func TestCreateCommit(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	id, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)

	rec, err := h.srv.Commit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), rec.EscrowAtoms)
	assert.Equal(t, uint64(25_000), rec.FeeAtoms)
	assert.Equal(t, h.receiver, rec.Receiver)
	assert.Len(t, rec.Digest, 32)
	assert.False(t, rec.Terminal())

	l := h.srv.Ledger()
	assert.Equal(t, uint64(1_000_000), l.CommitAtoms)
	assert.Equal(t, uint64(25_000), l.ProtocolAtoms)
	assert.Zero(t, l.TreasuryAtoms)
	assert.Equal(t, uint64(1_025_000), h.funds.debited)

	// Ids are dense and the per-receiver counter advances.
	id2, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id2)
	rec2, err := h.srv.Commit(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec2.Counter)
	assert.NotEqual(t, rec.Digest, rec2.Digest)
}

func TestCreateCommitRejections(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	t.Run("unknown cosigner", func(t *testing.T) {
		other, err := secp256k1.GeneratePrivateKey()
		require.NoError(t, err)
		req := h.binaryRequest(1_025_000, 2_000_000)
		req.Cosigner = other.PubKey().SerializeCompressed()
		_, err = h.srv.CreateCommit(ctx, req)
		assert.ErrorIs(t, err, ErrCosignerUnknown)
	})

	t.Run("malformed cosigner key", func(t *testing.T) {
		req := h.binaryRequest(1_025_000, 2_000_000)
		req.Cosigner = []byte{0x99, 0x01}
		_, err := h.srv.CreateCommit(ctx, req)
		assert.Error(t, err)
	})

	t.Run("price below bound", func(t *testing.T) {
		_, err := h.srv.CreateCommit(ctx, h.binaryRequest(999, 2_000))
		assert.Error(t, err)
	})

	t.Run("escrow above reward", func(t *testing.T) {
		_, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 999_999))
		assert.Error(t, err)
	})

	t.Run("bad payload hash", func(t *testing.T) {
		req := h.binaryRequest(1_025_000, 2_000_000)
		req.PayloadHash = make([]byte, 31)
		_, err := h.srv.CreateCommit(ctx, req)
		assert.Error(t, err)
	})

	t.Run("funding debit failure leaves no trace", func(t *testing.T) {
		h.funds.fail = true
		defer func() { h.funds.fail = false }()
		_, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
		assert.Error(t, err)
		assert.Zero(t, h.srv.Ledger().Total())
	})
}

func TestFulfillBinaryWin(t *testing.T) {
	// Odds are escrow/reward = 5000 bps; draw 4999 wins.
	h := newTestHarness(t, fixedDraw(4_999))
	ctx := context.Background()

	id, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)

	// Pre-fund the treasury so the 2x payout is coverable.
	require.NoError(t, h.srv.FundTreasury(ctx, "admin", h.payer, 5_000_000))

	req := h.fulfillRequest(t, id, luckdrop.FulfillmentTerms{
		OrderAtoms:  2_000_000,
		PayoutAtoms: 2_000_000,
	})
	require.NoError(t, h.srv.Fulfill(ctx, req))

	rec, err := h.srv.Commit(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Fulfilled)

	// Receiver got the reward, fee sink got the percentage fee.
	assert.Equal(t, uint64(2_000_000), h.pay.totalTo(h.receiver))
	assert.Equal(t, uint64(25_000), h.pay.totalTo(h.feeSink))

	l := h.srv.Ledger()
	assert.Zero(t, l.CommitAtoms)
	assert.Zero(t, l.ProtocolAtoms)
	// 5M float + 1.025M settled - 2M payout - 25k fee sweep.
	assert.Equal(t, uint64(4_000_000), l.TreasuryAtoms)
}

func TestFulfillBinaryLoss(t *testing.T) {
	// Draw 5000 at 5000 bps odds is a loss.
	h := newTestHarness(t, fixedDraw(5_000))
	ctx := context.Background()

	id, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)

	req := h.fulfillRequest(t, id, luckdrop.FulfillmentTerms{
		OrderAtoms:  2_000_000,
		PayoutAtoms: 2_000_000,
	})
	require.NoError(t, h.srv.Fulfill(ctx, req))

	// No payout; escrow stays in treasury, fee swept.
	assert.Zero(t, h.pay.totalTo(h.receiver))
	assert.Equal(t, uint64(25_000), h.pay.totalTo(h.feeSink))
	assert.Equal(t, uint64(1_000_000), h.srv.Ledger().TreasuryAtoms)
}

func TestFulfillIdempotence(t *testing.T) {
	h := newTestHarness(t, fixedDraw(9_999))
	ctx := context.Background()

	id, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)

	req := h.fulfillRequest(t, id, luckdrop.FulfillmentTerms{
		OrderAtoms:  2_000_000,
		PayoutAtoms: 2_000_000,
	})
	require.NoError(t, h.srv.Fulfill(ctx, req))

	before := h.srv.Ledger()
	err = h.srv.Fulfill(ctx, req)
	assert.ErrorIs(t, err, ErrAlreadyFulfilled)
	// The losing path must not have moved a single atom.
	assert.Equal(t, before, h.srv.Ledger())
}

func TestFulfillDeclaredAmountMismatch(t *testing.T) {
	h := newTestHarness(t, fixedDraw(0))
	ctx := context.Background()

	id, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)

	req := h.fulfillRequest(t, id, luckdrop.FulfillmentTerms{
		OrderAtoms:  1_999_999,
		PayoutAtoms: 2_000_000,
	})
	require.Error(t, h.srv.Fulfill(ctx, req))

	rec, err := h.srv.Commit(ctx, id)
	require.NoError(t, err)
	assert.False(t, rec.Terminal())
}

func TestFulfillSignatureChecks(t *testing.T) {
	h := newTestHarness(t, fixedDraw(0))
	ctx := context.Background()

	id, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)

	terms := luckdrop.FulfillmentTerms{OrderAtoms: 2_000_000, PayoutAtoms: 2_000_000}

	t.Run("wrong key", func(t *testing.T) {
		other, err := secp256k1.GeneratePrivateKey()
		require.NoError(t, err)
		req := h.fulfillRequest(t, id, terms)
		rec, err := h.srv.Commit(ctx, id)
		require.NoError(t, err)
		var digest [32]byte
		copy(digest[:], rec.Digest)
		req.CommitSig = luckdrop.SignDigest(other, digest)
		assert.ErrorIs(t, h.srv.Fulfill(ctx, req), ErrSignerMismatch)
	})

	t.Run("revoked cosigner", func(t *testing.T) {
		req := h.fulfillRequest(t, id, terms)
		require.NoError(t, h.srv.RemoveCosigner(ctx, "admin", h.cosigner))
		assert.ErrorIs(t, h.srv.Fulfill(ctx, req), ErrCosignerInactive)

		// Reactivating restores settlement.
		require.NoError(t, h.srv.AddCosigner(ctx, "admin", h.cosigner))
		assert.NoError(t, h.srv.Fulfill(ctx, req))
	})
}

func TestFulfillRejectingReceiverStillFinalizes(t *testing.T) {
	h := newTestHarness(t, fixedDraw(0)) // guaranteed win
	ctx := context.Background()

	id, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)
	require.NoError(t, h.srv.FundTreasury(ctx, "admin", h.payer, 5_000_000))

	h.pay.failFor(h.receiver)

	events, unsub := h.srv.Events()
	defer unsub()

	req := h.fulfillRequest(t, id, luckdrop.FulfillmentTerms{
		OrderAtoms:  2_000_000,
		PayoutAtoms: 2_000_000,
	})
	require.NoError(t, h.srv.Fulfill(ctx, req))

	rec, err := h.srv.Commit(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Fulfilled)

	// The payout stayed in the treasury and a failure signal was emitted.
	assert.Zero(t, h.pay.totalTo(h.receiver))
	assert.Equal(t, uint64(6_000_000), h.srv.Ledger().TreasuryAtoms)

	var sawFailure bool
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == EventTransferFailure && ev.CommitID == id {
				sawFailure = true
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	assert.True(t, sawFailure, "expected a transfer failure event")
}

func TestFulfillTiered(t *testing.T) {
	buckets := []engine.Bucket{
		{OddsBps: 9_000, MinAtoms: 100_000, MaxAtoms: 500_000},
		{OddsBps: 1_000, MinAtoms: 500_000, MaxAtoms: 5_000_000},
	}

	t.Run("cash payout within bucket", func(t *testing.T) {
		h := newTestHarness(t, fixedDraw(8_999)) // bucket 0
		ctx := context.Background()

		id, err := h.srv.CreateCommit(ctx, h.tieredRequest(1_025_000, buckets))
		require.NoError(t, err)
		require.NoError(t, h.srv.FundTreasury(ctx, "admin", h.payer, 5_000_000))

		req := h.fulfillRequest(t, id, luckdrop.FulfillmentTerms{
			OrderAtoms:  300_000,
			PayoutAtoms: 300_000,
			Choice:      luckdrop.ChoiceCash,
		})
		require.NoError(t, h.srv.Fulfill(ctx, req))

		// Revenue forwarded to the funds sink, payout to the receiver.
		assert.Equal(t, uint64(1_000_000), h.pay.totalTo(h.fundSink))
		assert.Equal(t, uint64(300_000), h.pay.totalTo(h.receiver))
		assert.Equal(t, uint64(25_000), h.pay.totalTo(h.feeSink))
	})

	t.Run("amount outside bucket rejected", func(t *testing.T) {
		h := newTestHarness(t, fixedDraw(9_500)) // bucket 1
		ctx := context.Background()

		id, err := h.srv.CreateCommit(ctx, h.tieredRequest(1_025_000, buckets))
		require.NoError(t, err)

		req := h.fulfillRequest(t, id, luckdrop.FulfillmentTerms{
			OrderAtoms:  300_000, // bucket 1 floor is 500k
			PayoutAtoms: 600_000,
		})
		assert.Error(t, h.srv.Fulfill(ctx, req))
	})

	t.Run("item choice downgrades past deadline", func(t *testing.T) {
		h := newTestHarness(t, fixedDraw(0))
		ctx := context.Background()

		id, err := h.srv.CreateCommit(ctx, h.tieredRequest(1_025_000, buckets))
		require.NoError(t, err)
		require.NoError(t, h.srv.FundTreasury(ctx, "admin", h.payer, 5_000_000))

		// Advance past the item-choice deadline.
		h.srv.now = func() time.Time { return time.Now().Add(2 * defaultItemChoiceWindow) }

		req := h.fulfillRequest(t, id, luckdrop.FulfillmentTerms{
			OrderAtoms:  300_000,
			PayoutAtoms: 300_000,
			Choice:      luckdrop.ChoiceItem,
		})
		require.NoError(t, h.srv.Fulfill(ctx, req))

		// Downgraded to cash: payout went straight to the receiver.
		assert.Equal(t, uint64(300_000), h.pay.totalTo(h.receiver))
	})
}

func TestCancelRefundAsymmetry(t *testing.T) {
	t.Run("binary refunds escrow plus fee", func(t *testing.T) {
		h := newTestHarness(t, nil)
		ctx := context.Background()

		id, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
		require.NoError(t, err)

		h.srv.now = func() time.Time { return time.Now().Add(2 * defaultCancelWindow) }
		require.NoError(t, h.srv.Cancel(ctx, h.receiver.String(), id))

		assert.Equal(t, uint64(1_025_000), h.pay.totalTo(h.receiver))
		assert.Zero(t, h.srv.Ledger().Total())
	})

	t.Run("tiered refunds escrow only", func(t *testing.T) {
		h := newTestHarness(t, nil)
		ctx := context.Background()

		buckets := []engine.Bucket{{OddsBps: engine.BpsDenom, MinAtoms: 100_000, MaxAtoms: 500_000}}
		id, err := h.srv.CreateCommit(ctx, h.tieredRequest(1_025_000, buckets))
		require.NoError(t, err)

		h.srv.now = func() time.Time { return time.Now().Add(2 * defaultCancelWindow) }
		require.NoError(t, h.srv.Cancel(ctx, h.receiver.String(), id))

		// Fee is earned at intake for tiered commits and retained.
		assert.Equal(t, uint64(1_000_000), h.pay.totalTo(h.receiver))
		assert.Equal(t, uint64(25_000), h.srv.Ledger().TreasuryAtoms)
	})
}

func TestCancelGates(t *testing.T) {
	h := newTestHarness(t, fixedDraw(9_999))
	ctx := context.Background()

	id, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)

	t.Run("before deadline", func(t *testing.T) {
		assert.ErrorIs(t, h.srv.Cancel(ctx, h.receiver.String(), id), ErrNotCancellable)
	})

	t.Run("stranger cannot cancel", func(t *testing.T) {
		h.srv.now = func() time.Time { return time.Now().Add(2 * defaultCancelWindow) }
		assert.ErrorIs(t, h.srv.Cancel(ctx, "someone-else", id), ErrNotOwner)
	})

	t.Run("anyone can expire", func(t *testing.T) {
		require.NoError(t, h.srv.Expire(ctx, id))
		rec, err := h.srv.Commit(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.Cancelled)
	})

	t.Run("terminal commit cannot settle", func(t *testing.T) {
		req := h.fulfillRequest(t, id, luckdrop.FulfillmentTerms{
			OrderAtoms:  2_000_000,
			PayoutAtoms: 2_000_000,
		})
		assert.ErrorIs(t, h.srv.Fulfill(ctx, req), ErrAlreadyCancelled)
		assert.ErrorIs(t, h.srv.Expire(ctx, id), ErrAlreadyCancelled)
	})
}

func TestBulkCreateCommit(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	reqs := []*CommitRequest{
		h.binaryRequest(1_030_000, 2_000_000),
		h.binaryRequest(2_060_000, 4_000_000),
	}

	t.Run("funding must match exactly", func(t *testing.T) {
		_, err := h.srv.BulkCreateCommit(ctx, h.payer, reqs, 3_090_001)
		assert.ErrorIs(t, err, ErrBadFunding)
		_, err = h.srv.BulkCreateCommit(ctx, h.payer, reqs, 3_089_999)
		assert.ErrorIs(t, err, ErrBadFunding)
		assert.Zero(t, h.srv.Ledger().Total())
	})

	t.Run("batch at bulk rate", func(t *testing.T) {
		ids, err := h.srv.BulkCreateCommit(ctx, h.payer, reqs, 3_090_000)
		require.NoError(t, err)
		require.Equal(t, []uint64{0, 1}, ids)

		// 300 bps bulk rate: 1_030_000 -> 1_000_000 net.
		rec, err := h.srv.Commit(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(1_000_000), rec.EscrowAtoms)
		assert.Equal(t, uint64(30_000), rec.FeeAtoms)
		assert.True(t, rec.Bulk)
		assert.NotEmpty(t, rec.BatchID)

		rec2, err := h.srv.Commit(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, rec.BatchID, rec2.BatchID)
	})

	t.Run("oversized batch rejected", func(t *testing.T) {
		big := make([]*CommitRequest, maxBatchSize+1)
		for i := range big {
			big[i] = h.binaryRequest(1_030_000, 2_000_000)
		}
		_, err := h.srv.BulkCreateCommit(ctx, h.payer, big, 0)
		assert.ErrorIs(t, err, ErrBatchTooLarge)
	})

	t.Run("one invalid item fails the whole batch", func(t *testing.T) {
		before := h.srv.Ledger()
		bad := []*CommitRequest{
			h.binaryRequest(1_030_000, 2_000_000),
			h.binaryRequest(999, 2_000_000), // below price bound
		}
		_, err := h.srv.BulkCreateCommit(ctx, h.payer, bad, 1_030_999)
		assert.Error(t, err)
		assert.Equal(t, before, h.srv.Ledger())
	})
}

func TestFulfillByDigest(t *testing.T) {
	h := newTestHarness(t, fixedDraw(9_999))
	ctx := context.Background()

	id, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)
	rec, err := h.srv.Commit(ctx, id)
	require.NoError(t, err)

	req := h.fulfillRequest(t, id, luckdrop.FulfillmentTerms{
		OrderAtoms:  2_000_000,
		PayoutAtoms: 2_000_000,
	})
	require.NoError(t, h.srv.FulfillByDigest(ctx, rec.Digest, req))

	got, err := h.srv.Commit(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Fulfilled)

	err = h.srv.FulfillByDigest(ctx, make([]byte, 32), req)
	assert.ErrorIs(t, err, commitdb.ErrDigestNotFound)
}

func TestEmergencyWithdrawHaltsEngine(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	_, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)

	var vault zkidentity.ShortID
	vault[0] = 0x7f
	require.NoError(t, h.srv.EmergencyWithdrawAll(ctx, "admin", vault))

	assert.Equal(t, uint64(1_025_000), h.pay.totalTo(vault))
	assert.Zero(t, h.srv.Ledger().Total())

	_, err = h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	assert.ErrorIs(t, err, ErrHalted)
	assert.ErrorIs(t, h.srv.Expire(ctx, 0), ErrHalted)
}

func TestWithdrawBoundedByTreasury(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	// Escrowed funds alone: nothing withdrawable.
	_, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)

	var out zkidentity.ShortID
	out[0] = 0x11
	assert.Error(t, h.srv.Withdraw(ctx, "admin", out, 1))

	require.NoError(t, h.srv.FundTreasury(ctx, "admin", h.payer, 500_000))
	require.NoError(t, h.srv.Withdraw(ctx, "admin", out, 500_000))
	assert.Error(t, h.srv.Withdraw(ctx, "admin", out, 1))
	assert.Equal(t, uint64(500_000), h.pay.totalTo(out))
}

func TestGuardGatesOperations(t *testing.T) {
	h := newTestHarness(t, fixedDraw(9_999))
	ctx := context.Background()
	denied := fmt.Errorf("operator suspended")

	id, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)

	t.Run("commit", func(t *testing.T) {
		h.guard.denyOp(OpCommit, denied)
		defer h.guard.denyOp(OpCommit, nil)
		_, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
		assert.ErrorIs(t, err, denied)
		_, err = h.srv.BulkCreateCommit(ctx, h.payer,
			[]*CommitRequest{h.binaryRequest(1_030_000, 2_000_000)}, 1_030_000)
		assert.ErrorIs(t, err, denied)
	})

	t.Run("fulfill", func(t *testing.T) {
		h.guard.denyOp(OpFulfill, denied)
		defer h.guard.denyOp(OpFulfill, nil)
		req := h.fulfillRequest(t, id, luckdrop.FulfillmentTerms{
			OrderAtoms:  2_000_000,
			PayoutAtoms: 2_000_000,
		})
		assert.ErrorIs(t, h.srv.Fulfill(ctx, req), denied)
		rec, err := h.srv.Commit(ctx, id)
		require.NoError(t, err)
		assert.False(t, rec.Terminal())
	})

	t.Run("cancel", func(t *testing.T) {
		h.srv.now = func() time.Time { return time.Now().Add(2 * defaultCancelWindow) }
		h.guard.denyOp(OpCancel, denied)
		assert.ErrorIs(t, h.srv.Cancel(ctx, h.receiver.String(), id), denied)
		errs := h.srv.BulkCancel(ctx, h.receiver.String(), []uint64{id})
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], denied)

		h.guard.denyOp(OpCancel, nil)
		require.NoError(t, h.srv.Cancel(ctx, h.receiver.String(), id))
	})
}

func TestLedgerSurvivesRestart(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	id, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)
	_, err = h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
	require.NoError(t, err)

	h.srv.now = func() time.Time { return time.Now().Add(2 * defaultCancelWindow) }
	require.NoError(t, h.srv.Cancel(ctx, h.receiver.String(), id))

	// A second engine over the same store must reconstruct the exact
	// counters the first holds in memory: record writes and ledger
	// snapshots share a transaction, so there is no window where a
	// commit exists without its counters.
	srv2, err := New(Config{
		DB:        h.db,
		Log:       slog.Disabled,
		Guard:     h.guard,
		Payments:  h.pay,
		Funds:     h.funds,
		Fees:      testFees,
		FeeSink:   h.feeSink,
		FundsSink: h.fundSink,
	})
	require.NoError(t, err)

	assert.Equal(t, h.srv.Ledger(), srv2.Ledger())
	assert.Equal(t, uint64(1_000_000), srv2.Ledger().CommitAtoms)
	assert.Equal(t, uint64(25_000), srv2.Ledger().ProtocolAtoms)
}

// flakyDB fails AppendCommit on demand, passing everything else through.
type flakyDB struct {
	commitdb.CommitDB
	failAppend bool
}

func (f *flakyDB) AppendCommit(ctx context.Context, rec *commitdb.CommitRecord, l engine.Ledger) error {
	if f.failAppend {
		return fmt.Errorf("disk full")
	}
	return f.CommitDB.AppendCommit(ctx, rec, l)
}

func TestFlatFeeForwardedOnlyAfterAppend(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()
	h.srv.fees.FlatFeeAtoms = 10_000

	t.Run("storage fault keeps the flat fee", func(t *testing.T) {
		h.srv.db = &flakyDB{CommitDB: h.db, failAppend: true}
		defer func() { h.srv.db = h.db }()

		_, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
		require.Error(t, err)
		assert.Zero(t, h.pay.totalTo(h.feeSink))
		assert.Zero(t, h.srv.Ledger().Total())
	})

	t.Run("durable record forwards the flat fee", func(t *testing.T) {
		_, err := h.srv.CreateCommit(ctx, h.binaryRequest(1_025_000, 2_000_000))
		require.NoError(t, err)
		assert.Equal(t, uint64(10_000), h.pay.totalTo(h.feeSink))
	})
}

func TestParamChangeEmitsEvent(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	events, unsub := h.srv.Events()
	defer unsub()

	require.NoError(t, h.srv.SetProtocolFee(ctx, "admin", 300))

	select {
	case ev := <-events:
		assert.Equal(t, EventParamChange, ev.Type)
		assert.Equal(t, "protocol_fee_bps", ev.Param)
		assert.Equal(t, "250", ev.Old)
		assert.Equal(t, "300", ev.New)
	case <-time.After(time.Second):
		t.Fatal("no param change event")
	}

	assert.Error(t, h.srv.SetProtocolFee(ctx, "admin", engine.BpsDenom+1))
}
