package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/slog"

	"github.com/me-foundation/luckdrop"
	"github.com/me-foundation/luckdrop/engine"
	"github.com/me-foundation/luckdrop/server/commitdb"
)

const (
	name    = "luckdrop"
	version = "v0.1.0"

	// maxBatchSize bounds every bulk entry point so worst-case per-call
	// cost stays bounded.
	maxBatchSize = 20

	defaultCancelWindow     = 24 * time.Hour
	defaultItemChoiceWindow = time.Hour
)

var (
	ErrCommitNotFound   = commitdb.ErrCommitNotFound
	ErrAlreadyFulfilled = errors.New("commit already fulfilled")
	ErrAlreadyCancelled = errors.New("commit already cancelled")
	ErrNotCancellable   = errors.New("cancellable deadline not reached")
	ErrCosignerUnknown  = errors.New("cosigner not in authorized set")
	ErrCosignerInactive = errors.New("cosigner no longer authorized")
	ErrSignerMismatch   = errors.New("recovered signer does not match cosigner")
	ErrHalted           = errors.New("engine halted")
	ErrIntakePaused     = errors.New("intake paused")
	ErrBatchTooLarge    = errors.New("batch exceeds maximum size")
	ErrBadFunding       = errors.New("supplied funds do not equal batch total")
	ErrNotOwner         = errors.New("caller is neither receiver nor cosigner")
)

// zkID aliases the account identifier type used throughout the engine.
type zkID = zkidentity.ShortID

// Op names an entry-point class for access decisions.
type Op string

const (
	OpCommit  Op = "commit"
	OpFulfill Op = "fulfill"
	OpCancel  Op = "cancel"
	OpAdmin   Op = "admin"
)

// AccessGuard decides which accounts may call which entry points and
// whether new commits and fulfillments are currently accepted. It is passed
// in as a capability; the engine has no access logic of its own.
type AccessGuard interface {
	Allow(ctx context.Context, op Op, account string) error
	AcceptingCommits() bool
	AcceptingFulfillments() bool
}

// PaymentClient delivers value to an account. The engine never retries a
// failed leg; failures degrade to treasury retention plus a failure signal.
type PaymentClient interface {
	Transfer(ctx context.Context, to zkidentity.ShortID, atoms uint64) error
}

// FundsSource debits the gross payment backing a commit before any ledger
// mutation happens. A debit failure rejects the commit atomically.
type FundsSource interface {
	Debit(ctx context.Context, from zkidentity.ShortID, atoms uint64) error
}

// OrderExecutor runs the external order call for a won or chosen item. Only
// the boolean is trusted; no data flows back into the engine.
type OrderExecutor interface {
	Execute(ctx context.Context, target string, callData []byte, atoms uint64) bool
}

// ConsolationMinter mints the fixed consolation unit to a losing receiver.
type ConsolationMinter interface {
	Mint(ctx context.Context, to zkidentity.ShortID) error
}

// AssetRescuer recovers stranded non-principal holdings. The engine only
// forwards the request after an access check.
type AssetRescuer interface {
	Rescue(ctx context.Context, asset string, to zkidentity.ShortID) error
}

// DrawSource is the deterministic extraction function: verified signature
// bytes in, bounded draw out.
type DrawSource interface {
	Draw(sig []byte) uint32
}

// TipBot is the slice of a Bison Relay bot the payments adapter needs.
type TipBot interface {
	PayTip(ctx context.Context, recipient zkidentity.ShortID, amount dcrutil.Amount, priority int32) error
}

// BotPayer adapts a Bison Relay bot into a PaymentClient: payouts are tips.
type BotPayer struct {
	Bot TipBot
}

func (p *BotPayer) Transfer(ctx context.Context, to zkidentity.ShortID, atoms uint64) error {
	return p.Bot.PayTip(ctx, to, dcrutil.Amount(atoms), 0)
}

// drawFunc lifts a plain function into a DrawSource.
type drawFunc func(sig []byte) uint32

func (f drawFunc) Draw(sig []byte) uint32 { return f(sig) }

// Config carries everything a Server needs. DB, Log, Guard, Payments and
// Funds are required; Orders, Minter, Rescuer and Draw are optional
// collaborators (Draw defaults to the built-in extractor).
type Config struct {
	DB    commitdb.CommitDB
	Log   slog.Logger
	Guard AccessGuard

	Payments PaymentClient
	Funds    FundsSource
	Orders   OrderExecutor
	Minter   ConsolationMinter
	Rescuer  AssetRescuer
	Draw     DrawSource

	Fees             engine.FeeConfig
	FeeSink          zkidentity.ShortID
	FundsSink        zkidentity.ShortID
	FeeSplitReceiver zkidentity.ShortID
	FeeSplitBps      uint32

	// MaxRewardMultiple caps tiered bucket values at a multiple of the
	// escrowed price. Zero disables the cap.
	MaxRewardMultiple uint64

	CancelWindow     time.Duration
	ItemChoiceWindow time.Duration

	// Cosigners seeds the authorized set (hex compressed pubkeys) on a
	// fresh database. An existing set in the database wins.
	Cosigners []string

	HTTPPort string
}

// Server is the settlement engine. A single mutex serializes every mutating
// entry point; terminal flags and ledger counters are committed before any
// external effect runs, so a reentrant call through a collaborator can never
// observe a half-settled commit.
type Server struct {
	sync.RWMutex

	log   slog.Logger
	db    commitdb.CommitDB
	guard AccessGuard

	payments PaymentClient
	funds    FundsSource
	orders   OrderExecutor
	minter   ConsolationMinter
	rescuer  AssetRescuer
	draw     DrawSource

	fees              engine.FeeConfig
	feeSink           zkidentity.ShortID
	fundsSink         zkidentity.ShortID
	feeSplitReceiver  zkidentity.ShortID
	feeSplitBps       uint32
	maxRewardMultiple uint64
	cancelWindow      time.Duration
	itemChoiceWindow  time.Duration

	cosigners map[string]bool // hex compressed pubkey -> active
	ledger    engine.Ledger
	nextID    uint64
	halted    bool

	events     *eventBus
	httpServer *http.Server

	// now is swapped out by deadline tests.
	now func() time.Time
}

// New builds a Server from cfg, loading the ledger, commit count and
// cosigner set from the database and starting the HTTP query listener when a
// port is configured.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("nil commit db")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("nil logger")
	}
	if cfg.Guard == nil {
		return nil, fmt.Errorf("nil access guard")
	}
	if cfg.Payments == nil {
		return nil, fmt.Errorf("nil payment client")
	}
	if cfg.Funds == nil {
		return nil, fmt.Errorf("nil funds source")
	}
	if err := cfg.Fees.Validate(); err != nil {
		return nil, fmt.Errorf("fee config: %w", err)
	}
	if cfg.FeeSplitBps > engine.BpsDenom {
		return nil, fmt.Errorf("fee split %d bps exceeds %d", cfg.FeeSplitBps, engine.BpsDenom)
	}

	ctx := context.Background()
	ledger, err := cfg.DB.Ledger(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	count, err := cfg.DB.CommitCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("load commit count: %w", err)
	}
	cosigners, err := cfg.DB.Cosigners(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cosigners: %w", err)
	}
	if len(cosigners) == 0 && len(cfg.Cosigners) > 0 {
		for _, hexKey := range cfg.Cosigners {
			cosigners[hexKey] = true
		}
		if err := cfg.DB.SaveCosigners(ctx, cosigners); err != nil {
			return nil, fmt.Errorf("seed cosigners: %w", err)
		}
	}

	s := &Server{
		log:               cfg.Log,
		db:                cfg.DB,
		guard:             cfg.Guard,
		payments:          cfg.Payments,
		funds:             cfg.Funds,
		orders:            cfg.Orders,
		minter:            cfg.Minter,
		rescuer:           cfg.Rescuer,
		draw:              cfg.Draw,
		fees:              cfg.Fees,
		feeSink:           cfg.FeeSink,
		fundsSink:         cfg.FundsSink,
		feeSplitReceiver:  cfg.FeeSplitReceiver,
		feeSplitBps:       cfg.FeeSplitBps,
		maxRewardMultiple: cfg.MaxRewardMultiple,
		cancelWindow:      cfg.CancelWindow,
		itemChoiceWindow:  cfg.ItemChoiceWindow,
		cosigners:         cosigners,
		ledger:            ledger,
		nextID:            count,
		events:            newEventBus(cfg.Log),
		now:               time.Now,
	}
	if s.draw == nil {
		s.draw = drawFunc(luckdrop.DrawFromSignature)
	}
	if s.cancelWindow <= 0 {
		s.cancelWindow = defaultCancelWindow
	}
	if s.itemChoiceWindow <= 0 {
		s.itemChoiceWindow = defaultItemChoiceWindow
	}

	if cfg.HTTPPort != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/ledger", s.handleLedger)
		mux.HandleFunc("/commit", s.handleCommitQuery)
		mux.HandleFunc("/cosigners", s.handleCosigners)
		mux.HandleFunc("/events", s.handleEvents)
		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.HTTPPort),
			Handler: mux,
		}
		go func() {
			s.log.Infof("Starting HTTP server on port %s", cfg.HTTPPort)
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Errorf("HTTP server error: %v", err)
			}
		}()
	}

	s.log.Infof("%s %s: %d commits, treasury=%d commit=%d protocol=%d, %d cosigners",
		name, version, count, ledger.TreasuryAtoms, ledger.CommitAtoms,
		ledger.ProtocolAtoms, len(cosigners))
	return s, nil
}

// Run blocks until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		s.log.Errorf("Error during server shutdown: %v", err)
	}
	return nil
}

// Shutdown stops the HTTP listener, closes event subscriptions and closes
// the database last.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		s.log.Info("Shutting down HTTP server...")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Errorf("Error shutting down HTTP server: %v", err)
		}
	}

	s.events.close()

	s.log.Info("Closing database...")
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing database: %v", err)
	}

	s.log.Info("Server shut down completed.")
	return nil
}

// Ledger returns a snapshot of the balance counters.
func (s *Server) Ledger() engine.Ledger {
	s.RLock()
	defer s.RUnlock()
	return s.ledger
}

// Commit returns the stored record for id.
func (s *Server) Commit(ctx context.Context, id uint64) (*commitdb.CommitRecord, error) {
	return s.db.Commit(ctx, id)
}

// persistLedger writes the in-memory ledger back to the database, logging
// rather than failing: the in-memory ledger is authoritative for the process
// lifetime and is re-persisted on the next mutation.
func (s *Server) persistLedger(ctx context.Context) {
	if err := s.db.SaveLedger(ctx, s.ledger); err != nil {
		s.log.Errorf("Failed to persist ledger: %v", err)
	}
}
