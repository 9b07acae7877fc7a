package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/companyzero/bisonrelay/clientrpc/types"
	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/slog"
	"github.com/vctt94/bisonbotkit"
	"github.com/vctt94/bisonbotkit/logging"
	"github.com/vctt94/bisonbotkit/utils"
	"golang.org/x/sync/errgroup"

	"github.com/me-foundation/luckdrop/server"
	"github.com/me-foundation/luckdrop/server/commitdb"
)

var (
	datadir  = flag.String("datadir", "", "Directory to load config file from")
	httpPort = flag.String("httpport", "", "Override HTTP query port")
)

// staticGuard admits everyone to commit, cancel and fulfill; admin entry
// points require membership in the configured set. Pausing intake is an
// operator restart away, so the toggles are constant.
type staticGuard struct {
	admins map[string]bool
}

func (g *staticGuard) Allow(_ context.Context, op server.Op, account string) error {
	if op != server.OpAdmin {
		return nil
	}
	if !g.admins[account] {
		return fmt.Errorf("account %s is not an admin", account)
	}
	return nil
}

func (g *staticGuard) AcceptingCommits() bool      { return true }
func (g *staticGuard) AcceptingFulfillments() bool { return true }

// tipBook tracks prepaid balances funded by received tips. A commit debits
// the payer's balance; unfunded commits are rejected.
type tipBook struct {
	mu       sync.Mutex
	log      slog.Logger
	balances map[zkidentity.ShortID]uint64
}

func newTipBook(log slog.Logger) *tipBook {
	return &tipBook{log: log, balances: make(map[zkidentity.ShortID]uint64)}
}

func (t *tipBook) credit(from zkidentity.ShortID, atoms uint64) {
	t.mu.Lock()
	t.balances[from] += atoms
	bal := t.balances[from]
	t.mu.Unlock()
	t.log.Infof("Credited %d atoms to %s (balance %d)", atoms, from, bal)
}

func (t *tipBook) Debit(_ context.Context, from zkidentity.ShortID, atoms uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balances[from] < atoms {
		return fmt.Errorf("balance %d below required %d", t.balances[from], atoms)
	}
	t.balances[from] -= atoms
	return nil
}

func realMain() error {
	flag.Parse()
	if *datadir == "" {
		*datadir = utils.AppDataDir("luckdropd", false)
	}
	cfg, err := LoadLuckdropConfig(*datadir, "luckdropd.conf")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *httpPort != "" {
		cfg.HTTPPort = *httpPort
	}
	if cfg.DBFile == "" {
		cfg.DBFile = filepath.Join(*datadir, "luckdrop.db")
	}

	lb, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(*datadir, "logs", "luckdropd.log"),
		DebugLevel:     cfg.Debug,
		MaxLogFiles:    10,
		MaxBufferLines: 1000,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := lb.Logger("luckdropd")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// Tips fund commits; route them into the balance book before starting
	// the bot.
	tipChan := make(chan types.ReceivedTip, 16)
	cfg.TipReceivedChan = tipChan

	bot, err := bisonbotkit.NewBot(cfg.BotConfig, lb)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	g.Go(func() error { return bot.Run(gctx) })

	db, err := commitdb.NewBoltDB(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	admins := make(map[string]bool, len(cfg.Admins))
	for _, a := range cfg.Admins {
		admins[a] = true
	}
	book := newTipBook(lb.Logger("funds"))

	srv, err := server.New(server.Config{
		DB:                db,
		Log:               lb.Logger("engine"),
		Guard:             &staticGuard{admins: admins},
		Payments:          &server.BotPayer{Bot: bot},
		Funds:             book,
		Fees:              cfg.Fees,
		FeeSink:           cfg.FeeSink,
		FundsSink:         cfg.FundsSink,
		FeeSplitReceiver:  cfg.FeeSplitReceiver,
		FeeSplitBps:       cfg.FeeSplitBps,
		MaxRewardMultiple: cfg.MaxRewardMultiple,
		Cosigners:         cfg.Cosigners,
		HTTPPort:          cfg.HTTPPort,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case tip := <-tipChan:
				var from zkidentity.ShortID
				copy(from[:], tip.Uid)
				book.credit(from, uint64(tip.AmountMatoms/1000))
				if err := bot.AckTipReceived(gctx, tip.SequenceId); err != nil {
					log.Warnf("ack tip %d: %v", tip.SequenceId, err)
				}
			}
		}
	})

	g.Go(func() error { return srv.Run(gctx) })

	log.Infof("luckdropd running, datadir %s", *datadir)
	err = g.Wait()
	if err == context.Canceled {
		err = nil
	}
	return err
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
