package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/ssgreg/repeat"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/TxnLab/stakeledger/internal/lib/algo"
	"github.com/TxnLab/stakeledger/internal/lib/config"
	"github.com/TxnLab/stakeledger/internal/lib/keeper"
	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/minter"
	"github.com/TxnLab/stakeledger/internal/lib/misc"
	"github.com/TxnLab/stakeledger/internal/lib/store"
)

var logLevel = new(slog.LevelVar) // Info by default

func initApp() *StakeApp {
	log.SetFlags(0)
	var logger *slog.Logger
	if term.IsTerminal(int(os.Stdout.Fd())) {
		// Are we running on something where output is a tty - so we're being run as CLI vs as a daemon
		logger = slog.New(misc.NewMinimalHandler(os.Stdout,
			misc.MinimalHandlerOptions{SlogOpts: slog.HandlerOptions{Level: logLevel, AddSource: true}}))
	} else {
		// not on console - output as json, but change json key names to be more compatible w/ what google logging
		// expects
		logger = slog.New(misc.NewJSONHandler(os.Stdout, logLevel))
	}
	slog.SetDefault(logger)
	if os.Getenv("DEBUG") == "1" {
		logLevel.Set(slog.LevelDebug)
	}

	misc.LoadEnvSettings(logger)

	// We initialize our wrapper instance first, so we can call its methods in the 'Before' lambda func
	// in initialization of cli App instance.
	// ledger, store and keeper are set in openLedger, only for commands that need them.
	appConfig := &StakeApp{logger: logger, clock: ledger.SystemClock{}}

	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		// daemon deployments log json into a size-rotated file instead of stdout
		out := misc.RotatingFile(logFile)
		appConfig.closers = append(appConfig.closers, out)
		appConfig.logger = slog.New(misc.NewJSONHandler(out, logLevel))
		slog.SetDefault(appConfig.logger)
	}

	appConfig.cliCmd = &cli.Command{
		Name:    "stakeledger",
		Usage:   "Staking position ledger, reward keeper and voucher service",
		Version: misc.GetVersionInfo(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			// This is further bootstrap of the 'app' but within context of 'cli' helper as it will
			// have access to flags and options (config file to use for eg) already set.
			return ctx, appConfig.initConfig(ctx, cmd)
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "envfile",
				Usage:   "env file to load",
				Sources: cli.EnvVars("STAKELEDGER_ENVFILE"),
				Aliases: []string{"e"},
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Ledger configuration file (defaults to stakeledger.yaml in the user config dir)",
				Sources:     cli.EnvVars("STAKELEDGER_CONFIG"),
				Aliases:     []string{"c"},
				Destination: &appConfig.cfgPath,
			},
			&cli.StringFlag{
				Name:    "network",
				Usage:   "Algorand network the reward minter uses (overrides the config file)",
				Aliases: []string{"n"},
				Sources: cli.EnvVars("ALGO_NETWORK"),
			},
			&cli.StringFlag{
				Name:    "as",
				Usage:   "Identity to act as",
				Sources: cli.EnvVars("STAKELEDGER_AS"),
			},
		},
		Commands: []*cli.Command{
			GetDaemonCmdOpts(),
			GetPositionCmdOpts(),
			GetVoucherCmdOpts(),
			GetRoleCmdOpts(),
			GetTierCmdOpts(),
			GetKeeperCmdOpts(),
			GetAuditCmdOpts(),
			GetTokenCmdOpts(),
			GetConfigCmdOpts(),
		},
	}
	return appConfig
}

type StakeApp struct {
	cliCmd  *cli.Command
	logger  *slog.Logger
	clock   ledger.Clock
	closers []io.Closer

	// just here for flag bootstrapping destination
	cfgPath string
	cfg     config.Config

	store   *store.SQL
	journal *store.Journal
	ledger  *ledger.Ledger
	keeper  *keeper.Scheduler
}

// initConfig loads env overrides and the ledger configuration file. A missing file means defaults.
func (ac *StakeApp) initConfig(ctx context.Context, cmd *cli.Command) error {
	if envfile := cmd.String("envfile"); envfile != "" {
		err := loadNamedEnvFile(ctx, envfile)
		if err != nil {
			return err
		}
	}
	if ac.cfgPath == "" {
		path, err := ConfigFilename()
		if err != nil {
			return err
		}
		ac.cfgPath = path
	}
	cfg, err := LoadConfig(ac.cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		misc.Debugf(ac.logger, "no config at %s, using defaults", ac.cfgPath)
		cfg = config.Default()
	case err != nil:
		return err
	}
	if network := cmd.String("network"); network != "" {
		cfg.Minter.Network = network
		if err = cfg.Validate(); err != nil {
			return err
		}
	}
	ac.cfg = cfg
	return nil
}

// openLedger restores the ledger from the store and wires the journal, minter and keeper around it.
// Commands that work on the ledger use it as their Before hook.
func openLedger(ctx context.Context, _ *cli.Command) (context.Context, error) {
	return ctx, App.openLedger(ctx)
}

func (ac *StakeApp) openLedger(ctx context.Context) error {
	if ac.ledger != nil {
		return nil
	}
	sqlStore, err := store.OpenSQL(ac.logger, ac.cfg.Storage.DSN)
	if err != nil {
		return err
	}
	ac.store = sqlStore
	ac.closers = append(ac.closers, sqlStore)

	snap, err := ac.loadSnapshot(ctx)
	if err != nil {
		return err
	}

	journal, err := store.OpenJournal(ac.logger, ac.cfg.Storage.Journal)
	if err != nil {
		return err
	}
	ac.journal = journal
	ac.closers = append(ac.closers, journal)

	lcfg, err := ac.cfg.LedgerConfig()
	if err != nil {
		return err
	}
	bus := ledger.NewBus()
	journal.Record(bus)
	l, err := ledger.New(ctx, lcfg,
		ledger.WithLogger(ac.logger),
		ledger.WithClock(ac.clock),
		ledger.WithStore(sqlStore),
		ledger.WithBus(bus),
		ledger.WithSnapshot(snap),
	)
	if err != nil {
		return err
	}
	ac.ledger = l

	mint, err := ac.newMinter(ctx)
	if err != nil {
		return err
	}
	ac.keeper, err = keeper.New(ac.logger, l, mint, ac.clock, ac.cfg.KeeperConfig())
	return err
}

// loadSnapshot reads the persisted ledger state, retrying while the database is busy or unreachable.
func (ac *StakeApp) loadSnapshot(ctx context.Context) (*ledger.Snapshot, error) {
	var (
		snap *ledger.Snapshot
		err  error
	)
	err = repeat.Repeat(
		repeat.Fn(func() error {
			snap, err = ac.store.Load(ctx)
			if err != nil {
				if ledger.IsRetryable(err) {
					return repeat.HintTemporary(err)
				}
				return err
			}
			return nil
		}),
		repeat.StopOnSuccess(),
		repeat.LimitMaxTries(10),
		repeat.FnOnError(func(err error) error {
			misc.Warnf(ac.logger, "retrying load of ledger state, error:%v", err)
			return err
		}),
		repeat.WithDelay(
			repeat.SetContextHintStop(),
			(&repeat.FullJitterBackoffBuilder{
				BaseDelay: 1 * time.Second,
				MaxDelay:  5 * time.Second,
			}).Set(),
		),
	)
	return snap, err
}

func (ac *StakeApp) newMinter(ctx context.Context) (keeper.Minter, error) {
	if ac.cfg.Minter.Kind != config.MinterAlgorand {
		return minter.NewLocal(ac.logger, ac.store, ac.clock), nil
	}
	network := ac.cfg.Minter.Network
	// Now load .env.{network} overrides - ie: .env.sandbox containing generated mnemonics
	misc.LoadEnvForNetwork(ac.logger, network)

	netCfg := algo.GetNetworkConfig(network)
	algoClient, err := algo.GetAlgoClient(ctx, ac.logger, netCfg)
	if err != nil {
		return nil, err
	}
	vers, err := algo.GetVersionString(ctx, algoClient)
	if err != nil {
		return nil, err
	}
	misc.Infof(ac.logger, "minting on %s, algod version: %s", network, vers)
	// This will load and initialize mnemonics from the environment - and handles all 'local' signing for the app
	signer, err := algo.NewLocalKeyStore(ac.logger)
	if err != nil {
		return nil, err
	}
	account := ac.cfg.Minter.Account
	if account == "" {
		account = netCfg.MinterAccount
	}
	return minter.NewAlgo(ac.logger, algoClient, signer, account, ac.store, ac.clock, ac.cfg.AlgoConfig())
}

// caller is the identity the command acts as.
func caller(cmd *cli.Command) (ledger.Identity, error) {
	as := cmd.String("as")
	if as == "" {
		return "", fmt.Errorf("%w: --as (or STAKELEDGER_AS) must name the identity to act as", ledger.ErrInvalidConfig)
	}
	return ledger.ParseIdentity(as)
}

func (ac *StakeApp) close() {
	// closers were opened in dependency order; release them in reverse
	for i := len(ac.closers) - 1; i >= 0; i-- {
		if err := ac.closers[i].Close(); err != nil {
			misc.Warnf(ac.logger, "close: %v", err)
		}
	}
	ac.closers = nil
}

func loadNamedEnvFile(ctx context.Context, envFile string) error {
	misc.Infof(App.logger, "loading env file:%s", envFile)
	return godotenv.Load(envFile)
}
