package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/TxnLab/stakeledger/internal/lib/api"
	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

func GetDaemonCmdOpts() *cli.Command {
	return &cli.Command{
		Name:    "daemon",
		Aliases: []string{"d"},
		Usage:   "Run the keeper and the hosting API as a daemon",
		Before:  openLedger,
		Action:  runAsDaemon,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "API listen address (overrides the config file, empty string disables the API)",
				Sources: cli.EnvVars("STAKELEDGER_LISTEN"),
			},
		},
	}
}

func runAsDaemon(ctx context.Context, command *cli.Command) error {
	var wg sync.WaitGroup

	cfg := App.cfg
	listen := cfg.API.Listen
	if command.IsSet("listen") {
		listen = command.String("listen")
	}
	var server *api.Server
	if listen != "" {
		var err error
		server, err = newAPIServer()
		if err != nil {
			return err
		}
	}
	dcfg := daemonConfig{PollInterval: cfg.Keeper.PollInterval.Duration, Listen: listen}
	if cfg.Keeper.AutoBundle {
		operator, err := ledger.ParseIdentity(cfg.Keeper.Operator)
		if err != nil {
			return err
		}
		if err = App.ledger.Access.Require(operator, ledger.RoleMinter); err != nil {
			misc.Warnf(App.logger, "auto bundles enabled but operator %s cannot issue them yet: %v", operator, err)
		}
		dcfg.Operator = operator
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error, 2)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)

	newDaemon(App.logger, App.ledger, App.keeper, App.clock, server, dcfg).start(ctx, &wg, errc)

	misc.Infof(App.logger, "exiting (%v)", <-errc) // wait for termination signal

	// Send cancellation signal to the goroutines.
	cancel()
	misc.Infof(App.logger, "waiting on background tasks..")
	wg.Wait()

	misc.Infof(App.logger, "exited")
	return nil
}

func newAPIServer() (*api.Server, error) {
	secret, err := misc.RequireSecret(api.SecretEnvName)
	if err != nil {
		return nil, err
	}
	auth, err := api.NewAuthenticator(secret, App.clock)
	if err != nil {
		return nil, err
	}
	return api.New(App.logger, App.ledger, App.keeper, api.Config{
		Auth:      auth,
		Limiter:   api.NewRateLimiter(App.cfg.API.RateLimit, App.cfg.API.Burst, App.clock),
		Artifacts: App.store,
		Clock:     App.clock,
	}), nil
}

func GetTokenCmdOpts() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "Issue an API bearer token for an identity",
		ArgsUsage: "<identity>",
		Action:    IssueToken,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime (defaults to api.token_ttl from the config file)",
			},
		},
	}
}

func IssueToken(ctx context.Context, command *cli.Command) error {
	id, err := ledger.ParseIdentity(command.Args().First())
	if err != nil {
		return err
	}
	secret, err := misc.RequireSecret(api.SecretEnvName)
	if err != nil {
		return err
	}
	auth, err := api.NewAuthenticator(secret, App.clock)
	if err != nil {
		return err
	}
	ttl := App.cfg.API.TokenTTL.Duration
	if command.IsSet("ttl") {
		ttl = command.Duration("ttl")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	token, err := auth.Issue(id, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
