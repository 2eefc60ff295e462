package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ssgreg/repeat"

	"github.com/TxnLab/stakeledger/internal/lib/api"
	"github.com/TxnLab/stakeledger/internal/lib/keeper"
	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

const bundleQueueSize = 1024

type daemonConfig struct {
	PollInterval time.Duration
	Listen       string
	// Operator is who the daemon acts as when issuing tier bundles. Empty disables auto bundles.
	Operator ledger.Identity
}

// Daemon drives the keeper on a fixed cadence, serves the API and issues tier bundles for newly
// opened positions. The ledger itself is the only shared state.
type Daemon struct {
	logger *slog.Logger
	ledger *ledger.Ledger
	keeper *keeper.Scheduler
	clock  ledger.Clock
	api    *api.Server
	cfg    daemonConfig

	bundles chan ledger.PositionID

	// embed mutex for locking state for members below the mutex
	sync.RWMutex
	lastPoll   time.Time
	lastResult keeper.UpkeepResult
}

func newDaemon(logger *slog.Logger, l *ledger.Ledger, sched *keeper.Scheduler, clock ledger.Clock, server *api.Server, cfg daemonConfig) *Daemon {
	return &Daemon{
		logger:  logger,
		ledger:  l,
		keeper:  sched,
		clock:   clock,
		api:     server,
		cfg:     cfg,
		bundles: make(chan ledger.PositionID, bundleQueueSize),
	}
}

func (d *Daemon) start(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	d.logger.Info("Starting stakeledger daemon")

	if d.cfg.Operator != "" {
		d.watchOpenedPositions()
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.BundleWorker(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.KeeperLoop(ctx)
	}()

	if d.api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.api.Serve(ctx, d.cfg.Listen); err != nil {
				misc.Errorf(d.logger, "api server failed: %v", err)
				select {
				case errc <- err:
				default:
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer d.logger.Info("exiting daemon start function")
		<-ctx.Done()
	}()
}

// KeeperLoop polls for due rewards, aligned to the poll interval. A poll that has started runs to
// completion; cancellation only stops the loop between polls.
func (d *Daemon) KeeperLoop(ctx context.Context) {
	defer d.logger.Info("Exiting KeeperLoop")
	d.logger.Info("Starting KeeperLoop")

	d.poll(context.WithoutCancel(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(durationToNextPoll(d.clock.Now(), d.cfg.PollInterval)):
			d.poll(context.WithoutCancel(ctx))
		}
	}
}

func (d *Daemon) poll(ctx context.Context) keeper.UpkeepResult {
	res := d.keeper.RunOnce(ctx)

	d.Lock()
	d.lastPoll = d.clock.Now()
	d.lastResult = res
	d.Unlock()

	if res.Empty() {
		misc.Debugf(d.logger, "no rewards due")
		return res
	}
	misc.Infof(d.logger, "upkeep: %d minted, %d failed, %d skipped", len(res.Minted), len(res.Failed), len(res.Skipped))
	for _, out := range res.Failed {
		misc.Warnf(d.logger, "reward for position %d not minted, retrying next poll: %v", out.PositionID, out.Err)
	}
	return res
}

// LastPoll returns when the keeper last polled and what it did.
func (d *Daemon) LastPoll() (time.Time, keeper.UpkeepResult) {
	d.RLock()
	defer d.RUnlock()
	return d.lastPoll, d.lastResult
}

// durationToNextPoll returns the time until the next multiple of interval (in UTC wall time) - so
// a one hour interval polls on the hour regardless of when the daemon started.
func durationToNextPoll(now time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		interval = time.Minute
	}
	next := now.Truncate(interval).Add(interval)
	return next.Sub(now)
}

// watchOpenedPositions queues every newly opened position for its tier bundle. The bus handler runs
// on the opening caller's goroutine, so it only enqueues.
func (d *Daemon) watchOpenedPositions() {
	d.ledger.Bus.Subscribe(ledger.EventPositionOpened, func(evt ledger.Event) {
		select {
		case d.bundles <- evt.PositionID:
		default:
			misc.Warnf(d.logger, "bundle queue full, position %d gets its bundle at next daemon start", evt.PositionID)
		}
	})
}

// BundleWorker issues queued tier bundles. On start it also completes bundles for every active position,
// covering positions opened while the daemon was down.
func (d *Daemon) BundleWorker(ctx context.Context) {
	defer d.logger.Info("Exiting BundleWorker")
	d.logger.Info("Starting BundleWorker")

	for _, pos := range d.ledger.Positions.ActivePositions() {
		if ctx.Err() != nil {
			return
		}
		if err := d.issueBundle(ctx, pos.ID); err != nil {
			misc.Warnf(d.logger, "bundle for position %d: %v", pos.ID, err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.bundles:
			if err := d.issueBundle(ctx, id); err != nil {
				misc.Warnf(d.logger, "bundle for position %d: %v", id, err)
			}
		}
	}
}

// issueBundle issues (or completes) the position's tier bundle as the operator. An already complete
// bundle is not an error.
func (d *Daemon) issueBundle(ctx context.Context, id ledger.PositionID) error {
	return repeat.Repeat(
		repeat.Fn(func() error {
			ids, err := d.ledger.Vouchers.IssueTierBundle(ctx, d.cfg.Operator, id)
			switch {
			case err == nil:
				if len(ids) > 0 {
					misc.Debugf(d.logger, "position %d bundle vouchers: %v", id, ids)
				}
				return nil
			case errors.Is(err, ledger.ErrBundleIssued):
				return nil
			case ledger.IsRetryable(err):
				return repeat.HintTemporary(err)
			}
			return err
		}),
		repeat.StopOnSuccess(),
		repeat.LimitMaxTries(5),
		repeat.FnOnError(func(err error) error {
			misc.Debugf(d.logger, "bundle attempt for position %d failed: %v", id, err)
			return err
		}),
		repeat.WithDelay(
			repeat.SetContextHintStop(),
			(&repeat.FullJitterBackoffBuilder{
				BaseDelay: 500 * time.Millisecond,
				MaxDelay:  5 * time.Second,
			}).Set(),
		),
	)
}
