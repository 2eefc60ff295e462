package keeper

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/syncutil"
	"github.com/ssgreg/repeat"

	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

// Minter produces the reward artifact for a due position. Errors of kind TransientInfra are
// retried; anything else is treated as a permanent rejection for this poll.
type Minter interface {
	MintRewardArtifact(ctx context.Context, req ledger.MintRequest) (string, error)
}

type Config struct {
	BatchSize      int
	Concurrency    int
	MintAttempts   int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      50,
		Concurrency:    8,
		MintAttempts:   3,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.BatchSize < 1 || c.Concurrency < 1 || c.MintAttempts < 1 {
		return fmt.Errorf("%w: keeper batch size, concurrency and mint attempts must be at least 1", ledger.ErrInvalidConfig)
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("%w: keeper retry delays are inconsistent", ledger.ErrInvalidConfig)
	}
	return nil
}

type State int

const (
	Idle State = iota
	UpkeepNeeded
)

func (s State) String() string {
	if s == UpkeepNeeded {
		return "UpkeepNeeded"
	}
	return "Idle"
}

// Outcome is the result of one position's mint-and-advance step.
type Outcome struct {
	PositionID  ledger.PositionID
	Tier        ledger.Tier
	RewardIndex uint64
	ArtifactID  string
	Err         error
}

type UpkeepResult struct {
	// Minted steps committed their advance and are never minted again for the same cycle.
	Minted []Outcome
	// Failed steps left the position untouched; they are picked up by a later poll.
	Failed []Outcome
	// Skipped positions were no longer due, typically because a concurrent poll advanced them.
	Skipped []Outcome
}

func (r UpkeepResult) Empty() bool {
	return len(r.Minted)+len(r.Failed)+len(r.Skipped) == 0
}

func (r *UpkeepResult) merge(o UpkeepResult) {
	r.Minted = append(r.Minted, o.Minted...)
	r.Failed = append(r.Failed, o.Failed...)
	r.Skipped = append(r.Skipped, o.Skipped...)
}

func (r *UpkeepResult) sort() {
	byID := func(a, b Outcome) int { return cmp.Compare(a.PositionID, b.PositionID) }
	slices.SortFunc(r.Minted, byID)
	slices.SortFunc(r.Failed, byID)
	slices.SortFunc(r.Skipped, byID)
}

// Scheduler is the pull-based reward keeper: CheckUpkeep finds due positions and PerformUpkeep mints
// and advances them. Cadence is up to the caller.
type Scheduler struct {
	logger    *slog.Logger
	positions *ledger.PositionLedger
	access    *ledger.AccessControl
	bus       *ledger.Bus
	minter    Minter
	clock     ledger.Clock

	sync.RWMutex
	cfg        Config
	lastUpkeep time.Time
}

func New(logger *slog.Logger, l *ledger.Ledger, minter Minter, clock ledger.Clock, cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if minter == nil {
		return nil, fmt.Errorf("%w: keeper requires a minter", ledger.ErrInvalidConfig)
	}
	return &Scheduler{
		logger:    logger,
		positions: l.Positions,
		access:    l.Access,
		bus:       l.Bus,
		minter:    minter,
		clock:     clock,
		cfg:       cfg,
	}, nil
}

func (s *Scheduler) Config() Config {
	s.RLock()
	defer s.RUnlock()
	return s.cfg
}

func (s *Scheduler) LastUpkeep() time.Time {
	s.RLock()
	defer s.RUnlock()
	return s.lastUpkeep
}

func (s *Scheduler) State(now time.Time) State {
	if needed, _ := s.CheckUpkeep(now); needed {
		return UpkeepNeeded
	}
	return Idle
}

// CheckUpkeep reports whether any position is due at now and returns up to one batch of them.
// It has no side effects.
func (s *Scheduler) CheckUpkeep(now time.Time) (bool, []ledger.PositionID) {
	due := s.positions.DueForReward(now)
	promDuePositions.Set(float64(len(due)))
	if len(due) == 0 {
		return false, nil
	}
	if batchSize := s.Config().BatchSize; len(due) > batchSize {
		due = due[:batchSize]
	}
	return true, due
}

// PerformUpkeep mints and advances every position in batch, in chunks of at most BatchSize.
// Steps are independent: one failure never blocks or undoes another.
func (s *Scheduler) PerformUpkeep(ctx context.Context, batch []ledger.PositionID) UpkeepResult {
	var (
		cfg = s.Config()
		now = s.clock.Now()
		res UpkeepResult
		mu  sync.Mutex
	)
	for chunk := range slices.Chunk(batch, cfg.BatchSize) {
		fanOut := syncutil.NewFanOut(cfg.Concurrency)
		for _, id := range chunk {
			fanOut.Run(func(val any) error {
				out := s.step(ctx, val.(ledger.PositionID), now, cfg)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case out.Err == nil:
					res.Minted = append(res.Minted, out)
				case errors.Is(out.Err, ledger.ErrNotYetDue), errors.Is(out.Err, ledger.ErrPositionInactive),
					errors.Is(out.Err, ledger.ErrUnknownPosition):
					res.Skipped = append(res.Skipped, out)
				default:
					res.Failed = append(res.Failed, out)
				}
				return nil
			}, id)
		}
		fanOut.Wait()
	}
	res.sort()

	s.Lock()
	s.lastUpkeep = now
	s.Unlock()

	promUpkeeps.Inc()
	promMinted.Add(float64(len(res.Minted)))
	for _, out := range res.Failed {
		promMintFailures.WithLabelValues(ledger.ReasonOf(out.Err)).Inc()
	}
	if len(res.Minted) > 0 || len(res.Failed) > 0 {
		misc.Infof(s.logger, "upkeep performed: %d minted, %d failed, %d skipped", len(res.Minted), len(res.Failed), len(res.Skipped))
	}
	return res
}

func (s *Scheduler) step(ctx context.Context, id ledger.PositionID, now time.Time, cfg Config) Outcome {
	out := Outcome{PositionID: id}
	pos, err := s.positions.AdvanceRewardWith(ctx, id, now, func(p ledger.Position) error {
		req := ledger.NewMintRequest(p)
		out.Tier = req.Tier
		out.RewardIndex = req.RewardIndex
		artifactID, err := s.mint(ctx, req, cfg)
		if err != nil {
			return err
		}
		out.ArtifactID = artifactID
		return nil
	})
	if err != nil {
		out.Err = err
		switch {
		case out.ArtifactID != "":
			// minted but the advance didn't persist; the minter dedupes the retry by reward index
			misc.Warnf(s.logger, "position %d artifact %s minted but advance failed: %v", id, out.ArtifactID, err)
		case ledger.KindOf(err) == ledger.KindStateConflict || ledger.KindOf(err) == ledger.KindNotFound:
			misc.Debugf(s.logger, "position %d skipped: %v", id, err)
		default:
			misc.Errorf(s.logger, "position %d reward %d not minted: %v", id, out.RewardIndex, err)
		}
		return out
	}
	s.bus.Publish(ledger.Event{Type: ledger.EventArtifactMinted, At: now, Subject: pos.Owner, PositionID: id, Tier: pos.Tier,
		Attrs: map[string]string{
			"artifact":    out.ArtifactID,
			"rewardIndex": fmt.Sprint(out.RewardIndex),
		}})
	return out
}

// mint retries transient minter failures with jittered backoff, holding the position's lock.
func (s *Scheduler) mint(ctx context.Context, req ledger.MintRequest, cfg Config) (string, error) {
	var (
		artifactID string
		lastErr    error
	)
	err := repeat.Repeat(
		repeat.Fn(func() error {
			id, err := s.minter.MintRewardArtifact(ctx, req)
			if err != nil {
				lastErr = err
				if ledger.KindOf(err) == ledger.KindTransientInfra {
					return repeat.HintTemporary(err)
				}
				return err
			}
			artifactID = id
			return nil
		}),
		repeat.StopOnSuccess(),
		repeat.LimitMaxTries(cfg.MintAttempts),
		repeat.FnOnError(func(err error) error {
			misc.Debugf(s.logger, "mint attempt for %s failed: %v", req.IdempotencyKey(), err)
			return err
		}),
		repeat.WithDelay(
			repeat.SetContextHintStop(),
			(&repeat.FullJitterBackoffBuilder{
				BaseDelay: cfg.RetryBaseDelay,
				MaxDelay:  cfg.RetryMaxDelay,
			}).Set(),
		),
	)
	if err != nil {
		if lastErr != nil {
			return "", lastErr
		}
		return "", err
	}
	return artifactID, nil
}

// RunOnce drains due positions at the current time, one batch per round, until nothing is due or
// a round makes no progress.
func (s *Scheduler) RunOnce(ctx context.Context) UpkeepResult {
	var total UpkeepResult
	for {
		needed, batch := s.CheckUpkeep(s.clock.Now())
		if !needed {
			break
		}
		res := s.PerformUpkeep(ctx, batch)
		total.merge(res)
		if len(res.Minted) == 0 || ctx.Err() != nil {
			break
		}
	}
	total.sort()
	return total
}

// UpdateConfig changes the batch size and the anti-thrash wait for future polls.
func (s *Scheduler) UpdateConfig(caller ledger.Identity, batchSize int, minWaitTime time.Duration) error {
	if err := s.access.Require(caller, ledger.RoleAdmin); err != nil {
		return err
	}
	if batchSize < 1 {
		return fmt.Errorf("%w: batch size must be at least 1", ledger.ErrInvalidConfig)
	}
	if err := s.positions.SetMinWaitTime(caller, minWaitTime); err != nil {
		return err
	}
	s.Lock()
	s.cfg.BatchSize = batchSize
	s.Unlock()

	misc.Infof(s.logger, "keeper config updated by %s: batch size %d, min wait %s", caller, batchSize, minWaitTime)
	s.bus.Publish(ledger.Event{Type: ledger.EventKeeperConfigUpdated, At: s.clock.Now(), Actor: caller,
		Attrs: map[string]string{
			"batchSize":   fmt.Sprint(batchSize),
			"minWaitTime": minWaitTime.String(),
		}})
	return nil
}
