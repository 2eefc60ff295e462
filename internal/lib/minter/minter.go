// Package minter produces the reward artifacts the keeper mints for due positions.
//
// Every minter records what it minted keyed by position and reward index, so minting the same reward
// cycle twice returns the first artifact instead of producing a second one.
package minter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

// Recorder persists minted artifacts. RecordArtifact must reject a second artifact for the same
// position and reward index with ledger.ErrVersionConflict.
type Recorder interface {
	FindArtifact(ctx context.Context, id ledger.PositionID, rewardIndex uint64) (ledger.Artifact, bool, error)
	RecordArtifact(ctx context.Context, a ledger.Artifact) error
}

// produceFunc creates the artifact itself and returns its external reference.
type produceFunc func(ctx context.Context, req ledger.MintRequest) (string, error)

// findFunc looks up an artifact an earlier attempt produced but never recorded, for instance one whose
// confirmation was still outstanding when that attempt gave up.
type findFunc func(ctx context.Context, req ledger.MintRequest) (reference string, found bool, err error)

// mintOnce returns the artifact already recorded for req, or produces and records a new one. When find
// is set it is consulted before producing, so a retry after a failure that followed the side effect
// records the first artifact instead of producing a second.
func mintOnce(ctx context.Context, logger *slog.Logger, recorder Recorder, clock ledger.Clock, req ledger.MintRequest,
	find findFunc, produce produceFunc) (string, error) {
	existing, found, err := recorder.FindArtifact(ctx, req.PositionID, req.RewardIndex)
	if err != nil {
		return "", err
	}
	if found {
		misc.Infof(logger, "reward %s already minted as %s", req.IdempotencyKey(), existing.ID)
		return existing.ID, nil
	}

	var reference string
	if find != nil {
		reference, found, err = find(ctx, req)
		if err != nil {
			return "", err
		}
		if found {
			misc.Infof(logger, "reward %s found unrecorded as %s", req.IdempotencyKey(), reference)
		}
	}
	if !found {
		if reference, err = produce(ctx, req); err != nil {
			return "", err
		}
	}
	artifact := ledger.Artifact{
		ID:          uuid.NewString(),
		PositionID:  req.PositionID,
		Owner:       req.Owner,
		Tier:        req.Tier,
		RewardIndex: req.RewardIndex,
		MintedAt:    clock.Now(),
		Reference:   reference,
	}
	if err = recorder.RecordArtifact(ctx, artifact); err != nil {
		if errors.Is(err, ledger.ErrVersionConflict) {
			// lost a race with another mint of the same cycle
			if existing, found, ferr := recorder.FindArtifact(ctx, req.PositionID, req.RewardIndex); ferr == nil && found {
				return existing.ID, nil
			}
		}
		if reference != "" {
			misc.Errorf(logger, "reward %s produced %s but was not recorded: %v", req.IdempotencyKey(), reference, err)
		}
		return "", fmt.Errorf("recording reward %s: %w", req.IdempotencyKey(), err)
	}
	misc.Infof(logger, "minted reward %s for %s (%s) as %s", req.IdempotencyKey(), req.Owner, req.Tier, artifact.ID)
	return artifact.ID, nil
}

// Local mints bookkeeping-only artifacts: the recorded row is the artifact.
type Local struct {
	logger   *slog.Logger
	recorder Recorder
	clock    ledger.Clock
}

func NewLocal(logger *slog.Logger, recorder Recorder, clock ledger.Clock) *Local {
	return &Local{logger: logger, recorder: recorder, clock: clock}
}

func (m *Local) MintRewardArtifact(ctx context.Context, req ledger.MintRequest) (string, error) {
	return mintOnce(ctx, m.logger, m.recorder, m.clock, req, nil, func(context.Context, ledger.MintRequest) (string, error) {
		return "", nil
	})
}
