package ledger

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// MintRequest carries what a minter needs to produce the reward artifact for one due cycle.
type MintRequest struct {
	PositionID   PositionID
	Owner        Identity
	Tier         Tier
	RewardWeight uint64
	Amount       uint256.Int
	LockDuration time.Duration
	StartTime    time.Time
	// RewardIndex is 1 for the first reward of a position.
	RewardIndex uint64
	DueAt       time.Time
}

func NewMintRequest(p Position) MintRequest {
	return MintRequest{
		PositionID:   p.ID,
		Owner:        p.Owner,
		Tier:         p.Tier,
		RewardWeight: p.RewardWeight(),
		Amount:       p.Amount,
		LockDuration: p.LockDuration,
		StartTime:    p.StartTime,
		RewardIndex:  p.RewardCount + 1,
		DueAt:        p.NextRewardDue,
	}
}

// IdempotencyKey identifies the reward cycle; minting the same key twice must yield one artifact.
func (r MintRequest) IdempotencyKey() string {
	return fmt.Sprintf("%d/%d", r.PositionID, r.RewardIndex)
}

// Artifact is the record of a minted reward.
type Artifact struct {
	ID          string
	PositionID  PositionID
	Owner       Identity
	Tier        Tier
	RewardIndex uint64
	MintedAt    time.Time
	// Reference is an external handle, such as an on-chain asset id.
	Reference string
}
