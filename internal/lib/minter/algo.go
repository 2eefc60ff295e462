package minter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"golang.org/x/crypto/blake2b"

	"github.com/TxnLab/stakeledger/internal/lib/algo"
	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

// asset field limits enforced by the protocol
const (
	maxAssetNameLen = 32
	maxUnitNameLen  = 8
	maxURLLen       = 96
)

type AlgoConfig struct {
	NamePrefix string
	UnitName   string
	URL        string
}

func DefaultAlgoConfig() AlgoConfig {
	return AlgoConfig{NamePrefix: "Stake Reward", UnitName: "SRWD"}
}

func (c AlgoConfig) Validate() error {
	switch {
	case c.UnitName == "" || len(c.UnitName) > maxUnitNameLen:
		return fmt.Errorf("%w: unit name must be 1-%d bytes", ledger.ErrInvalidConfig, maxUnitNameLen)
	case len(c.URL) > maxURLLen:
		return fmt.Errorf("%w: asset url longer than %d bytes", ledger.ErrInvalidConfig, maxURLLen)
	}
	return nil
}

// Algo mints each reward as a unique ARC-69 asset created by the minter account.
type Algo struct {
	logger   *slog.Logger
	client   *algod.Client
	signer   algo.MultipleWalletSigner
	account  string
	recorder Recorder
	clock    ledger.Clock
	cfg      AlgoConfig
}

func NewAlgo(logger *slog.Logger, client *algod.Client, signer algo.MultipleWalletSigner, account string, recorder Recorder,
	clock ledger.Clock, cfg AlgoConfig) (*Algo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := types.DecodeAddress(account); err != nil {
		return nil, fmt.Errorf("%w: minter account %q: %w", ledger.ErrInvalidConfig, account, err)
	}
	if !signer.HasAccount(account) {
		return nil, fmt.Errorf("%w: no signing key loaded for minter account %s", ledger.ErrInvalidConfig, account)
	}
	return &Algo{
		logger:   logger,
		client:   client,
		signer:   signer,
		account:  account,
		recorder: recorder,
		clock:    clock,
		cfg:      cfg,
	}, nil
}

func (m *Algo) MintRewardArtifact(ctx context.Context, req ledger.MintRequest) (string, error) {
	return mintOnce(ctx, m.logger, m.recorder, m.clock, req, m.findAsset, m.createAsset)
}

// findAsset looks for an asset an earlier attempt created for this reward but never recorded, such as
// one that confirmed after that attempt stopped waiting.
func (m *Algo) findAsset(ctx context.Context, req ledger.MintRequest) (string, bool, error) {
	id, found, err := algo.FindCreatedAsset(ctx, m.client, m.account, assetName(m.cfg.NamePrefix, req))
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", ledger.ErrMinterUnavailable, err)
	}
	if !found {
		return "", false, nil
	}
	return assetReference(id), true, nil
}

func (m *Algo) createAsset(ctx context.Context, req ledger.MintRequest) (string, error) {
	params, err := algo.SuggestedParams(ctx, m.logger, m.client)
	if err != nil {
		return "", fmt.Errorf("%w: suggested params: %w", ledger.ErrMinterUnavailable, err)
	}
	acct, err := algo.GetBareAccount(ctx, m.client, m.account)
	if err != nil {
		return "", fmt.Errorf("%w: minter account: %w", ledger.ErrMinterUnavailable, err)
	}
	if err = coversAssetCreate(acct, uint64(params.Fee)); err != nil {
		misc.Warnf(m.logger, "reward %s not minted: %v", req.IdempotencyKey(), err)
		return "", err
	}
	txn, err := assetCreateTxn(m.account, m.cfg, params, req)
	if err != nil {
		return "", err
	}
	signed, txIDs, err := algo.SignGroupTransactions(ctx, []types.Transaction{txn}, algo.SignWithAccount(nil, m.signer, m.account))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ledger.ErrMintRejected, err)
	}
	misc.Debugf(m.logger, "submitting asset create %s for reward %s", txIDs[0], req.IdempotencyKey())
	resp, err := algo.SendAndWait(ctx, m.logger, m.client, signed)
	if err != nil {
		// the create may still confirm; its lease blocks a second create for the reward until it expires,
		// and findAsset picks it up on a later attempt
		return "", fmt.Errorf("%w: %w", ledger.ErrMinterUnavailable, err)
	}
	return assetReference(resp.AssetIndex), nil
}

func assetReference(id uint64) string {
	return fmt.Sprintf("asa:%d", id)
}

// assetCreateMinBalance is the minimum balance an account must add for every asset it creates.
const assetCreateMinBalance = 100_000

func coversAssetCreate(acct algo.AccountWithMinBalance, fee uint64) error {
	need := acct.MinBalance + assetCreateMinBalance + fee
	if acct.Amount < need {
		return fmt.Errorf("%w: minter account %s holds %s ALGO, creating a reward asset needs %s",
			ledger.ErrMintRejected, acct.Address, algo.FormattedAlgoAmount(acct.Amount), algo.FormattedAlgoAmount(need))
	}
	return nil
}

// assetCreateTxn builds the create for one reward. The lease is derived from the asset name, so the
// network rejects a second create of the same reward while an earlier one is still valid.
func assetCreateTxn(account string, cfg AlgoConfig, params types.SuggestedParams, req ledger.MintRequest) (types.Transaction, error) {
	note, err := arc69Note(req)
	if err != nil {
		return types.Transaction{}, fmt.Errorf("%w: %w", ledger.ErrMintRejected, err)
	}
	name := assetName(cfg.NamePrefix, req)
	txn, err := transaction.MakeAssetCreateTxn(account, note, params, 1, 0, false, account, "", "", "",
		cfg.UnitName, name, cfg.URL, "")
	if err != nil {
		return types.Transaction{}, fmt.Errorf("%w: building asset create: %w", ledger.ErrMintRejected, err)
	}
	txn.Lease = rewardLease(name)
	return txn, nil
}

func rewardLease(name string) [32]byte {
	return blake2b.Sum256([]byte(name))
}

// assetName is "<prefix> #<position>-<reward>", with the prefix shortened to fit the protocol limit.
func assetName(prefix string, req ledger.MintRequest) string {
	suffix := fmt.Sprintf(" #%d-%d", req.PositionID, req.RewardIndex)
	if room := maxAssetNameLen - len(suffix); len(prefix) > room {
		prefix = prefix[:max(room, 0)]
	}
	return prefix + suffix
}

type arc69Metadata struct {
	Standard    string            `json:"standard"`
	Description string            `json:"description"`
	MimeType    string            `json:"mime_type,omitempty"`
	Properties  map[string]string `json:"properties"`
}

func arc69Note(req ledger.MintRequest) ([]byte, error) {
	return json.Marshal(arc69Metadata{
		Standard:    "arc69",
		Description: fmt.Sprintf("%s staking reward %d for position %d", req.Tier, req.RewardIndex, req.PositionID),
		Properties: map[string]string{
			"positionId":   fmt.Sprint(req.PositionID),
			"rewardIndex":  fmt.Sprint(req.RewardIndex),
			"tier":         req.Tier.String(),
			"rewardWeight": fmt.Sprint(req.RewardWeight),
			"amount":       req.Amount.Dec(),
			"lockSeconds":  fmt.Sprint(int64(req.LockDuration / time.Second)),
			"startTime":    req.StartTime.UTC().Format(time.RFC3339),
			"dueAt":        req.DueAt.UTC().Format(time.RFC3339),
		},
	})
}
