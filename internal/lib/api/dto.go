package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/TxnLab/stakeledger/internal/lib/keeper"
	"github.com/TxnLab/stakeledger/internal/lib/ledger"
)

// Amounts travel as decimal strings and durations as Go duration strings ("720h").

type errorBody struct {
	Code    string `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

type positionJSON struct {
	ID               ledger.PositionID `json:"id"`
	Owner            ledger.Identity   `json:"owner"`
	Amount           string            `json:"amount"`
	LockDuration     string            `json:"lockDuration"`
	StartTime        time.Time         `json:"startTime"`
	UnlockAt         time.Time         `json:"unlockAt"`
	Tier             ledger.Tier       `json:"tier"`
	TierTableVersion uint64            `json:"tierTableVersion"`
	RewardWeight     uint64            `json:"rewardWeight"`
	NextRewardDue    time.Time         `json:"nextRewardDue"`
	RewardCount      uint64            `json:"rewardCount"`
	LastAdvancedAt   *time.Time        `json:"lastAdvancedAt,omitempty"`
	Active           bool              `json:"active"`
	ClosedAt         *time.Time        `json:"closedAt,omitempty"`
	ForceClosed      bool              `json:"forceClosed,omitempty"`
	Version          uint64            `json:"version"`
}

func toPositionJSON(p ledger.Position) positionJSON {
	return positionJSON{
		ID:               p.ID,
		Owner:            p.Owner,
		Amount:           p.Amount.Dec(),
		LockDuration:     p.LockDuration.String(),
		StartTime:        p.StartTime,
		UnlockAt:         p.UnlockAt(),
		Tier:             p.Tier,
		TierTableVersion: p.TierTableVersion,
		RewardWeight:     p.RewardWeight(),
		NextRewardDue:    p.NextRewardDue,
		RewardCount:      p.RewardCount,
		LastAdvancedAt:   optTime(p.LastAdvancedAt),
		Active:           p.Active,
		ClosedAt:         optTime(p.ClosedAt),
		ForceClosed:      p.ForceClosed,
		Version:          p.Version,
	}
}

func toPositionsJSON(ps []ledger.Position) []positionJSON {
	out := make([]positionJSON, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPositionJSON(p))
	}
	return out
}

type statusJSON struct {
	PositionID     ledger.PositionID `json:"positionId"`
	Active         bool              `json:"active"`
	Tier           ledger.Tier       `json:"tier"`
	RewardCount    uint64            `json:"rewardCount"`
	LastAdvancedAt *time.Time        `json:"lastAdvancedAt,omitempty"`
	NextRewardDue  time.Time         `json:"nextRewardDue"`
	NeedsUpkeep    bool              `json:"needsUpkeep"`
}

func toStatusJSON(s ledger.PositionStatus) statusJSON {
	return statusJSON{
		PositionID:     s.PositionID,
		Active:         s.Active,
		Tier:           s.Tier,
		RewardCount:    s.RewardCount,
		LastAdvancedAt: optTime(s.LastAdvancedAt),
		NextRewardDue:  s.NextRewardDue,
		NeedsUpkeep:    s.NeedsUpkeep,
	}
}

type voucherJSON struct {
	ID            ledger.VoucherID  `json:"id"`
	PositionID    ledger.PositionID `json:"positionId"`
	Owner         ledger.Identity   `json:"owner"`
	Kind          string            `json:"kind"`
	Name          string            `json:"name,omitempty"`
	Description   string            `json:"description,omitempty"`
	Value         string            `json:"value,omitempty"`
	MaxUses       uint32            `json:"maxUses"`
	CurrentUses   uint32            `json:"currentUses"`
	RemainingUses uint32            `json:"remainingUses"`
	IssuedAt      time.Time         `json:"issuedAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	QRCode        string            `json:"qrCode"`
	Active        bool              `json:"active"`
	RevokedAt     *time.Time        `json:"revokedAt,omitempty"`
	FromBundle    bool              `json:"fromBundle,omitempty"`
	Version       uint64            `json:"version"`
}

func toVoucherJSON(v ledger.Voucher) voucherJSON {
	return voucherJSON{
		ID:            v.ID,
		PositionID:    v.PositionID,
		Owner:         v.Owner,
		Kind:          v.Kind,
		Name:          v.Name,
		Description:   v.Description,
		Value:         v.Value,
		MaxUses:       v.MaxUses,
		CurrentUses:   v.CurrentUses,
		RemainingUses: v.RemainingUses(),
		IssuedAt:      v.IssuedAt,
		ExpiresAt:     v.ExpiresAt,
		QRCode:        v.QRCode,
		Active:        v.Active,
		RevokedAt:     optTime(v.RevokedAt),
		FromBundle:    v.FromBundle,
		Version:       v.Version,
	}
}

func toVouchersJSON(vs []ledger.Voucher) []voucherJSON {
	out := make([]voucherJSON, 0, len(vs))
	for _, v := range vs {
		out = append(out, toVoucherJSON(v))
	}
	return out
}

type tierDefinitionJSON struct {
	Tier         ledger.Tier `json:"tier"`
	MinAmount    string      `json:"minAmount"`
	MinDuration  string      `json:"minDuration"`
	RewardWeight uint64      `json:"rewardWeight"`
}

func (d tierDefinitionJSON) definition() (ledger.TierDefinition, error) {
	amount, err := uint256.FromDecimal(strings.TrimSpace(d.MinAmount))
	if err != nil {
		return ledger.TierDefinition{}, fmt.Errorf("%w: %s minAmount %q", ledger.ErrInvalidTierTable, d.Tier, d.MinAmount)
	}
	dur, err := time.ParseDuration(d.MinDuration)
	if err != nil {
		return ledger.TierDefinition{}, fmt.Errorf("%w: %s minDuration %q", ledger.ErrInvalidTierTable, d.Tier, d.MinDuration)
	}
	return ledger.TierDefinition{Tier: d.Tier, MinAmount: *amount, MinDuration: dur, RewardWeight: d.RewardWeight}, nil
}

type tierTableJSON struct {
	Version   uint64               `json:"version"`
	UpdatedAt *time.Time           `json:"updatedAt,omitempty"`
	Tiers     []tierDefinitionJSON `json:"tiers"`
}

func toTierTableJSON(t *ledger.TierTable) tierTableJSON {
	out := tierTableJSON{Version: t.Version, UpdatedAt: optTime(t.UpdatedAt)}
	for _, def := range t.Definitions() {
		out.Tiers = append(out.Tiers, tierDefinitionJSON{
			Tier:         def.Tier,
			MinAmount:    def.MinAmount.Dec(),
			MinDuration:  def.MinDuration.String(),
			RewardWeight: def.RewardWeight,
		})
	}
	return out
}

type openPositionRequest struct {
	Amount       string `json:"amount"`
	LockDuration string `json:"lockDuration"`
}

type voucherSpecJSON struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Value       string `json:"value"`
	MaxUses     uint32 `json:"maxUses"`
	TTL         string `json:"ttl"`
}

func (s voucherSpecJSON) spec() (ledger.VoucherSpec, error) {
	ttl, err := time.ParseDuration(s.TTL)
	if err != nil {
		return ledger.VoucherSpec{}, fmt.Errorf("%w: ttl %q", ledger.ErrInvalidVoucher, s.TTL)
	}
	return ledger.VoucherSpec{
		Kind:        s.Kind,
		Name:        s.Name,
		Description: s.Description,
		Value:       s.Value,
		MaxUses:     s.MaxUses,
		TTL:         ttl,
	}, nil
}

type keeperConfigRequest struct {
	BatchSize   int    `json:"batchSize"`
	MinWaitTime string `json:"minWaitTime"`
}

type keeperJSON struct {
	State       string              `json:"state"`
	LastUpkeep  *time.Time          `json:"lastUpkeep,omitempty"`
	BatchSize   int                 `json:"batchSize"`
	MinWaitTime string              `json:"minWaitTime"`
	Due         []ledger.PositionID `json:"due"`
}

type outcomeJSON struct {
	PositionID  ledger.PositionID `json:"positionId"`
	Tier        ledger.Tier       `json:"tier"`
	RewardIndex uint64            `json:"rewardIndex,omitempty"`
	ArtifactID  string            `json:"artifactId,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Message     string            `json:"message,omitempty"`
}

type upkeepJSON struct {
	Minted  []outcomeJSON `json:"minted"`
	Failed  []outcomeJSON `json:"failed"`
	Skipped []outcomeJSON `json:"skipped"`
}

func toOutcomesJSON(outs []keeper.Outcome) []outcomeJSON {
	res := make([]outcomeJSON, 0, len(outs))
	for _, o := range outs {
		j := outcomeJSON{PositionID: o.PositionID, Tier: o.Tier, RewardIndex: o.RewardIndex, ArtifactID: o.ArtifactID}
		if o.Err != nil {
			j.Reason = ledger.ReasonOf(o.Err)
			j.Message = o.Err.Error()
		}
		res = append(res, j)
	}
	return res
}

func toUpkeepJSON(r keeper.UpkeepResult) upkeepJSON {
	return upkeepJSON{
		Minted:  toOutcomesJSON(r.Minted),
		Failed:  toOutcomesJSON(r.Failed),
		Skipped: toOutcomesJSON(r.Skipped),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the error envelope. Ledger errors carry their own kind and reason.
func writeError(w http.ResponseWriter, status int, reason string, err error) {
	body := errorBody{Code: reason, Reason: reason, Message: err.Error()}
	switch kind := ledger.KindOf(err); {
	case kind != ledger.KindUnknown:
		body.Code = kind.String()
		body.Reason = ledger.ReasonOf(err)
	case errors.Is(err, errBadBody):
		body.Code = ledger.KindValidation.String()
	}
	writeJSON(w, status, body)
}

func writeLedgerError(w http.ResponseWriter, err error) {
	writeError(w, ledger.HTTPStatus(err), "INTERNAL", err)
}

var errBadBody = errors.New("malformed request body")

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadBody, err)
	}
	return nil
}
