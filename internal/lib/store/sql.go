package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

// MemoryDSN opens a private in-memory database, used by tests and the --ephemeral daemon flag.
const MemoryDSN = "file::memory:"

type positionRow struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement:false"`
	Owner            string `gorm:"size:256;index"`
	Amount           string `gorm:"size:80;not null"`
	LockDuration     int64
	StartTime        int64
	Tier             uint8
	TierTableVersion uint64
	NextRewardDue    int64 `gorm:"index"`
	RewardCount      uint64
	LastAdvancedAt   int64
	Active           bool `gorm:"index"`
	ClosedAt         int64
	ForceClosed      bool
	Version          uint64 `gorm:"not null"`
}

func (positionRow) TableName() string { return "positions" }

type voucherRow struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement:false"`
	PositionID  uint64 `gorm:"index"`
	Owner       string `gorm:"size:256;index"`
	Kind        string `gorm:"size:64"`
	Name        string
	Description string
	Value       string
	MaxUses     uint32
	CurrentUses uint32
	IssuedAt    int64
	ExpiresAt   int64
	QRCode      string `gorm:"size:64;uniqueIndex"`
	Active      bool
	RevokedAt   int64
	FromBundle  bool
	Version     uint64 `gorm:"not null"`
}

func (voucherRow) TableName() string { return "vouchers" }

type roleGrantRow struct {
	Identity string `gorm:"primaryKey;size:256"`
	Roles    uint8
}

func (roleGrantRow) TableName() string { return "role_grants" }

type blockedRow struct {
	Identity string `gorm:"primaryKey;size:256"`
}

func (blockedRow) TableName() string { return "blocked_identities" }

type tierTableRow struct {
	Version   uint64 `gorm:"primaryKey;autoIncrement:false"`
	UpdatedAt int64
}

func (tierTableRow) TableName() string { return "tier_tables" }

type tierDefinitionRow struct {
	TableVersion uint64 `gorm:"primaryKey;autoIncrement:false"`
	Tier         uint8  `gorm:"primaryKey;autoIncrement:false"`
	MinAmount    string `gorm:"size:80;not null"`
	MinDuration  int64
	RewardWeight uint64
}

func (tierDefinitionRow) TableName() string { return "tier_definitions" }

type artifactRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	PositionID  uint64 `gorm:"uniqueIndex:idx_artifact_cycle"`
	RewardIndex uint64 `gorm:"uniqueIndex:idx_artifact_cycle"`
	Owner       string `gorm:"size:256;index"`
	Tier        uint8
	MintedAt    int64
	Reference   string
}

func (artifactRow) TableName() string { return "reward_artifacts" }

// SQL is the ledger's durable store. Rows are versioned and updates are conditional on the
// previously committed version, so a stale writer fails instead of overwriting.
type SQL struct {
	logger *slog.Logger
	db     *gorm.DB
}

// OpenSQL opens (creating if needed) the SQLite database at dsn and migrates the schema.
func OpenSQL(logger *slog.Logger, dsn string) (*SQL, error) {
	if dsn == "" {
		dsn = MemoryDSN
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Join(ledger.ErrStorage, fmt.Errorf("opening %s: %w", dsn, err))
	}
	// one connection: sqlite has a single writer, and an in-memory database lives only as long as its connection
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Join(ledger.ErrStorage, err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err = db.AutoMigrate(&positionRow{}, &voucherRow{}, &roleGrantRow{}, &blockedRow{}, &tierTableRow{},
		&tierDefinitionRow{}, &artifactRow{}); err != nil {
		return nil, errors.Join(ledger.ErrStorage, fmt.Errorf("migrating schema: %w", err))
	}
	misc.Infof(logger, "store opened at %s", dsn)
	return &SQL{logger: logger, db: db}, nil
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func storageErr(op string, err error) error {
	return errors.Join(ledger.ErrStorage, fmt.Errorf("%s: %w", op, err))
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func parseAmount(s string) (uint256.Int, error) {
	amt, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("amount %q: %w", s, err)
	}
	return *amt, nil
}

func toPositionRow(p ledger.Position) positionRow {
	return positionRow{
		ID:               uint64(p.ID),
		Owner:            string(p.Owner),
		Amount:           p.Amount.Dec(),
		LockDuration:     int64(p.LockDuration),
		StartTime:        unixNano(p.StartTime),
		Tier:             uint8(p.Tier),
		TierTableVersion: p.TierTableVersion,
		NextRewardDue:    unixNano(p.NextRewardDue),
		RewardCount:      p.RewardCount,
		LastAdvancedAt:   unixNano(p.LastAdvancedAt),
		Active:           p.Active,
		ClosedAt:         unixNano(p.ClosedAt),
		ForceClosed:      p.ForceClosed,
		Version:          p.Version,
	}
}

func (r positionRow) position() (ledger.Position, error) {
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return ledger.Position{}, fmt.Errorf("position %d: %w", r.ID, err)
	}
	return ledger.Position{
		ID:               ledger.PositionID(r.ID),
		Owner:            ledger.Identity(r.Owner),
		Amount:           amount,
		LockDuration:     time.Duration(r.LockDuration),
		StartTime:        fromUnixNano(r.StartTime),
		Tier:             ledger.Tier(r.Tier),
		TierTableVersion: r.TierTableVersion,
		NextRewardDue:    fromUnixNano(r.NextRewardDue),
		RewardCount:      r.RewardCount,
		LastAdvancedAt:   fromUnixNano(r.LastAdvancedAt),
		Active:           r.Active,
		ClosedAt:         fromUnixNano(r.ClosedAt),
		ForceClosed:      r.ForceClosed,
		Version:          r.Version,
	}, nil
}

func toVoucherRow(v ledger.Voucher) voucherRow {
	return voucherRow{
		ID:          uint64(v.ID),
		PositionID:  uint64(v.PositionID),
		Owner:       string(v.Owner),
		Kind:        v.Kind,
		Name:        v.Name,
		Description: v.Description,
		Value:       v.Value,
		MaxUses:     v.MaxUses,
		CurrentUses: v.CurrentUses,
		IssuedAt:    unixNano(v.IssuedAt),
		ExpiresAt:   unixNano(v.ExpiresAt),
		QRCode:      v.QRCode,
		Active:      v.Active,
		RevokedAt:   unixNano(v.RevokedAt),
		FromBundle:  v.FromBundle,
		Version:     v.Version,
	}
}

func (r voucherRow) voucher() ledger.Voucher {
	return ledger.Voucher{
		ID:          ledger.VoucherID(r.ID),
		PositionID:  ledger.PositionID(r.PositionID),
		Owner:       ledger.Identity(r.Owner),
		Kind:        r.Kind,
		Name:        r.Name,
		Description: r.Description,
		Value:       r.Value,
		MaxUses:     r.MaxUses,
		CurrentUses: r.CurrentUses,
		IssuedAt:    fromUnixNano(r.IssuedAt),
		ExpiresAt:   fromUnixNano(r.ExpiresAt),
		QRCode:      r.QRCode,
		Active:      r.Active,
		RevokedAt:   fromUnixNano(r.RevokedAt),
		FromBundle:  r.FromBundle,
		Version:     r.Version,
	}
}

// saveVersioned inserts row when prevVersion is 0, otherwise updates it only if the stored version
// still equals prevVersion.
func (s *SQL) saveVersioned(ctx context.Context, kind string, id uint64, row any, prevVersion uint64) error {
	db := s.db.WithContext(ctx)
	if prevVersion == 0 {
		if err := db.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s %d already exists", ledger.ErrVersionConflict, kind, id)
			}
			return storageErr("inserting "+kind, err)
		}
		return nil
	}
	res := db.Model(row).Select("*").Omit("id").Where("id = ? AND version = ?", id, prevVersion).Updates(row)
	if res.Error != nil {
		return storageErr("updating "+kind, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %d is no longer at version %d", ledger.ErrVersionConflict, kind, id, prevVersion)
	}
	return nil
}

func (s *SQL) SavePosition(ctx context.Context, p ledger.Position, prevVersion uint64) error {
	row := toPositionRow(p)
	return s.saveVersioned(ctx, "position", row.ID, &row, prevVersion)
}

func (s *SQL) SaveVoucher(ctx context.Context, v ledger.Voucher, prevVersion uint64) error {
	row := toVoucherRow(v)
	return s.saveVersioned(ctx, "voucher", row.ID, &row, prevVersion)
}

// SaveRoles stores the full role set of id; an empty set removes the grant row.
func (s *SQL) SaveRoles(ctx context.Context, id ledger.Identity, roles ledger.RoleSet) error {
	db := s.db.WithContext(ctx)
	var err error
	if roles == 0 {
		err = db.Delete(&roleGrantRow{}, "identity = ?", string(id)).Error
	} else {
		err = db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&roleGrantRow{Identity: string(id), Roles: uint8(roles)}).Error
	}
	if err != nil {
		return storageErr("saving roles", err)
	}
	return nil
}

func (s *SQL) SaveBlocked(ctx context.Context, id ledger.Identity, blocked bool) error {
	db := s.db.WithContext(ctx)
	var err error
	if blocked {
		err = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&blockedRow{Identity: string(id)}).Error
	} else {
		err = db.Delete(&blockedRow{}, "identity = ?", string(id)).Error
	}
	if err != nil {
		return storageErr("saving blocklist", err)
	}
	return nil
}

// SaveTierTable inserts a new table version with its definitions. Tables are immutable, so saving an
// existing version is a conflict.
func (s *SQL) SaveTierTable(ctx context.Context, table *ledger.TierTable) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&tierTableRow{Version: table.Version, UpdatedAt: unixNano(table.UpdatedAt)}).Error; err != nil {
			return err
		}
		var defs []tierDefinitionRow
		for _, def := range table.Definitions() {
			defs = append(defs, tierDefinitionRow{
				TableVersion: table.Version,
				Tier:         uint8(def.Tier),
				MinAmount:    def.MinAmount.Dec(),
				MinDuration:  int64(def.MinDuration),
				RewardWeight: def.RewardWeight,
			})
		}
		return tx.Create(&defs).Error
	})
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: tier table version %d already stored", ledger.ErrVersionConflict, table.Version)
	case err != nil:
		return storageErr("saving tier table", err)
	}
	return nil
}

// Load reads the full persisted state for ledger.WithSnapshot.
func (s *SQL) Load(ctx context.Context) (*ledger.Snapshot, error) {
	db := s.db.WithContext(ctx)
	snap := &ledger.Snapshot{Roles: map[ledger.Identity]ledger.RoleSet{}}

	var tables []tierTableRow
	if err := db.Order("version").Find(&tables).Error; err != nil {
		return nil, storageErr("loading tier tables", err)
	}
	var defRows []tierDefinitionRow
	if err := db.Order("table_version, tier").Find(&defRows).Error; err != nil {
		return nil, storageErr("loading tier definitions", err)
	}
	defsByVersion := map[uint64][]ledger.TierDefinition{}
	for _, r := range defRows {
		amount, err := parseAmount(r.MinAmount)
		if err != nil {
			return nil, storageErr("decoding tier definition", err)
		}
		defsByVersion[r.TableVersion] = append(defsByVersion[r.TableVersion], ledger.TierDefinition{
			Tier:         ledger.Tier(r.Tier),
			MinAmount:    amount,
			MinDuration:  time.Duration(r.MinDuration),
			RewardWeight: r.RewardWeight,
		})
	}
	for _, r := range tables {
		table, err := ledger.NewTierTable(r.Version, fromUnixNano(r.UpdatedAt), defsByVersion[r.Version])
		if err != nil {
			return nil, fmt.Errorf("stored tier table %d: %w", r.Version, err)
		}
		snap.TierTables = append(snap.TierTables, table)
	}

	var positions []positionRow
	if err := db.Order("id").Find(&positions).Error; err != nil {
		return nil, storageErr("loading positions", err)
	}
	for _, r := range positions {
		p, err := r.position()
		if err != nil {
			return nil, storageErr("decoding position", err)
		}
		snap.Positions = append(snap.Positions, p)
	}

	var vouchers []voucherRow
	if err := db.Order("id").Find(&vouchers).Error; err != nil {
		return nil, storageErr("loading vouchers", err)
	}
	for _, r := range vouchers {
		snap.Vouchers = append(snap.Vouchers, r.voucher())
	}

	var grants []roleGrantRow
	if err := db.Find(&grants).Error; err != nil {
		return nil, storageErr("loading role grants", err)
	}
	for _, r := range grants {
		snap.Roles[ledger.Identity(r.Identity)] = ledger.RoleSet(r.Roles)
	}

	var blocked []blockedRow
	if err := db.Order("identity").Find(&blocked).Error; err != nil {
		return nil, storageErr("loading blocklist", err)
	}
	for _, r := range blocked {
		snap.Blocked = append(snap.Blocked, ledger.Identity(r.Identity))
	}

	misc.Debugf(s.logger, "loaded %d positions, %d vouchers, %d tier tables", len(snap.Positions), len(snap.Vouchers), len(snap.TierTables))
	return snap, nil
}

// RecordArtifact stores a minted reward. A second artifact for the same position and reward index is
// rejected with ErrVersionConflict.
func (s *SQL) RecordArtifact(ctx context.Context, a ledger.Artifact) error {
	row := artifactRow{
		ID:          a.ID,
		PositionID:  uint64(a.PositionID),
		RewardIndex: a.RewardIndex,
		Owner:       string(a.Owner),
		Tier:        uint8(a.Tier),
		MintedAt:    unixNano(a.MintedAt),
		Reference:   a.Reference,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: reward %d of position %d already minted", ledger.ErrVersionConflict, a.RewardIndex, a.PositionID)
		}
		return storageErr("recording artifact", err)
	}
	return nil
}

// FindArtifact returns the artifact minted for one reward cycle of a position, if any.
func (s *SQL) FindArtifact(ctx context.Context, id ledger.PositionID, rewardIndex uint64) (ledger.Artifact, bool, error) {
	var row artifactRow
	err := s.db.WithContext(ctx).Where("position_id = ? AND reward_index = ?", uint64(id), rewardIndex).Take(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ledger.Artifact{}, false, nil
	case err != nil:
		return ledger.Artifact{}, false, storageErr("finding artifact", err)
	}
	return row.artifact(), true, nil
}

// Artifacts lists every artifact minted for a position, oldest reward first.
func (s *SQL) Artifacts(ctx context.Context, id ledger.PositionID) ([]ledger.Artifact, error) {
	var rows []artifactRow
	if err := s.db.WithContext(ctx).Where("position_id = ?", uint64(id)).Order("reward_index").Find(&rows).Error; err != nil {
		return nil, storageErr("listing artifacts", err)
	}
	out := make([]ledger.Artifact, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.artifact())
	}
	return out, nil
}

func (r artifactRow) artifact() ledger.Artifact {
	return ledger.Artifact{
		ID:          r.ID,
		PositionID:  ledger.PositionID(r.PositionID),
		Owner:       ledger.Identity(r.Owner),
		Tier:        ledger.Tier(r.Tier),
		RewardIndex: r.RewardIndex,
		MintedAt:    fromUnixNano(r.MintedAt),
		Reference:   r.Reference,
	}
}
