package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

func GetPositionCmdOpts() *cli.Command {
	return &cli.Command{
		Name:    "position",
		Aliases: []string{"p"},
		Usage:   "Open, close and inspect staking positions",
		Before:  openLedger,
		Commands: []*cli.Command{
			{
				Name:   "open",
				Usage:  "Open a staking position owned by the --as identity",
				Action: PositionOpen,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "amount",
						Usage: "Amount to stake, in base units (prompted for when omitted on a terminal)",
					},
					&cli.DurationFlag{
						Name:  "lock",
						Usage: "Lock duration, ie: 72h (prompted for when omitted on a terminal)",
					},
				},
			},
			{
				Name:      "close",
				Usage:     "Close an owned position whose lock has expired",
				ArgsUsage: "<position id>",
				Action:    PositionClose,
			},
			{
				Name:      "force-close",
				Usage:     "[ADMIN] Close a position regardless of its lock",
				ArgsUsage: "<position id>",
				Action:    PositionForceClose,
				Flags:     []cli.Flag{yesFlag()},
			},
			{
				Name:    "list",
				Aliases: []string{"l"},
				Usage:   "List active positions, or every position of one owner",
				Action:  PositionsList,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "owner",
						Usage: "Only list positions (active or closed) of this owner",
					},
				},
			},
			{
				Name:      "show",
				Usage:     "Show one position in detail",
				ArgsUsage: "<position id>",
				Action:    PositionShow,
			},
			{
				Name:      "reevaluate",
				Usage:     "Move an owned position onto the current tier table",
				ArgsUsage: "<position id>",
				Action:    PositionReevaluate,
			},
		},
	}
}

func positionArg(command *cli.Command) (ledger.PositionID, error) {
	id, err := uintArg(command, "position id")
	return ledger.PositionID(id), err
}

func PositionOpen(ctx context.Context, command *cli.Command) error {
	owner, err := caller(command)
	if err != nil {
		return err
	}
	amountStr := command.String("amount")
	if amountStr == "" {
		lowest := App.ledger.Positions.TierTable().Lowest()
		amountStr, err = getAmount("Enter the amount to stake", lowest.MinAmount.Dec())
		if err != nil {
			return err
		}
	}
	amount, err := parseAmount(amountStr)
	if err != nil {
		return err
	}
	lock := command.Duration("lock")
	if !command.IsSet("lock") {
		lock, err = getDuration("Enter the lock duration (ie: 72h)", App.ledger.Positions.TierTable().Lowest().MinDuration)
		if err != nil {
			return err
		}
	}
	id, err := App.ledger.Positions.OpenPosition(ctx, owner, amount, lock)
	if err != nil {
		return err
	}
	pos, err := App.ledger.Positions.Position(id)
	if err != nil {
		return err
	}
	misc.Infof(App.logger, "opened position %d: %s tier, unlocks %s", id, pos.Tier, pos.UnlockAt().Format(time.RFC3339))
	return nil
}

func PositionClose(ctx context.Context, command *cli.Command) error {
	owner, err := caller(command)
	if err != nil {
		return err
	}
	id, err := positionArg(command)
	if err != nil {
		return err
	}
	if err = App.ledger.Positions.ClosePosition(ctx, id, owner); err != nil {
		return err
	}
	misc.Infof(App.logger, "position %d closed", id)
	return nil
}

func PositionForceClose(ctx context.Context, command *cli.Command) error {
	admin, err := caller(command)
	if err != nil {
		return err
	}
	id, err := positionArg(command)
	if err != nil {
		return err
	}
	pos, err := App.ledger.Positions.Position(id)
	if err != nil {
		return err
	}
	if err = confirm(command, fmt.Sprintf("Force close position %d of %s (unlocks %s)", id, pos.Owner,
		pos.UnlockAt().Format(time.RFC3339))); err != nil {
		return err
	}
	if err = App.ledger.Positions.ForceClosePosition(ctx, id, admin); err != nil {
		return err
	}
	misc.Infof(App.logger, "position %d force closed", id)
	return nil
}

func PositionsList(ctx context.Context, command *cli.Command) error {
	var positions []ledger.Position
	if owner := command.String("owner"); owner != "" {
		id, err := ledger.ParseIdentity(owner)
		if err != nil {
			return err
		}
		positions = App.ledger.Positions.PositionsOf(id)
	} else {
		positions = App.ledger.Positions.ActivePositions()
	}

	out := new(strings.Builder)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "ID\tOwner\tAmount\tTier\tTable\tUnlocks\tRewards\tNext Due\tActive\t")
	now := App.clock.Now()
	for _, pos := range positions {
		status, _ := App.ledger.Positions.PositionStatus(pos.ID, now)
		active := "yes"
		if !pos.Active {
			active = "closed"
		} else if status.NeedsUpkeep {
			active = "due"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\tv%d\t%s\t%d\t%s\t%s\t\n", pos.ID, pos.Owner, pos.Amount.Dec(), pos.Tier,
			pos.TierTableVersion, pos.UnlockAt().Format(time.DateTime), pos.RewardCount,
			pos.NextRewardDue.Format(time.DateTime), active)
	}
	tw.Flush()
	fmt.Print(out.String())
	return nil
}

func PositionShow(ctx context.Context, command *cli.Command) error {
	id, err := positionArg(command)
	if err != nil {
		return err
	}
	pos, err := App.ledger.Positions.Position(id)
	if err != nil {
		return err
	}
	status, err := App.ledger.Positions.PositionStatus(id, App.clock.Now())
	if err != nil {
		return err
	}
	fmt.Println("Position:", pos.ID)
	fmt.Println("Owner:", pos.Owner)
	fmt.Println("Amount:", pos.Amount.Dec())
	fmt.Println("Lock Duration:", pos.LockDuration)
	fmt.Println("Started:", pos.StartTime.Format(time.RFC3339))
	fmt.Println("Unlocks:", pos.UnlockAt().Format(time.RFC3339))
	fmt.Printf("Tier: %s (table v%d, weight %d)\n", pos.Tier, pos.TierTableVersion, pos.RewardWeight())
	fmt.Println("Rewards Minted:", pos.RewardCount)
	fmt.Println("Next Reward Due:", pos.NextRewardDue.Format(time.RFC3339))
	if !pos.LastAdvancedAt.IsZero() {
		fmt.Println("Last Advanced:", pos.LastAdvancedAt.Format(time.RFC3339))
	}
	fmt.Println("Needs Upkeep:", status.NeedsUpkeep)
	fmt.Println("Active:", pos.Active)
	if !pos.Active {
		fmt.Println("Closed:", pos.ClosedAt.Format(time.RFC3339), "forced:", pos.ForceClosed)
	}
	artifacts, err := App.store.Artifacts(ctx, id)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		fmt.Printf("Artifact #%d: %s (minted %s) %s\n", a.RewardIndex, a.ID, a.MintedAt.Format(time.RFC3339), a.Reference)
	}
	return nil
}

func PositionReevaluate(ctx context.Context, command *cli.Command) error {
	owner, err := caller(command)
	if err != nil {
		return err
	}
	id, err := positionArg(command)
	if err != nil {
		return err
	}
	tier, err := App.ledger.Positions.ReevaluateTier(ctx, id, owner)
	if err != nil {
		return err
	}
	misc.Infof(App.logger, "position %d is now %s on tier table v%d", id, tier, App.ledger.Positions.TierTable().Version)
	return nil
}
