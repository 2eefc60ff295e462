package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/TxnLab/stakeledger/internal/lib/config"
	"github.com/TxnLab/stakeledger/internal/lib/keeper"
	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

func GetKeeperCmdOpts() *cli.Command {
	return &cli.Command{
		Name:    "keeper",
		Aliases: []string{"k"},
		Usage:   "Reward keeper related commands",
		Before:  openLedger,
		Commands: []*cli.Command{
			{
				Name:   "check",
				Usage:  "Show whether upkeep is needed and the next batch of due positions",
				Action: KeeperCheck,
			},
			{
				Name:   "run-once",
				Usage:  "[MINTER] Mint and advance every due position now. Normally happens automatically as part of daemon operations",
				Action: KeeperRunOnce,
			},
			{
				Name:   "config",
				Usage:  "Show the keeper parameters, or change them [ADMIN] and save them to the config file",
				Action: KeeperConfig,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Maximum positions per upkeep batch",
					},
					&cli.DurationFlag{
						Name:  "min-wait",
						Usage: "Minimum time between two advances of the same position",
					},
				},
			},
		},
	}
}

func KeeperCheck(ctx context.Context, command *cli.Command) error {
	now := App.clock.Now()
	needed, batch := App.keeper.CheckUpkeep(now)
	fmt.Println("State:", App.keeper.State(now))
	if last := App.keeper.LastUpkeep(); !last.IsZero() {
		fmt.Println("Last Upkeep:", last.Format(time.RFC3339))
	}
	if !needed {
		return nil
	}
	out := new(strings.Builder)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Position\tOwner\tTier\tReward #\tDue\t")
	for _, id := range batch {
		pos, err := App.ledger.Positions.Position(id)
		if err != nil {
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t\n", id, pos.Owner, pos.Tier, pos.RewardCount+1, pos.NextRewardDue.Format(time.DateTime))
	}
	tw.Flush()
	fmt.Print(out.String())
	return nil
}

func KeeperRunOnce(ctx context.Context, command *cli.Command) error {
	operator, err := caller(command)
	if err != nil {
		return err
	}
	if err = App.ledger.Access.Require(operator, ledger.RoleMinter); err != nil {
		return err
	}
	// an interrupt is honoured between polls only, like the daemon
	res := App.keeper.RunOnce(context.WithoutCancel(ctx))
	printOutcomes("minted", res.Minted)
	printOutcomes("failed", res.Failed)
	printOutcomes("skipped", res.Skipped)
	if res.Empty() {
		misc.Infof(App.logger, "no rewards due")
	}
	return nil
}

func printOutcomes(label string, outs []keeper.Outcome) {
	for _, out := range outs {
		switch {
		case out.Err != nil:
			fmt.Printf("%s: position %d (%s): %v\n", label, out.PositionID, out.Tier, out.Err)
		default:
			fmt.Printf("%s: position %d (%s) reward #%d -> %s\n", label, out.PositionID, out.Tier, out.RewardIndex, out.ArtifactID)
		}
	}
}

func KeeperConfig(ctx context.Context, command *cli.Command) error {
	cfg := App.keeper.Config()
	minWait := App.ledger.Positions.MinWaitTime()
	if !command.IsSet("batch-size") && !command.IsSet("min-wait") {
		fmt.Println("Batch Size:", cfg.BatchSize)
		fmt.Println("Concurrency:", cfg.Concurrency)
		fmt.Println("Mint Attempts:", cfg.MintAttempts)
		fmt.Println("Min Wait Time:", minWait)
		fmt.Println("Poll Interval:", App.cfg.Keeper.PollInterval.Duration)
		fmt.Println("Reward Interval:", App.ledger.Positions.RewardInterval())
		return nil
	}
	admin, err := caller(command)
	if err != nil {
		return err
	}
	batchSize := cfg.BatchSize
	if command.IsSet("batch-size") {
		batchSize = command.Int("batch-size")
	}
	if command.IsSet("min-wait") {
		minWait = command.Duration("min-wait")
	}
	if err = App.keeper.UpdateConfig(admin, batchSize, minWait); err != nil {
		return err
	}
	// keeper parameters live in the config file, so a running daemon picks them up on restart
	App.cfg.Keeper.BatchSize = batchSize
	App.cfg.Ledger.MinWaitTime = config.D(minWait)
	if err = SaveConfig(App.cfgPath, App.cfg); err != nil {
		return err
	}
	misc.Infof(App.logger, "keeper config saved to %s", App.cfgPath)
	return nil
}
