package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/TxnLab/stakeledger/internal/lib/config"
	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

func GetTierCmdOpts() *cli.Command {
	return &cli.Command{
		Name:    "tier",
		Aliases: []string{"t"},
		Usage:   "Show or replace the tier table",
		Before:  openLedger,
		Commands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Show the current tier table",
				Action: TierShow,
				Flags: []cli.Flag{
					&cli.Uint64Flag{
						Name:  "version",
						Usage: "Show an earlier table version still referenced by a position",
					},
				},
			},
			{
				Name:      "set",
				Usage:     "[ADMIN] Publish a new tier table version from a YAML file (same shape as the config's tiers section)",
				ArgsUsage: "<tiers.yaml>",
				Action:    TierSet,
				Flags:     []cli.Flag{yesFlag()},
			},
		},
	}
}

func printTierTable(table *ledger.TierTable) {
	fmt.Printf("Tier table v%d", table.Version)
	if !table.UpdatedAt.IsZero() {
		fmt.Printf(" (updated %s)", table.UpdatedAt.Format(time.RFC3339))
	}
	fmt.Println()
	out := new(strings.Builder)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Tier\tMin Amount\tMin Lock\tWeight\t")
	for _, def := range table.Definitions() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t\n", def.Tier, def.MinAmount.Dec(), def.MinDuration, def.RewardWeight)
	}
	tw.Flush()
	fmt.Print(out.String())
}

func TierShow(ctx context.Context, command *cli.Command) error {
	table := App.ledger.Positions.TierTable()
	if command.IsSet("version") {
		var ok bool
		table, ok = App.ledger.Positions.TierTableVersion(command.Uint64("version"))
		if !ok {
			return fmt.Errorf("tier table version %d is not known", command.Uint64("version"))
		}
	}
	printTierTable(table)
	return nil
}

func TierSet(ctx context.Context, command *cli.Command) error {
	admin, err := caller(command)
	if err != nil {
		return err
	}
	path := command.Args().First()
	if path == "" {
		return fmt.Errorf("missing tiers file argument")
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	defs, err := config.DecodeTiers(file)
	if err != nil {
		return err
	}
	// validate locally first so the confirmation shows exactly what will be published
	preview, err := ledger.NewTierTable(App.ledger.Positions.TierTable().Version+1, App.clock.Now(), defs)
	if err != nil {
		return err
	}
	printTierTable(preview)
	if err = confirm(command, fmt.Sprintf("Publish tier table v%d", preview.Version)); err != nil {
		return err
	}
	table, err := App.ledger.Positions.UpdateTierTable(ctx, admin, defs)
	if err != nil {
		return err
	}
	misc.Infof(App.logger, "tier table v%d published, existing positions keep their tiers until reevaluated", table.Version)
	return nil
}
