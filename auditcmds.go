package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/TxnLab/stakeledger/internal/lib/store"
)

func GetAuditCmdOpts() *cli.Command {
	return &cli.Command{
		Name:   "audit",
		Usage:  "Show the most recent ledger events from the audit journal",
		Before: openLedger,
		Action: AuditTail,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "tail",
				Aliases: []string{"n"},
				Usage:   "Number of events to show",
				Value:   50,
			},
		},
	}
}

func AuditTail(ctx context.Context, command *cli.Command) error {
	entries, err := App.journal.Tail(command.Int("tail"))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		fmt.Println(formatEntry(entry))
	}
	return nil
}

func formatEntry(entry store.JournalEntry) string {
	evt := entry.Event
	var sb strings.Builder
	fmt.Fprintf(&sb, "%6d %s %-26s", entry.Seq, evt.At.Format(time.RFC3339), evt.Type)
	if evt.Actor != "" {
		fmt.Fprintf(&sb, " by:%s", evt.Actor)
	}
	if evt.Subject != "" {
		fmt.Fprintf(&sb, " subject:%s", evt.Subject)
	}
	if evt.PositionID != 0 {
		fmt.Fprintf(&sb, " position:%d", evt.PositionID)
	}
	if evt.VoucherID != 0 {
		fmt.Fprintf(&sb, " voucher:%d", evt.VoucherID)
	}
	for _, k := range slices.Sorted(maps.Keys(evt.Attrs)) {
		fmt.Fprintf(&sb, " %s:%s", k, evt.Attrs[k])
	}
	return sb.String()
}
