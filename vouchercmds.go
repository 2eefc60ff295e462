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

func GetVoucherCmdOpts() *cli.Command {
	return &cli.Command{
		Name:    "voucher",
		Aliases: []string{"v"},
		Usage:   "Issue, redeem and inspect position vouchers",
		Before:  openLedger,
		Commands: []*cli.Command{
			{
				Name:      "issue",
				Usage:     "[MINTER] Issue a voucher to the owner of a position",
				ArgsUsage: "<position id>",
				Action:    VoucherIssue,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Usage: "Voucher kind, ie: coffee", Required: true},
					&cli.StringFlag{Name: "name", Usage: "Display name"},
					&cli.StringFlag{Name: "description", Usage: "Description"},
					&cli.StringFlag{Name: "value", Usage: "Free-form value, ie: 10%"},
					&cli.UintFlag{Name: "uses", Usage: "Number of redemptions allowed", Value: 1},
					&cli.DurationFlag{Name: "ttl", Usage: "Validity from issue time", Value: 30 * 24 * time.Hour},
				},
			},
			{
				Name:      "bundle",
				Usage:     "[MINTER] Issue (or complete) the configured tier bundle for a position",
				ArgsUsage: "<position id>",
				Action:    VoucherBundle,
			},
			{
				Name:      "find",
				Usage:     "Look up a voucher by its QR code",
				ArgsUsage: "<qr code>",
				Action:    VoucherFind,
			},
			{
				Name:      "show",
				Usage:     "Show a voucher by id",
				ArgsUsage: "<voucher id>",
				Action:    VoucherShow,
			},
			{
				Name:      "redeem",
				Usage:     "[REDEEMER] Redeem one use of a voucher by QR code (or id with --id)",
				ArgsUsage: "<qr code | voucher id>",
				Action:    VoucherRedeem,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "id", Usage: "The argument is a voucher id rather than a QR code"},
				},
			},
			{
				Name:      "revoke",
				Usage:     "[ADMIN] Deactivate a voucher",
				ArgsUsage: "<voucher id>",
				Action:    VoucherRevoke,
				Flags:     []cli.Flag{yesFlag()},
			},
			{
				Name:    "list",
				Aliases: []string{"l"},
				Usage:   "List vouchers of an owner or a position",
				Action:  VouchersList,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "owner", Usage: "List vouchers held by this owner"},
					&cli.Uint64Flag{Name: "position", Usage: "List vouchers issued for this position"},
				},
			},
		},
	}
}

func voucherArg(command *cli.Command) (ledger.VoucherID, error) {
	id, err := uintArg(command, "voucher id")
	return ledger.VoucherID(id), err
}

func VoucherIssue(ctx context.Context, command *cli.Command) error {
	minter, err := caller(command)
	if err != nil {
		return err
	}
	posID, err := positionArg(command)
	if err != nil {
		return err
	}
	uses := command.Uint("uses")
	if uses > uint(^uint32(0)) {
		return fmt.Errorf("%w: --uses %d out of range", ledger.ErrInvalidVoucher, uses)
	}
	id, err := App.ledger.Vouchers.IssueVoucher(ctx, minter, posID, ledger.VoucherSpec{
		Kind:        command.String("kind"),
		Name:        command.String("name"),
		Description: command.String("description"),
		Value:       command.String("value"),
		MaxUses:     uint32(uses),
		TTL:         command.Duration("ttl"),
	})
	if err != nil {
		return err
	}
	v, err := App.ledger.Vouchers.Voucher(id)
	if err != nil {
		return err
	}
	misc.Infof(App.logger, "issued voucher %d to %s, code:%s", v.ID, v.Owner, v.QRCode)
	return nil
}

func VoucherBundle(ctx context.Context, command *cli.Command) error {
	minter, err := caller(command)
	if err != nil {
		return err
	}
	posID, err := positionArg(command)
	if err != nil {
		return err
	}
	ids, err := App.ledger.Vouchers.IssueTierBundle(ctx, minter, posID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		misc.Infof(App.logger, "no bundle configured for the tier of position %d", posID)
		return nil
	}
	printVouchers(App.ledger.Vouchers.VouchersForPosition(posID))
	return nil
}

func VoucherFind(ctx context.Context, command *cli.Command) error {
	code := command.Args().First()
	if code == "" {
		return fmt.Errorf("missing qr code argument")
	}
	v, err := App.ledger.Vouchers.FindByQRCode(code)
	if err != nil {
		return err
	}
	printVoucher(v)
	return nil
}

func VoucherShow(ctx context.Context, command *cli.Command) error {
	id, err := voucherArg(command)
	if err != nil {
		return err
	}
	v, err := App.ledger.Vouchers.Voucher(id)
	if err != nil {
		return err
	}
	printVoucher(v)
	return nil
}

func VoucherRedeem(ctx context.Context, command *cli.Command) error {
	redeemer, err := caller(command)
	if err != nil {
		return err
	}
	var v ledger.Voucher
	if command.Bool("id") {
		id, err := voucherArg(command)
		if err != nil {
			return err
		}
		v, err = App.ledger.Vouchers.RedeemByID(ctx, id, redeemer)
		if err != nil {
			return err
		}
	} else {
		code := command.Args().First()
		if code == "" {
			return fmt.Errorf("missing qr code argument")
		}
		v, err = App.ledger.Vouchers.Redeem(ctx, code, redeemer)
		if err != nil {
			return err
		}
	}
	misc.Infof(App.logger, "redeemed voucher %d (%s) for %s, %d uses left", v.ID, v.Kind, v.Owner, v.RemainingUses())
	return nil
}

func VoucherRevoke(ctx context.Context, command *cli.Command) error {
	admin, err := caller(command)
	if err != nil {
		return err
	}
	id, err := voucherArg(command)
	if err != nil {
		return err
	}
	v, err := App.ledger.Vouchers.Voucher(id)
	if err != nil {
		return err
	}
	if err = confirm(command, fmt.Sprintf("Revoke voucher %d (%s) held by %s", v.ID, v.Kind, v.Owner)); err != nil {
		return err
	}
	if err = App.ledger.Vouchers.Revoke(ctx, id, admin); err != nil {
		return err
	}
	misc.Infof(App.logger, "voucher %d revoked", id)
	return nil
}

func VouchersList(ctx context.Context, command *cli.Command) error {
	switch {
	case command.String("owner") != "":
		owner, err := ledger.ParseIdentity(command.String("owner"))
		if err != nil {
			return err
		}
		printVouchers(App.ledger.Vouchers.VouchersOf(owner))
	case command.IsSet("position"):
		posID := ledger.PositionID(command.Uint64("position"))
		if _, err := App.ledger.Positions.Position(posID); err != nil {
			return err
		}
		printVouchers(App.ledger.Vouchers.VouchersForPosition(posID))
	default:
		return fmt.Errorf("one of --owner or --position is required")
	}
	return nil
}

func voucherState(v ledger.Voucher, now time.Time) string {
	if err := v.CheckRedeemable(now); err != nil {
		return strings.ToLower(ledger.ReasonOf(err))
	}
	return "valid"
}

func printVouchers(vouchers []ledger.Voucher) {
	out := new(strings.Builder)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "ID\tPosition\tOwner\tKind\tUses\tExpires\tCode\tState\t")
	now := App.clock.Now()
	for _, v := range vouchers {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%d/%d\t%s\t%s\t%s\t\n", v.ID, v.PositionID, v.Owner, v.Kind,
			v.CurrentUses, v.MaxUses, v.ExpiresAt.Format(time.DateTime), v.QRCode, voucherState(v, now))
	}
	tw.Flush()
	fmt.Print(out.String())
}

func printVoucher(v ledger.Voucher) {
	fmt.Println("Voucher:", v.ID)
	fmt.Println("Position:", v.PositionID)
	fmt.Println("Owner:", v.Owner)
	fmt.Println("Kind:", v.Kind)
	if v.Name != "" {
		fmt.Println("Name:", v.Name)
	}
	if v.Description != "" {
		fmt.Println("Description:", v.Description)
	}
	if v.Value != "" {
		fmt.Println("Value:", v.Value)
	}
	fmt.Printf("Uses: %d of %d\n", v.CurrentUses, v.MaxUses)
	fmt.Println("Issued:", v.IssuedAt.Format(time.RFC3339))
	fmt.Println("Expires:", v.ExpiresAt.Format(time.RFC3339))
	fmt.Println("QR Code:", v.QRCode)
	fmt.Println("Bundle:", v.FromBundle)
	fmt.Println("State:", voucherState(v, App.clock.Now()))
}
