package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/manifoldco/promptui"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/TxnLab/stakeledger/internal/lib/ledger"
)

var errNotInteractive = errors.New("value must be supplied by flag when not attached to a terminal")

func yesFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "yes",
		Aliases: []string{"y"},
		Usage:   "Don't ask for confirmation",
	}
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// confirm asks before a destructive admin operation. Without a terminal the --yes flag is required.
func confirm(command *cli.Command, label string) error {
	if command.Bool("yes") {
		return nil
	}
	if !interactive() {
		return fmt.Errorf("%s: pass --yes to confirm when not attached to a terminal", label)
	}
	_, err := (&promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}).Run()
	if errors.Is(err, promptui.ErrAbort) {
		return errors.New("aborted")
	}
	return err
}

func parseAmount(s string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a whole number of base units", ledger.ErrInvalidAmount, s)
	}
	return amount, nil
}

func getAmount(prompt string, defVal string) (string, error) {
	if !interactive() {
		return "", fmt.Errorf("amount: %w", errNotInteractive)
	}
	return (&promptui.Prompt{
		Label:   prompt,
		Default: defVal,
		Validate: func(s string) error {
			_, err := parseAmount(s)
			return err
		},
	}).Run()
}

func getDuration(prompt string, defVal time.Duration) (time.Duration, error) {
	if !interactive() {
		return 0, fmt.Errorf("duration: %w", errNotInteractive)
	}
	result, err := (&promptui.Prompt{
		Label:   prompt,
		Default: defVal.String(),
		Validate: func(s string) error {
			d, err := time.ParseDuration(s)
			if err == nil && d <= 0 {
				return errors.New("duration must be positive")
			}
			return err
		},
	}).Run()
	if err != nil {
		return 0, err
	}
	return time.ParseDuration(result)
}

// uintArg parses the first positional argument as an id.
func uintArg(command *cli.Command, name string) (uint64, error) {
	arg := command.Args().First()
	if arg == "" {
		return 0, fmt.Errorf("missing %s argument", name)
	}
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, arg)
	}
	return id, nil
}
