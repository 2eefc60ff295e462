package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

func GetRoleCmdOpts() *cli.Command {
	return &cli.Command{
		Name:    "role",
		Aliases: []string{"r"},
		Usage:   "Manage roles and the blocklist",
		Before:  openLedger,
		Commands: []*cli.Command{
			{
				Name:      "grant",
				Usage:     "[ADMIN] Grant a role (admin, minter, redeemer) to an identity",
				ArgsUsage: "<identity> <role>",
				Action:    RoleGrant,
			},
			{
				Name:      "revoke",
				Usage:     "[ADMIN] Revoke a role from an identity",
				ArgsUsage: "<identity> <role>",
				Action:    RoleRevoke,
				Flags:     []cli.Flag{yesFlag()},
			},
			{
				Name:      "has",
				Usage:     "Show the roles held by an identity",
				ArgsUsage: "<identity>",
				Action:    RoleHas,
			},
			{
				Name:      "members",
				Usage:     "List the identities holding a role",
				ArgsUsage: "<role>",
				Action:    RoleMembers,
			},
			{
				Name:      "block",
				Usage:     "[ADMIN] Block an identity from opening positions",
				ArgsUsage: "<identity>",
				Action:    RoleBlock,
				Flags:     []cli.Flag{yesFlag()},
			},
			{
				Name:      "unblock",
				Usage:     "[ADMIN] Remove an identity from the blocklist",
				ArgsUsage: "<identity>",
				Action:    RoleUnblock,
			},
			{
				Name:   "blocked",
				Usage:  "List blocked identities",
				Action: RoleBlocked,
			},
		},
	}
}

func identityRoleArgs(command *cli.Command) (ledger.Identity, ledger.Role, error) {
	if command.Args().Len() != 2 {
		return "", 0, fmt.Errorf("expected <identity> <role>")
	}
	id, err := ledger.ParseIdentity(command.Args().Get(0))
	if err != nil {
		return "", 0, err
	}
	role, err := ledger.ParseRole(command.Args().Get(1))
	if err != nil {
		return "", 0, err
	}
	return id, role, nil
}

func RoleGrant(ctx context.Context, command *cli.Command) error {
	admin, err := caller(command)
	if err != nil {
		return err
	}
	id, role, err := identityRoleArgs(command)
	if err != nil {
		return err
	}
	if err = App.ledger.Access.GrantRole(ctx, admin, id, role); err != nil {
		return err
	}
	misc.Infof(App.logger, "granted %s to %s", role, id)
	return nil
}

func RoleRevoke(ctx context.Context, command *cli.Command) error {
	admin, err := caller(command)
	if err != nil {
		return err
	}
	id, role, err := identityRoleArgs(command)
	if err != nil {
		return err
	}
	if err = confirm(command, fmt.Sprintf("Revoke %s from %s", role, id)); err != nil {
		return err
	}
	if err = App.ledger.Access.RevokeRole(ctx, admin, id, role); err != nil {
		return err
	}
	misc.Infof(App.logger, "revoked %s from %s", role, id)
	return nil
}

func RoleHas(ctx context.Context, command *cli.Command) error {
	id, err := ledger.ParseIdentity(command.Args().First())
	if err != nil {
		return err
	}
	roles := App.ledger.Access.RolesOf(id)
	var names []string
	for _, role := range roles.Roles() {
		names = append(names, role.String())
	}
	if len(names) == 0 {
		names = append(names, "(none)")
	}
	fmt.Printf("%s: %s\n", id, strings.Join(names, ", "))
	if App.ledger.Access.IsBlocked(id) {
		fmt.Printf("%s is blocked\n", id)
	}
	return nil
}

func RoleMembers(ctx context.Context, command *cli.Command) error {
	role, err := ledger.ParseRole(command.Args().First())
	if err != nil {
		return err
	}
	for _, id := range App.ledger.Access.Members(role) {
		fmt.Println(id)
	}
	return nil
}

func RoleBlock(ctx context.Context, command *cli.Command) error {
	admin, err := caller(command)
	if err != nil {
		return err
	}
	id, err := ledger.ParseIdentity(command.Args().First())
	if err != nil {
		return err
	}
	if err = confirm(command, fmt.Sprintf("Block %s from opening positions", id)); err != nil {
		return err
	}
	if err = App.ledger.Access.Block(ctx, admin, id); err != nil {
		return err
	}
	misc.Infof(App.logger, "%s blocked", id)
	return nil
}

func RoleUnblock(ctx context.Context, command *cli.Command) error {
	admin, err := caller(command)
	if err != nil {
		return err
	}
	id, err := ledger.ParseIdentity(command.Args().First())
	if err != nil {
		return err
	}
	if err = App.ledger.Access.Unblock(ctx, admin, id); err != nil {
		return err
	}
	misc.Infof(App.logger, "%s unblocked", id)
	return nil
}

func RoleBlocked(ctx context.Context, command *cli.Command) error {
	for _, id := range App.ledger.Access.Blocked() {
		fmt.Println(id)
	}
	return nil
}
