// Copyright (c) 2023-2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/longr59/whatsminer-api-3/internal/command"
)

// run opens a session, sends cmd and prints the response. The response of
// a rejected command is printed too.
func (a *app) run(ctx context.Context, cobraCmd *cobra.Command, cmd command.Command) error {
	c, _, err := a.session(ctx, cmd.Kind != command.Query)
	if err != nil {
		return err
	}

	defer c.Close()

	resp, err := c.Exec(ctx, cmd.Build)
	if resp != nil {
		if perr := printJSON(cobraCmd.OutOrStdout(), resp); perr != nil {
			return perr
		}
	}

	return err
}

func infoCmd(ctx context.Context, a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "info",
		Short:   "Print device information.",
		Example: "minerctl info --host 192.168.2.128",
		Args:    cobra.NoArgs,
		RunE: a.runE(ctx, func(cmd *cobra.Command, args []string) error {
			c, info, err := a.session(ctx, false)
			if err != nil {
				return err
			}

			defer c.Close()

			return printJSON(cmd.OutOrStdout(), info.Raw)
		}),
	}
}

func snCmd(ctx context.Context, a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "sn",
		Short:   "Print serial numbers of the miner and its hash boards.",
		Example: "minerctl sn --host 192.168.2.128",
		Args:    cobra.NoArgs,
		RunE: a.runE(ctx, func(cmd *cobra.Command, args []string) error {
			t, err := a.target()
			if err != nil {
				return err
			}

			c := a.newClient(t)

			defer c.Close()

			serials, err := command.ReadSerials(ctx, c)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), serials)
		}),
	}
}

func serviceCmd(ctx context.Context, a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "service <start|stop|restart>",
		Short:   "Control the mining service.",
		Example: "minerctl service restart --host 192.168.2.128",
		Args:    cobra.ExactArgs(1),
		RunE: a.runE(ctx, func(cmd *cobra.Command, args []string) error {
			c, err := command.SetMinerService(args[0])
			if err != nil {
				return err
			}

			return a.run(ctx, cmd, c)
		}),
	}
}

func rebootCmd(ctx context.Context, a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reboot",
		Short: "Reboot the device.",
		Args:  cobra.NoArgs,
		RunE: a.runE(ctx, func(cmd *cobra.Command, args []string) error {
			return a.run(ctx, cmd, command.SetSystemReboot())
		}),
	}
}

func passwdCmd(ctx context.Context, a *app) *cobra.Command {
	var user, oldPassword, newPassword string

	cmd := &cobra.Command{
		Use:     "passwd",
		Short:   "Change the password of an API account.",
		Example: "minerctl passwd --user user1 --old user1 --new abcde1",
		Args:    cobra.NoArgs,
		RunE: a.runE(ctx, func(cmd *cobra.Command, args []string) error {
			c, err := command.SetUserPasswd(user, oldPassword, newPassword)
			if err != nil {
				return err
			}

			return a.run(ctx, cmd, c)
		}),
	}

	cmd.Flags().StringVar(&user, "user", "", "Account whose password changes")
	cmd.Flags().StringVar(&oldPassword, "old", "", "Current password of the account")
	cmd.Flags().StringVar(&newPassword, "new", "", "New password of the account")

	for _, name := range []string{"user", "new"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Errorf("passwd initialization failed: %w", err))
		}
	}

	return cmd
}

// parsePool parses url,worker,password.
func parsePool(s string) (command.Pool, error) {
	parts := strings.SplitN(s, ",", 3)
	if len(parts) < 2 {
		return command.Pool{}, fmt.Errorf("%w: pool %q, expected url,worker[,password]",
			command.ErrInvalidArgument, s)
	}

	p := command.Pool{URL: parts[0], Worker: parts[1]}
	if len(parts) == 3 {
		p.Password = parts[2]
	}

	return p, nil
}

func poolsCmd(ctx context.Context, a *app) *cobra.Command {
	var specs []string

	cmd := &cobra.Command{
		Use:     "pools",
		Short:   "Replace the mining pool configuration.",
		Example: "minerctl pools --pool stratum+tcp://pool:3333,acct.worker1,x",
		Args:    cobra.NoArgs,
		RunE: a.runE(ctx, func(cmd *cobra.Command, args []string) error {
			pools := make([]command.Pool, 0, len(specs))

			for _, s := range specs {
				p, err := parsePool(s)
				if err != nil {
					return err
				}

				pools = append(pools, p)
			}

			c, err := command.SetMinerPools(pools)
			if err != nil {
				return err
			}

			return a.run(ctx, cmd, c)
		}),
	}

	cmd.Flags().StringArrayVar(&specs, "pool", nil,
		"Pool as url,worker,password, repeat for backup pools (at most 3)")

	return cmd
}

// parseParam returns text as JSON when it is valid JSON, as a string
// otherwise. Empty text means no param.
func parseParam(text string) any {
	if text == "" {
		return nil
	}

	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}

	return text
}

func execCmd(ctx context.Context, a *app) *cobra.Command {
	var (
		name    string
		param   string
		auth    bool
		encrypt bool
	)

	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Send any command.",
		Example: `minerctl exec --cmd get.miner.status --param summary
minerctl exec --cmd set.miner.power_limit --param 3400 --auth`,
		Args: cobra.NoArgs,
		RunE: a.runE(ctx, func(cmd *cobra.Command, args []string) error {
			var (
				c   command.Command
				err error
			)

			switch {
			case encrypt:
				c, err = command.Raw(name, command.Encrypted, param)
			case auth:
				c, err = command.Raw(name, command.Authenticated, parseParam(param))
			default:
				c, err = command.Raw(name, command.Query, parseParam(param))
			}

			if err != nil {
				return err
			}

			return a.run(ctx, cmd, c)
		}),
	}

	cmd.Flags().StringVar(&name, "cmd", "", "Command name, e.g. get.miner.status")
	cmd.Flags().StringVar(&param, "param", "", "Command parameter, JSON or plain text")
	cmd.Flags().BoolVar(&auth, "auth", false, "Send an authenticated request")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "Send an authenticated request with encrypted param")

	if err := cmd.MarkFlagRequired("cmd"); err != nil {
		panic(fmt.Errorf("exec initialization failed: %w", err))
	}

	return cmd
}

func atoi(name, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a number", command.ErrInvalidArgument, name, s)
	}

	return n, nil
}
