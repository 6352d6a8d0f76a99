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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/longr59/whatsminer-api-3/internal/codec"
)

const defaultAccount = "super"

// decryptCmd recovers the plaintext of a captured encrypted param. It does
// not talk to a device.
func decryptCmd(a *app) *cobra.Command {
	var (
		name string
		salt string
		ts   int64
	)

	cmd := &cobra.Command{
		Use:   "decrypt <param>",
		Short: "Decrypt the param of a captured request.",
		Example: `minerctl decrypt --cmd set.miner.pools --ts 1700000000 --salt ab12cd34 \
  --password super 'base64...'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account := a.globals.account
			if account == "" {
				account = defaultAccount
			}

			if a.globals.password == "" {
				return errNoPassword
			}

			c := codec.New(account, a.globals.password, codec.WithSalt(salt))

			plaintext, err := c.DecryptParam(args[0], name, ts)
			if err != nil {
				return fmt.Errorf("decrypt %s param: %w", name, err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(plaintext))

			return err
		},
	}

	cmd.Flags().StringVar(&name, "cmd", "", "Command name of the request")
	cmd.Flags().StringVar(&salt, "salt", "", "Salt of the session")
	cmd.Flags().Int64Var(&ts, "ts", 0, "Timestamp of the request")

	for _, flag := range []string{"cmd", "salt", "ts"} {
		if err := cmd.MarkFlagRequired(flag); err != nil {
			panic(fmt.Errorf("decrypt initialization failed: %w", err))
		}
	}

	return cmd
}
