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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/longr59/whatsminer-api-3/internal/config"
)

func configCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file.",
	}

	cmd.AddCommand(configInitCmd(a))
	cmd.AddCommand(configCheckCmd(a))

	return cmd
}

func configInitCmd(a *app) *cobra.Command {
	var opts config.Options

	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Write a new configuration file.",
		Example: "minerctl config init --device-host 192.168.2.128 --device-host 192.168.2.129",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(cmd.ErrOrStderr(), a.globals.logLevel)

			if a.globals.account != "" {
				opts.Account = a.globals.account
			}

			cfg, err := config.Generate(a.fs, a.globals.configFile, opts)
			if err != nil {
				return err
			}

			log.Info().
				Str("file", a.globals.configFile).
				Int("devices", len(cfg.Devices)).
				Msg("Configuration written")

			return nil
		},
	}

	cmd.Flags().StringArrayVar(&opts.Hosts, "device-host", nil, "Device host, repeat for more devices")
	cmd.Flags().IntVar(&opts.Parallel, "parallel", 0, "Devices talked to at the same time by fleet commands")

	return cmd
}

func configCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(cmd.ErrOrStderr(), a.globals.logLevel)

			cfg, err := config.Load(a.fs, a.globals.configFile)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d devices, max response size %s\n",
				a.globals.configFile, len(cfg.Devices), cfg.Defaults.MaxResponseSize)

			return err
		},
	}
}
