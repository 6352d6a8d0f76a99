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
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const (
	envConfig   = "MINERCTL_CONFIG"
	envPassword = "MINERCTL_PASSWORD"

	defaultConfigFile = "/etc/minerctl/config.yaml"
)

// globals are the persistent flags of the root command.
type globals struct {
	configFile string
	logLevel   string
	host       string
	device     string
	account    string
	password   string
	port       int
	timeout    time.Duration
}

func RootCmd(ctx context.Context) *cobra.Command {
	return rootCmd(ctx, afero.NewOsFs())
}

func rootCmd(ctx context.Context, fs afero.Fs) *cobra.Command {
	g := &globals{}
	a := &app{fs: fs, globals: g}

	cmd := &cobra.Command{
		Use:   "minerctl",
		Short: "minerctl - talk to Whatsminer devices over API v3",
		// Silence because we want to use our logger instead
		SilenceErrors:     true,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	configFile := os.Getenv(envConfig)
	if configFile == "" {
		configFile = defaultConfigFile
	}

	flags := cmd.PersistentFlags()
	flags.BoolP("help", "h", false, "Help information about a command")
	flags.StringVarP(&g.configFile, "config", "c", configFile,
		"Configuration file (env "+envConfig+")")
	flags.StringVar(&g.logLevel, "log-level", "",
		"Log level: debug, info, warn or error (default from config)")
	flags.StringVarP(&g.host, "host", "H", "", "Device address")
	flags.IntVarP(&g.port, "port", "p", 0, "Device API port (default from config, 4433)")
	flags.StringVarP(&g.device, "device", "d", "", "Device name or host from the configuration")
	flags.StringVarP(&g.account, "account", "a", "", "API account (default from config, super)")
	flags.StringVar(&g.password, "password", os.Getenv(envPassword),
		"API account password (env "+envPassword+")")
	flags.DurationVar(&g.timeout, "timeout", 0, "Exchange timeout (default from config)")

	cmd.AddCommand(infoCmd(ctx, a))
	cmd.AddCommand(snCmd(ctx, a))
	cmd.AddCommand(getCmd(ctx, a))
	cmd.AddCommand(setCmd(ctx, a))
	cmd.AddCommand(serviceCmd(ctx, a))
	cmd.AddCommand(rebootCmd(ctx, a))
	cmd.AddCommand(passwdCmd(ctx, a))
	cmd.AddCommand(poolsCmd(ctx, a))
	cmd.AddCommand(execCmd(ctx, a))
	cmd.AddCommand(decryptCmd(a))
	cmd.AddCommand(fleetCmd(ctx, a))
	cmd.AddCommand(configCmd(a))

	cmd.InitDefaultHelpCmd()

	return cmd
}
