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
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/longr59/whatsminer-api-3/internal/command"
)

// builder turns positional arguments into a command.
type builder struct {
	build func(args []string) (command.Command, error)
	short string
	usage string
	nargs int
}

func fixed(c command.Command) func([]string) (command.Command, error) {
	return func([]string) (command.Command, error) {
		return c, nil
	}
}

func withArg(fn func(string) (command.Command, error)) func([]string) (command.Command, error) {
	return func(args []string) (command.Command, error) {
		return fn(args[0])
	}
}

func withParam(fn func(any) command.Command) func([]string) (command.Command, error) {
	return func(args []string) (command.Command, error) {
		return fn(parseParam(args[0])), nil
	}
}

var getters = map[string]builder{
	"device": {short: "Device information", build: fixed(command.GetDeviceInfo())},
	"status": {
		short: "Miner status section, e.g. summary, pools or edevs",
		usage: "<section>",
		nargs: 1,
		build: func(args []string) (command.Command, error) {
			return command.GetMinerStatus(args[0]), nil
		},
	},
	"miner":  {short: "Miner settings", build: fixed(command.GetMinerSetting())},
	"fan":    {short: "Fan settings", build: fixed(command.GetFanSetting())},
	"log":    {short: "Log download information", build: fixed(command.GetLogDownload())},
	"system": {short: "System settings", build: fixed(command.GetSystemSetting())},
}

var setters = map[string]builder{
	"fan-poweroff-cool": {short: "Cool down after power off", usage: "<value>", nargs: 1,
		build: withParam(command.SetFanPowerOffCool)},
	"fan-temp-offset": {short: "Fan temperature offset", usage: "<value>", nargs: 1,
		build: withParam(command.SetFanTempOffset)},
	"fan-zero-speed": {short: "Allow zero fan speed", usage: "<value>", nargs: 1,
		build: withParam(command.SetFanZeroSpeed)},
	"log-upload": {
		short: "Send logs over UDP to a log server",
		usage: "<ip> <port>",
		nargs: 2,
		build: func(args []string) (command.Command, error) {
			port, err := atoi("port", args[1])
			if err != nil {
				return command.Command{}, err
			}

			return command.SetLogUpload(args[0], port)
		},
	},
	"cointype": {short: "Coin type", usage: "<cointype>", nargs: 1,
		build: withArg(command.SetMinerCoinType)},
	"fastboot": {short: "Fast boot, enable or disable", usage: "<mode>", nargs: 1,
		build: withArg(command.SetMinerFastBoot)},
	"heat-mode": {short: "Heat mode, heating, normal or anti-icing", usage: "<mode>", nargs: 1,
		build: withArg(command.SetMinerHeatMode)},
	"power": {short: "Power in watts", usage: "<value>", nargs: 1,
		build: withParam(command.SetMinerPower)},
	"power-percent": {
		short: "Power of a mode as a percentage",
		usage: "<mode> <percent>",
		nargs: 2,
		build: func(args []string) (command.Command, error) {
			percent, err := atoi("percent", args[1])
			if err != nil {
				return command.Command{}, err
			}

			return command.SetMinerPowerPercent(args[0], percent)
		},
	},
	"power-limit": {short: "Power limit in watts", usage: "<value>", nargs: 1,
		build: withParam(command.SetMinerPowerLimit)},
	"power-mode": {short: "Power mode, low, normal or high", usage: "<mode>", nargs: 1,
		build: withArg(command.SetMinerPowerMode)},
	"report": {
		short: "Status report interval in seconds",
		usage: "<gap>",
		nargs: 1,
		build: func(args []string) (command.Command, error) {
			gap, err := atoi("gap", args[0])
			if err != nil {
				return command.Command{}, err
			}

			return command.SetMinerReport(gap)
		},
	},
	"restore-setting": {short: "Restore miner settings", build: fixed(command.SetMinerRestoreSetting())},
	"target-freq": {short: "Target frequency", usage: "<value>", nargs: 1,
		build: withParam(command.SetMinerTargetFreq)},
	"upfreq-speed": {short: "Frequency ramp speed", usage: "<value>", nargs: 1,
		build: withParam(command.SetMinerUpfreqSpeed)},
	"hostname": {short: "Hostname", usage: "<hostname>", nargs: 1,
		build: withArg(command.SetSystemHostname)},
	"factory-reset": {short: "Reset the device to factory settings", build: fixed(command.SetSystemFactoryReset())},
	"timezone": {
		short: "Timezone, e.g. CST-8 Asia/Shanghai",
		usage: "<timezone> <zonename>",
		nargs: 2,
		build: func(args []string) (command.Command, error) {
			return command.SetSystemTimezone(args[0], args[1])
		},
	},
}

func subcommands(ctx context.Context, a *app, parent *cobra.Command, builders map[string]builder) {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		b := builders[name]

		parent.AddCommand(&cobra.Command{
			Use:   strings.TrimSpace(name + " " + b.usage),
			Short: b.short,
			Args:  cobra.ExactArgs(b.nargs),
			RunE: a.runE(ctx, func(cmd *cobra.Command, args []string) error {
				c, err := b.build(args)
				if err != nil {
					return err
				}

				return a.run(ctx, cmd, c)
			}),
		})
	}
}

func getCmd(ctx context.Context, a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "get",
		Short:   "Query device state.",
		Example: "minerctl get status summary --host 192.168.2.128",
	}

	subcommands(ctx, a, cmd, getters)

	return cmd
}

func setCmd(ctx context.Context, a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change device settings.",
		Example: fmt.Sprintf("minerctl set power-mode %s --host 192.168.2.128\n"+
			"minerctl set log-upload 192.168.2.10 9990", command.PowerModeLow),
	}

	subcommands(ctx, a, cmd, setters)

	return cmd
}
