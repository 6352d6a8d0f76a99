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
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/longr59/whatsminer-api-3/internal/client"
	"github.com/longr59/whatsminer-api-3/internal/command"
	"github.com/longr59/whatsminer-api-3/internal/config"
	"github.com/longr59/whatsminer-api-3/internal/fleet"
)

// fleetTargets returns the devices named by hosts, or every configured
// device when hosts is empty.
func (a *app) fleetTargets(hosts []string) ([]config.Target, error) {
	var targets []config.Target

	if len(hosts) == 0 {
		targets = a.cfg.Targets()
	} else {
		for _, h := range hosts {
			targets = append(targets, a.cfg.Target(config.Device{Host: h, Port: a.globals.port}))
		}
	}

	if len(targets) == 0 {
		return nil, errNoDevice
	}

	for i := range targets {
		targets[i] = a.override(targets[i])
	}

	return targets, nil
}

func fleetCmd(ctx context.Context, a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Run a command against many devices.",
	}

	cmd.AddCommand(fleetSNCmd(ctx, a))

	return cmd
}

func fleetSNCmd(ctx context.Context, a *app) *cobra.Command {
	var parallel int

	cmd := &cobra.Command{
		Use:   "sn [host...]",
		Short: "Print serial numbers of every device, one JSON object per line.",
		Example: `minerctl fleet sn
minerctl fleet sn 192.168.2.128 192.168.2.129 --parallel 2`,
		RunE: a.runE(ctx, func(cmd *cobra.Command, args []string) error {
			targets, err := a.fleetTargets(args)
			if err != nil {
				return err
			}

			if parallel <= 0 {
				parallel = a.cfg.Fleet.Parallel
			}

			r := fleet.NewRunner(
				fleet.WithParallel(parallel),
				fleet.WithLogger(log.Logger),
				fleet.WithClientOptions(
					client.WithMeter(a.obs.meter()),
					client.WithTracer(a.obs.tracer()),
				),
			)

			start := time.Now()

			results, runErr := fleet.Run(ctx, r, targets,
				func(ctx context.Context, c *client.Client) (command.Serials, error) {
					return command.ReadSerials(ctx, c)
				})

			enc := json.NewEncoder(cmd.OutOrStdout())

			for _, res := range results {
				if res.Err != nil {
					continue
				}

				if err := enc.Encode(res.Value); err != nil {
					return err
				}
			}

			summary := fleet.Summarize(results, time.Since(start))
			log.Info().Msg(summary.String())

			if runErr != nil {
				return runErr
			}

			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d devices failed", summary.Failed, summary.Devices)
			}

			return nil
		}),
	}

	cmd.Flags().IntVar(&parallel, "parallel", 0, "Devices talked to at the same time (default from config)")

	return cmd
}
