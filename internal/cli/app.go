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
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/longr59/whatsminer-api-3/internal/client"
	"github.com/longr59/whatsminer-api-3/internal/codec"
	"github.com/longr59/whatsminer-api-3/internal/config"
)

var (
	errNoDevice   = errors.New("no device selected, use --host or --device")
	errNoPassword = errors.New("password required, use --password or " + envPassword)
)

// app is the state shared by the commands of one invocation.
type app struct {
	fs      afero.Fs
	globals *globals
	cfg     *config.Config
	obs     *observability
}

// runE loads the configuration, sets up logging and observability and runs
// fn. Providers are flushed when fn returns.
func (a *app) runE(ctx context.Context,
	fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.setup(ctx, cmd.ErrOrStderr()); err != nil {
			return err
		}

		defer func() {
			if err := a.obs.close(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush telemetry")
			}
		}()

		return fn(cmd, args)
	}
}

func (a *app) setup(ctx context.Context, stderr io.Writer) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	level := string(cfg.Observability.Logging.Level)
	if a.globals.logLevel != "" {
		level = a.globals.logLevel
	}

	setupLogger(stderr, level)

	obs, err := setupObservability(ctx, cfg.Observability)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.obs = obs

	return nil
}

// loadConfig reads the configuration file. A missing file means defaults.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.fs, a.globals.configFile)
	if err == nil {
		return cfg, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}

	return nil, err
}

// target resolves the device selected by flags, falling back to the only
// configured device.
func (a *app) target() (config.Target, error) {
	g := a.globals

	var device config.Device

	switch {
	case g.host != "":
		device = config.Device{Host: g.host, Port: g.port}
	case g.device != "":
		found := false

		for _, d := range a.cfg.Devices {
			if d.Name == g.device || d.Host == g.device {
				device, found = d, true
				break
			}
		}

		if !found {
			return config.Target{}, fmt.Errorf("device %q is not configured", g.device)
		}
	case len(a.cfg.Devices) == 1:
		device = a.cfg.Devices[0]
	default:
		return config.Target{}, errNoDevice
	}

	if g.port != 0 {
		device.Port = g.port
	}

	return a.override(a.cfg.Target(device)), nil
}

func (a *app) override(t config.Target) config.Target {
	if a.globals.account != "" {
		t.Account = a.globals.account
	}

	if a.globals.password != "" {
		t.Password = a.globals.password
	}

	if a.globals.timeout > 0 {
		t.ExchangeTimeout = a.globals.timeout
	}

	return t
}

func (a *app) clientOptions() []client.Option {
	return []client.Option{
		client.WithLogger(log.Logger),
		client.WithMeter(a.obs.meter()),
		client.WithTracer(a.obs.tracer()),
	}
}

func (a *app) newClient(t config.Target) *client.Client {
	opts := append(a.clientOptions(),
		client.WithDialTimeout(t.DialTimeout),
		client.WithExchangeTimeout(t.ExchangeTimeout),
		client.WithMaxResponseSize(t.MaxResponseSize),
	)

	return client.New(t.Addr, t.Account, t.Password, opts...)
}

// session opens a connection to the selected device and runs the
// handshake. Authenticated commands need a password.
func (a *app) session(ctx context.Context, authenticated bool) (*client.Client, *codec.DeviceInfo, error) {
	t, err := a.target()
	if err != nil {
		return nil, nil, err
	}

	if authenticated && t.Password == "" {
		return nil, nil, errNoPassword
	}

	c := a.newClient(t)

	if err := c.Connect(ctx); err != nil {
		return nil, nil, err
	}

	info, err := c.Handshake(ctx)
	if err != nil {
		//nolint:errcheck // the handshake error is more important
		c.Close()
		return nil, nil, err
	}

	log.Debug().Str("device", t.Name).Str("session", c.ID()).Msg("Session ready")

	return c, info, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
