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

// Package fleet runs the same operation against many devices, each with
// its own session.
package fleet

import (
	"context"
	"fmt"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/longr59/whatsminer-api-3/internal/client"
	"github.com/longr59/whatsminer-api-3/internal/config"
)

// Result is the outcome of an operation on one device.
type Result[T any] struct {
	Value    T
	Err      error
	Target   config.Target
	Stats    client.Stats
	Duration time.Duration
}

// Func is run with a connected session. Salt handling is up to it.
type Func[T any] func(ctx context.Context, c *client.Client) (T, error)

// Runner talks to devices concurrently, up to a limit.
type Runner struct {
	logger   zerolog.Logger
	opts     []client.Option
	parallel int
}

// Option allows to set additional Runner options
type Option func(*Runner)

// WithParallel sets how many devices are talked to at the same time
// (default: 8)
func WithParallel(n int) Option {
	return func(r *Runner) {
		r.parallel = n
	}
}

// WithClientOptions sets options applied to every session
func WithClientOptions(opts ...client.Option) Option {
	return func(r *Runner) {
		r.opts = append(r.opts, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner returns a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		logger:   log.Logger,
		parallel: 8,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.parallel <= 0 {
		r.parallel = 1
	}

	return r
}

// Run calls fn for every target and returns results in target order.
// A failing device does not stop the others. The returned error is set
// when ctx ended during the run, targets not attempted then carry ctx.Err.
func Run[T any](ctx context.Context, r *Runner, targets []config.Target, fn Func[T]) ([]Result[T], error) {
	results := make([]Result[T], len(targets))

	g := &errgroup.Group{}
	g.SetLimit(r.parallel)

	for i, target := range targets {
		i, target := i, target
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			results[i] = runOne(ctx, r, target, fn)

			return nil
		})
	}

	//nolint:errcheck // every func returns nil
	g.Wait()

	if err := ctx.Err(); err != nil {
		for i := range results {
			if results[i].Target.Addr == "" {
				results[i] = Result[T]{Target: targets[i], Err: err}
			}
		}

		return results, fmt.Errorf("fleet run interrupted: %w", err)
	}

	return results, nil
}

func runOne[T any](ctx context.Context, r *Runner, target config.Target, fn Func[T]) Result[T] {
	start := time.Now()

	opts := append([]client.Option{
		client.WithDialTimeout(target.DialTimeout),
		client.WithExchangeTimeout(target.ExchangeTimeout),
		client.WithMaxResponseSize(target.MaxResponseSize),
		client.WithLogger(r.logger.With().Str("device", target.Name).Logger()),
	}, r.opts...)

	c := client.New(target.Addr, target.Account, target.Password, opts...)

	defer c.Close()

	res := Result[T]{Target: target}

	if err := c.Connect(ctx); err != nil {
		res.Err = err
	} else {
		res.Value, res.Err = fn(ctx, c)
	}

	res.Stats = c.Stats()
	res.Duration = time.Since(start)

	level := zerolog.DebugLevel
	if res.Err != nil {
		level = zerolog.WarnLevel
	}

	r.logger.WithLevel(level).Err(res.Err).
		Str("device", target.Name).
		Str("addr", target.Addr).
		Dur("duration", res.Duration).
		Msg("Device done")

	return res
}

// Summary aggregates results.
type Summary struct {
	Devices       int
	Failed        int
	BytesSent     uint64
	BytesReceived uint64
	Duration      time.Duration
}

// Summarize aggregates results of a Run.
func Summarize[T any](results []Result[T], elapsed time.Duration) Summary {
	s := Summary{Devices: len(results), Duration: elapsed}

	for _, res := range results {
		if res.Err != nil {
			s.Failed++
		}

		s.BytesSent += uint64(res.Stats.BytesSent)
		s.BytesReceived += uint64(res.Stats.BytesReceived)
	}

	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("%d devices, %d failed, %s sent, %s received in %s",
		s.Devices, s.Failed,
		humanize.Bytes(s.BytesSent), humanize.Bytes(s.BytesReceived),
		s.Duration.Round(time.Millisecond))
}
