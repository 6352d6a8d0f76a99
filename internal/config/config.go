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

// Package config loads and generates the minerctl configuration file.
package config

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"text/template"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/longr59/whatsminer-api-3/internal/atomicfile"
	"github.com/longr59/whatsminer-api-3/internal/transport"
)

const configTemplateName = "config.yaml.tmpl"

// DefaultPort is the port of the API v3 service.
const DefaultPort = 4433

//go:embed config.yaml.tmpl
var configFS embed.FS

var configTmpl = template.Must(
	template.New(configTemplateName).
		Funcs(template.FuncMap{
			"quote": strconv.Quote,
		}).
		ParseFS(configFS, configTemplateName),
)

// ErrInvalidConfig is returned for configuration values out of range.
var ErrInvalidConfig = errors.New("invalid config")

// Options are the values rendered into a generated configuration.
type Options struct {
	Account  string
	Hosts    []string
	Parallel int
}

// Generate renders the configuration template, stores it to file and
// returns the parsed Config.
func Generate(fs afero.Fs, file string, opts Options) (*Config, error) {
	if opts.Account == "" {
		opts.Account = "super"
	}

	if opts.Parallel <= 0 {
		opts.Parallel = defaultParallel
	}

	var buf bytes.Buffer

	if err := configTmpl.Execute(&buf, opts); err != nil {
		return nil, fmt.Errorf("render config template: %w", err)
	}

	data := buf.Bytes()

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := atomicfile.WriteFileWithFs(fs, file, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing config: %w", err)
	}

	return cfg, nil
}

// Load reads file and returns the parsed Config.
func Load(fs afero.Fs, file string) (*Config, error) {
	data, err := afero.ReadFile(fs, file)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return Parse(data)
}

// Parse returns the Config described by data, with defaults for missing
// values.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

const (
	defaultTimeout  = 10 * time.Second
	defaultParallel = 8
	defaultListen   = "127.0.0.1:9464"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Defaults: Defaults{
			Port:            DefaultPort,
			Account:         "super",
			DialTimeout:     defaultTimeout,
			ExchangeTimeout: defaultTimeout,
			MaxResponseSize: ByteSize{
				Bytes: transport.MaxResponseSize,
				Raw:   strconv.Itoa(transport.MaxResponseSize) + "B",
			},
		},
		Fleet: FleetConfig{
			Parallel: defaultParallel,
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Level: InfoLevel},
			Metrics: MetricsConfig{Listen: defaultListen},
		},
	}
}

// Config represents the minerctl configuration.
type Config struct {
	Devices       []Device            `yaml:"devices"`
	Observability ObservabilityConfig `yaml:"observability"`
	Defaults      Defaults            `yaml:"defaults"`
	Fleet         FleetConfig         `yaml:"fleet"`
}

// Defaults apply to devices that do not override them.
type Defaults struct {
	Account         string           `yaml:"account"`
	Password        string           `yaml:"password"`
	MaxResponseSize ByteSize `yaml:"max_response_size"`
	Port            int              `yaml:"port"`
	DialTimeout     time.Duration    `yaml:"dial_timeout"`
	ExchangeTimeout time.Duration    `yaml:"exchange_timeout"`
}

// Device is one miner.
type Device struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Account  string `yaml:"account"`
	Password string `yaml:"password"`
	Port     int    `yaml:"port"`
}

// FleetConfig holds settings of commands run against every device.
type FleetConfig struct {
	// Parallel is the number of devices talked to at the same time.
	Parallel int `yaml:"parallel"`
}

// ObservabilityConfig holds configuration for logging, tracing and metrics.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// LoggingConfig holds the configuration for logging.
type LoggingConfig struct {
	// Level defines the minimum logging severity level (debug, info, warn, error).
	Level LogLevel `yaml:"level"`
}

// MetricsConfig enables the Prometheus endpoint served while commands run.
type MetricsConfig struct {
	Listen  string `yaml:"listen"`
	Enabled bool   `yaml:"enabled"`
}

// TracingConfig enables span export over OTLP/HTTP.
type TracingConfig struct {
	Endpoint string `yaml:"otlp_http_endpoint"`
	Enabled  bool   `yaml:"enabled"`
}

// Target is a device with defaults applied.
type Target struct {
	Name            string
	Addr            string
	Account         string
	Password        string
	DialTimeout     time.Duration
	ExchangeTimeout time.Duration
	MaxResponseSize uint32
}

// Targets returns every configured device with defaults applied.
func (c *Config) Targets() []Target {
	targets := make([]Target, 0, len(c.Devices))
	for _, d := range c.Devices {
		targets = append(targets, c.Target(d))
	}

	return targets
}

// Target applies defaults to d.
func (c *Config) Target(d Device) Target {
	t := Target{
		Name:            d.Name,
		Account:         d.Account,
		Password:        d.Password,
		DialTimeout:     c.Defaults.DialTimeout,
		ExchangeTimeout: c.Defaults.ExchangeTimeout,
		MaxResponseSize: c.Defaults.MaxResponseSize.Bytes,
	}

	port := d.Port
	if port == 0 {
		port = c.Defaults.Port
	}

	t.Addr = net.JoinHostPort(d.Host, strconv.Itoa(port))

	if t.Name == "" {
		t.Name = d.Host
	}

	if t.Account == "" {
		t.Account = c.Defaults.Account
	}

	if t.Password == "" {
		t.Password = c.Defaults.Password
	}

	return t
}

// Validate checks values that would only fail later, at exchange time.
func (c *Config) Validate() error {
	if c.Defaults.Port <= 0 || c.Defaults.Port > math.MaxUint16 {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, c.Defaults.Port)
	}

	if c.Defaults.DialTimeout <= 0 || c.Defaults.ExchangeTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}

	if size := c.Defaults.MaxResponseSize.Bytes; size == 0 || size > transport.MaxResponseSize {
		return fmt.Errorf("%w: max_response_size %s, expected at most %s",
			ErrInvalidConfig, c.Defaults.MaxResponseSize, ByteSize{Bytes: transport.MaxResponseSize})
	}

	if c.Fleet.Parallel <= 0 {
		return fmt.Errorf("%w: fleet.parallel %d", ErrInvalidConfig, c.Fleet.Parallel)
	}

	switch c.Observability.Logging.Level {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
	default:
		return fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.Observability.Logging.Level)
	}

	for i, d := range c.Devices {
		if d.Host == "" {
			return fmt.Errorf("%w: device %d has no host", ErrInvalidConfig, i+1)
		}

		if d.Port < 0 || d.Port > math.MaxUint16 {
			return fmt.Errorf("%w: device %s port %d", ErrInvalidConfig, d.Host, d.Port)
		}
	}

	return nil
}

// ByteSize is a response size limit written as a human-readable string
// such as "8KiB" or "4096".
type ByteSize struct {
	Bytes uint32
	Raw   string
}

// String returns the size with no spaces, e.g. "8.2kB".
func (x ByteSize) String() string {
	return strings.ReplaceAll(humanize.Bytes(uint64(x.Bytes)), " ", "")
}

func (x *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return err
	}

	if parsed > math.MaxUint32 {
		return fmt.Errorf("size %s does not fit in 32 bits", value.Value)
	}

	x.Bytes = uint32(parsed)
	x.Raw = value.Value

	return nil
}
