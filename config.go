// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package mps

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// Mode selects stream (TLS) or datagram (DTLS) behaviour, which changes
// fragmentation and retransmission wholesale (spec.md §6 mps_config).
type Mode uint8

// Modes.
const (
	ModeDatagram Mode = iota
	ModeStream
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == ModeStream {
		return "stream"
	}
	return "datagram"
}

// Default configuration values, mirroring the teacher's Config defaults
// (conn.go's defaultMTU/defaultReplayProtectionWindow pattern) and
// spec.md §6's named tunables (flight_capacity M=5, future_message_
// buffers F=4).
const (
	DefaultHandshakeTimeoutMin  = time.Second
	DefaultHandshakeTimeoutMax  = 60 * time.Second
	DefaultQuiescence           = 30 * time.Second
	DefaultFlightCapacity       = 5
	DefaultFutureMessageBuffers = 4
)

// Config carries the mps_config tunables of spec.md §6 plus the ambient
// stack the teacher's own Config carries (LoggerFactory), and the
// optional Prometheus registerer for metrics.go.
type Config struct {
	// Mode selects stream or datagram fragmentation/retransmission
	// behaviour.
	Mode Mode

	// HandshakeTimeoutMin/Max bound the exponential retransmit backoff
	// used by the flight state machine while awaiting a reply
	// (spec.md §4.7, §6 hs_timeout_min/hs_timeout_max).
	HandshakeTimeoutMin time.Duration
	HandshakeTimeoutMax time.Duration

	// Quiescence bounds how long the terminal flight keeps resending
	// before giving up, once the handshake has otherwise finished on our
	// side (spec.md §4.7 Finalize).
	Quiescence time.Duration

	// FlightCapacity is M, the retransmission-detection table size and
	// the outgoing backup list's bound (spec.md §6).
	FlightCapacity int

	// FutureMessageBuffers is F, the number of future-message reassembly
	// slots beyond the next-expected message (spec.md §6).
	FutureMessageBuffers int

	// LoggerFactory builds the per-instance logging.LeveledLogger; when
	// nil, logging.NewDefaultLoggerFactory() is used, exactly as
	// conn.go's createConn falls back.
	LoggerFactory logging.LoggerFactory

	// MetricsRegisterer optionally registers metrics.go's Collector.
	// When nil, metrics are still computed but not exported, matching
	// caddy's optional-Prometheus-app pattern.
	MetricsRegisterer prometheus.Registerer
}

// defaultConfig returns a Config with every tunable set to its spec.md
// §6 / SPEC_FULL.md §12 default.
func defaultConfig() *Config {
	return &Config{
		Mode:                 ModeDatagram,
		HandshakeTimeoutMin:  DefaultHandshakeTimeoutMin,
		HandshakeTimeoutMax:  DefaultHandshakeTimeoutMax,
		Quiescence:           DefaultQuiescence,
		FlightCapacity:       DefaultFlightCapacity,
		FutureMessageBuffers: DefaultFutureMessageBuffers,
	}
}

// tomlConfig is the on-disk shape LoadConfig decodes, kept separate from
// Config so LoggerFactory/MetricsRegisterer (neither serializable) never
// need struct tags of their own.
type tomlConfig struct {
	Mode                 string `toml:"mode"`
	HandshakeTimeoutMin  string `toml:"handshake_timeout_min"`
	HandshakeTimeoutMax  string `toml:"handshake_timeout_max"`
	Quiescence           string `toml:"quiescence"`
	FlightCapacity       int    `toml:"flight_capacity"`
	FutureMessageBuffers int    `toml:"future_message_buffers"`
}

// LoadConfig reads an optional TOML configuration file into a fresh
// Config seeded with defaultConfig's values, mirroring the teacher's
// sibling caddy repo's layered-TOML-config convention (metadata_toml.go)
// rather than hand-rolling a flag/env parser for this library-level
// surface.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	var raw tomlConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, err
	}

	if raw.Mode == "stream" {
		cfg.Mode = ModeStream
	}
	if raw.HandshakeTimeoutMin != "" {
		d, err := time.ParseDuration(raw.HandshakeTimeoutMin)
		if err != nil {
			return nil, err
		}
		cfg.HandshakeTimeoutMin = d
	}
	if raw.HandshakeTimeoutMax != "" {
		d, err := time.ParseDuration(raw.HandshakeTimeoutMax)
		if err != nil {
			return nil, err
		}
		cfg.HandshakeTimeoutMax = d
	}
	if raw.Quiescence != "" {
		d, err := time.ParseDuration(raw.Quiescence)
		if err != nil {
			return nil, err
		}
		cfg.Quiescence = d
	}
	if raw.FlightCapacity > 0 {
		cfg.FlightCapacity = raw.FlightCapacity
	}
	if raw.FutureMessageBuffers > 0 {
		cfg.FutureMessageBuffers = raw.FutureMessageBuffers
	}
	return cfg, nil
}
