package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type appConfig struct {
	backend         string
	canIf           string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	uuid            string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	retryMax        int
	txTick          time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// fileConfig mirrors appConfig for the optional TOML file. Pointer fields so
// absent keys are distinguishable from zero values.
type fileConfig struct {
	Backend         *string `toml:"backend"`
	CanIf           *string `toml:"can_if"`
	Serial          *string `toml:"serial"`
	Baud            *int    `toml:"baud"`
	SerialReadTO    *string `toml:"serial_read_timeout"`
	UUID            *string `toml:"uuid"`
	LogFormat       *string `toml:"log_format"`
	LogLevel        *string `toml:"log_level"`
	MetricsAddr     *string `toml:"metrics_addr"`
	LogMetricsEvery *string `toml:"log_metrics_interval"`
	RetryMax        *int    `toml:"identity_retry_max"`
	TxTick          *string `toml:"tx_tick"`
	MDNSEnable      *bool   `toml:"mdns_enable"`
	MDNSName        *string `toml:"mdns_name"`
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	backend := flag.String("backend", "socketcan", "CAN backend: socketcan|serial|sim")
	canIf := flag.String("can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path (when --backend=serial)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	uuid := flag.String("uuid", "", "Node identifier: 12 hex digits (required)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	retryMax := flag.Int("identity-retry-max", 0, "Max busy retries for identity responses (0 = unbounded)")
	txTick := flag.Duration("tx-tick", 10*time.Millisecond, "Re-arm interval for a transmit buffer stalled on a busy bus")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the metrics endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default can-node-<uuid>)")
	configFile := flag.String("config", "", "Optional TOML config file (lowest precedence)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.backend = *backend
	cfg.canIf = *canIf
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.uuid = *uuid
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.retryMax = *retryMax
	cfg.txTick = *txTick
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if *configFile != "" {
		if err := applyFileConfig(cfg, *configFile, setFlags); err != nil {
			fmt.Printf("config file error: %v\n", err)
			return nil, *showVersion
		}
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate checks values and ranges only; it does not open devices.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan", "serial", "sim":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if _, err := parseUUID(c.uuid); err != nil {
		return err
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.retryMax < 0 {
		return fmt.Errorf("identity-retry-max must be >= 0")
	}
	if c.txTick <= 0 {
		return fmt.Errorf("tx-tick must be > 0")
	}
	return nil
}

// parseUUID decodes a 12-hex-digit node identifier.
func parseUUID(s string) ([6]byte, error) {
	var u [6]byte
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(s) != 12 {
		return u, fmt.Errorf("uuid must be 12 hex digits (got %q)", s)
	}
	for i := 0; i < 6; i++ {
		n, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return u, fmt.Errorf("invalid uuid %q: %w", s, err)
		}
		u[i] = byte(n)
	}
	return u, nil
}

// applyEnvOverrides maps CAN_NODE_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored;
// durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["backend"]; !ok {
		if v, ok := get("CAN_NODE_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["can-if"]; !ok {
		if v, ok := get("CAN_NODE_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["serial"]; !ok {
		if v, ok := get("CAN_NODE_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("CAN_NODE_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_NODE_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("CAN_NODE_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_NODE_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["uuid"]; !ok {
		if v, ok := get("CAN_NODE_UUID"); ok && v != "" {
			c.uuid = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CAN_NODE_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CAN_NODE_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CAN_NODE_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CAN_NODE_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_NODE_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["identity-retry-max"]; !ok {
		if v, ok := get("CAN_NODE_IDENTITY_RETRY_MAX"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.retryMax = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_NODE_IDENTITY_RETRY_MAX: %w", err)
			}
		}
	}
	if _, ok := set["tx-tick"]; !ok {
		if v, ok := get("CAN_NODE_TX_TICK"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.txTick = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_NODE_TX_TICK: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CAN_NODE_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CAN_NODE_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}

// applyFileConfig fills fields from a TOML file. Lowest precedence: a field
// set by flag or already changed from its default by env keeps its value.
func applyFileConfig(c *appConfig, path string, set map[string]struct{}) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	defaults := &appConfig{
		backend:      "socketcan",
		canIf:        "can0",
		serialDev:    "/dev/ttyUSB0",
		baud:         115200,
		serialReadTO: 50 * time.Millisecond,
		logFormat:    "text",
		logLevel:     "info",
		txTick:       10 * time.Millisecond,
	}
	useFile := func(flagName string, unchanged bool) bool {
		_, flagged := set[flagName]
		return !flagged && unchanged
	}
	dur := func(s string) (time.Duration, error) { return time.ParseDuration(s) }

	if fc.Backend != nil && useFile("backend", c.backend == defaults.backend) {
		c.backend = *fc.Backend
	}
	if fc.CanIf != nil && useFile("can-if", c.canIf == defaults.canIf) {
		c.canIf = *fc.CanIf
	}
	if fc.Serial != nil && useFile("serial", c.serialDev == defaults.serialDev) {
		c.serialDev = *fc.Serial
	}
	if fc.Baud != nil && useFile("baud", c.baud == defaults.baud) {
		c.baud = *fc.Baud
	}
	if fc.SerialReadTO != nil && useFile("serial-read-timeout", c.serialReadTO == defaults.serialReadTO) {
		d, err := dur(*fc.SerialReadTO)
		if err != nil {
			return fmt.Errorf("serial_read_timeout: %w", err)
		}
		c.serialReadTO = d
	}
	if fc.UUID != nil && useFile("uuid", c.uuid == "") {
		c.uuid = *fc.UUID
	}
	if fc.LogFormat != nil && useFile("log-format", c.logFormat == defaults.logFormat) {
		c.logFormat = *fc.LogFormat
	}
	if fc.LogLevel != nil && useFile("log-level", c.logLevel == defaults.logLevel) {
		c.logLevel = *fc.LogLevel
	}
	if fc.MetricsAddr != nil && useFile("metrics-addr", c.metricsAddr == "") {
		c.metricsAddr = *fc.MetricsAddr
	}
	if fc.LogMetricsEvery != nil && useFile("log-metrics-interval", c.logMetricsEvery == 0) {
		d, err := dur(*fc.LogMetricsEvery)
		if err != nil {
			return fmt.Errorf("log_metrics_interval: %w", err)
		}
		c.logMetricsEvery = d
	}
	if fc.RetryMax != nil && useFile("identity-retry-max", c.retryMax == 0) {
		c.retryMax = *fc.RetryMax
	}
	if fc.TxTick != nil && useFile("tx-tick", c.txTick == defaults.txTick) {
		d, err := dur(*fc.TxTick)
		if err != nil {
			return fmt.Errorf("tx_tick: %w", err)
		}
		c.txTick = d
	}
	if fc.MDNSEnable != nil && useFile("mdns-enable", !c.mdnsEnable) {
		c.mdnsEnable = *fc.MDNSEnable
	}
	if fc.MDNSName != nil && useFile("mdns-name", c.mdnsName == "") {
		c.mdnsName = *fc.MDNSName
	}
	return nil
}
