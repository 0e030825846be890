package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheCount/go-mbap/modbus"
)

// DefaultAddress is the default Modbus/TCP address of server and client.
const DefaultAddress = "127.0.0.1:502"

// Config holds the configuration of mbapd.
type Config struct {
	// Server
	ListenAddr        string
	IdleTimeout       time.Duration
	FrameGrace        time.Duration
	ProcessingTimeout time.Duration
	Registers         int
	InitialValues     []uint16
	Increment         bool
	Shared            bool

	// Client
	ServerAddr     string
	UnitID         int
	RequestTimeout time.Duration
	BusyPolicy     string
	PollAddress    int
	PollQuantity   int
	PollInterval   time.Duration
	PollCount      int

	LogLevel string
}

// DefaultConfig returns a Config with default values. Each server connection
// gets its own two registers seeded with 12345 and 12346, incremented on
// every request.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        DefaultAddress,
		IdleTimeout:       75 * time.Second,
		FrameGrace:        5 * time.Second,
		ProcessingTimeout: 10 * time.Second,
		Registers:         2,
		InitialValues:     []uint16{12345, 12346},
		Increment:         true,
		ServerAddr:        DefaultAddress,
		UnitID:            int(modbus.UnitTCP),
		RequestTimeout:    5 * time.Second,
		BusyPolicy:        "queue",
		PollQuantity:      2,
		PollInterval:      time.Second,
		LogLevel:          "info",
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.ServerAddr == "" {
		return fmt.Errorf("server address is required")
	}
	if c.UnitID < 0 || c.UnitID > 255 || !modbus.UnitID(c.UnitID).IsValid() {
		return fmt.Errorf("invalid unit id %d", c.UnitID)
	}
	if c.Registers <= 0 || c.Registers > 1<<16 {
		return fmt.Errorf("register count %d not in [1,65536]", c.Registers)
	}
	if len(c.InitialValues) > c.Registers {
		return fmt.Errorf("%d initial values exceed register count %d",
			len(c.InitialValues), c.Registers)
	}
	for name, d := range map[string]time.Duration{
		"idle timeout":       c.IdleTimeout,
		"frame grace":        c.FrameGrace,
		"processing timeout": c.ProcessingTimeout,
		"request timeout":    c.RequestTimeout,
		"poll interval":      c.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if _, err := modbus.ParseBusyPolicy(c.BusyPolicy); err != nil {
		return err
	}
	if c.PollAddress < 0 || c.PollAddress > 0xFFFF {
		return fmt.Errorf("poll address %d out of range", c.PollAddress)
	}
	if c.PollQuantity < 1 || c.PollQuantity > 125 {
		return fmt.Errorf("poll quantity %d not in [1,125]", c.PollQuantity)
	}
	if c.PollCount < 0 {
		return fmt.Errorf("poll count must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// ParseValues parses a comma separated list of register values. Values may
// be given in decimal or with a 0x prefix.
func ParseValues(s string) ([]uint16, error) {
	var result []uint16
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseUint(field, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("parse register value '%s': %w", field, err)
		}
		result = append(result, uint16(v))
	}
	return result, nil
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if not nil and flag not changed.
func (s *configSetter) setInt(flag string, value *int, dst *int) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setValues sets register values if not nil and flag not changed.
func (s *configSetter) setValues(flag string, values []uint16, dst *[]uint16) {
	if values == nil || s.changed[flag] {
		return
	}
	*dst = values
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings. Hexadecimal values
// with a 0x prefix are accepted.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.ParseInt(value, 0, 0)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = int(i)
	return nil
}

// setBoolFromString parses a string to bool and sets the destination.
// Accepts "true", "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}

// setValuesFromString parses a comma separated list of register values.
func (s *configSetter) setValuesFromString(flag, value string, dst *[]uint16) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	values, err := ParseValues(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = values
	return nil
}
