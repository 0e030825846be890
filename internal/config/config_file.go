package config

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
// Numbers and booleans are pointers so that an explicit zero overrides a
// default.
type FileConfig struct {
	ListenAddr        string `toml:"listen_addr"`
	IdleTimeout       string `toml:"idle_timeout"`
	FrameGrace        string `toml:"frame_grace"`
	ProcessingTimeout string `toml:"processing_timeout"`
	Registers         *int   `toml:"registers"`
	InitialValues     []int  `toml:"initial_values"`
	Increment         *bool  `toml:"increment"`
	Shared            *bool  `toml:"shared"`
	ServerAddr        string `toml:"server_addr"`
	UnitID            *int   `toml:"unit_id"`
	RequestTimeout    string `toml:"request_timeout"`
	BusyPolicy        string `toml:"busy_policy"`
	PollAddress       *int   `toml:"poll_address"`
	PollQuantity      *int   `toml:"poll_quantity"`
	PollInterval      string `toml:"poll_interval"`
	PollCount         *int   `toml:"poll_count"`
	LogLevel          string `toml:"log_level"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.mbapd/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".mbapd", "config.toml")
	}
	return ""
}

// Values converts the initial register values of this file
// configuration. It returns nil if the file does not set them.
func (fc FileConfig) Values() ([]uint16, error) {
	if fc.InitialValues == nil {
		return nil, nil
	}
	result := make([]uint16, len(fc.InitialValues))
	for i, v := range fc.InitialValues {
		if v < 0 || v > 0xFFFF {
			return nil, fmt.Errorf("initial value %d out of range", v)
		}
		result[i] = uint16(v)
	}
	return result, nil
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("listen", fc.ListenAddr, &cfg.ListenAddr)
	s.setString("server", fc.ServerAddr, &cfg.ServerAddr)
	s.setString("busy", fc.BusyPolicy, &cfg.BusyPolicy)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	if err := s.setDuration("idle-timeout", fc.IdleTimeout, &cfg.IdleTimeout); err != nil {
		return err
	}
	if err := s.setDuration("frame-grace", fc.FrameGrace, &cfg.FrameGrace); err != nil {
		return err
	}
	if err := s.setDuration("processing-timeout", fc.ProcessingTimeout, &cfg.ProcessingTimeout); err != nil {
		return err
	}
	if err := s.setDuration("timeout", fc.RequestTimeout, &cfg.RequestTimeout); err != nil {
		return err
	}
	if err := s.setDuration("interval", fc.PollInterval, &cfg.PollInterval); err != nil {
		return err
	}

	s.setInt("registers", fc.Registers, &cfg.Registers)
	s.setInt("unit", fc.UnitID, &cfg.UnitID)
	s.setInt("address", fc.PollAddress, &cfg.PollAddress)
	s.setInt("quantity", fc.PollQuantity, &cfg.PollQuantity)
	s.setInt("count", fc.PollCount, &cfg.PollCount)

	values, err := fc.Values()
	if err != nil {
		return err
	}
	s.setValues("values", values, &cfg.InitialValues)

	s.setBool("increment", fc.Increment, &cfg.Increment)
	s.setBool("shared", fc.Shared, &cfg.Shared)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
