package config

import "os"

// ApplyEnvConfig applies configuration from environment variables (MBAP_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("listen", os.Getenv("MBAP_LISTEN_ADDR"), &cfg.ListenAddr)
	s.setString("server", os.Getenv("MBAP_SERVER_ADDR"), &cfg.ServerAddr)
	s.setString("busy", os.Getenv("MBAP_BUSY_POLICY"), &cfg.BusyPolicy)
	s.setString("log-level", os.Getenv("MBAP_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setDuration("idle-timeout", os.Getenv("MBAP_IDLE_TIMEOUT"), &cfg.IdleTimeout); err != nil {
		return err
	}
	if err := s.setDuration("frame-grace", os.Getenv("MBAP_FRAME_GRACE"), &cfg.FrameGrace); err != nil {
		return err
	}
	if err := s.setDuration("processing-timeout", os.Getenv("MBAP_PROCESSING_TIMEOUT"), &cfg.ProcessingTimeout); err != nil {
		return err
	}
	if err := s.setDuration("timeout", os.Getenv("MBAP_REQUEST_TIMEOUT"), &cfg.RequestTimeout); err != nil {
		return err
	}
	if err := s.setDuration("interval", os.Getenv("MBAP_POLL_INTERVAL"), &cfg.PollInterval); err != nil {
		return err
	}

	if err := s.setIntFromString("registers", os.Getenv("MBAP_REGISTERS"), &cfg.Registers); err != nil {
		return err
	}
	if err := s.setIntFromString("unit", os.Getenv("MBAP_UNIT_ID"), &cfg.UnitID); err != nil {
		return err
	}
	if err := s.setIntFromString("address", os.Getenv("MBAP_POLL_ADDRESS"), &cfg.PollAddress); err != nil {
		return err
	}
	if err := s.setIntFromString("quantity", os.Getenv("MBAP_POLL_QUANTITY"), &cfg.PollQuantity); err != nil {
		return err
	}
	if err := s.setIntFromString("count", os.Getenv("MBAP_POLL_COUNT"), &cfg.PollCount); err != nil {
		return err
	}
	if err := s.setValuesFromString("values", os.Getenv("MBAP_INITIAL_VALUES"), &cfg.InitialValues); err != nil {
		return err
	}

	s.setBoolFromString("increment", os.Getenv("MBAP_INCREMENT"), &cfg.Increment)
	s.setBoolFromString("shared", os.Getenv("MBAP_SHARED"), &cfg.Shared)

	return nil
}
