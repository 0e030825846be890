package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/TheCount/go-mbap/internal/config"
	"github.com/TheCount/go-mbap/modbus"
)

func newReadCommand(cfg *config.Config, cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Poll holding registers of a Modbus/TCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg, *cfgPath); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return poll(ctx, cfg, newLogger(cfg.Level()))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ServerAddr, "server", cfg.ServerAddr, "server address")
	flags.IntVar(&cfg.UnitID, "unit", cfg.UnitID, "unit identifier")
	flags.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "request timeout")
	flags.StringVar(&cfg.BusyPolicy, "busy", cfg.BusyPolicy, "busy policy (queue, fail)")
	flags.IntVar(&cfg.PollAddress, "address", cfg.PollAddress, "first register address")
	flags.IntVar(&cfg.PollQuantity, "quantity", cfg.PollQuantity, "number of registers")
	flags.DurationVar(&cfg.PollInterval, "interval", cfg.PollInterval, "time between reads")
	flags.IntVar(&cfg.PollCount, "count", cfg.PollCount, "number of reads (0 means until interrupted)")

	return cmd
}

// poll reads the configured registers until the poll count is reached or ctx
// is done. Timeouts and exception responses are logged and polling goes on.
func poll(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	policy, err := modbus.ParseBusyPolicy(cfg.BusyPolicy)
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	c, err := modbus.DialTCP(dialCtx, cfg.ServerAddr,
		modbus.WithUnitID(modbus.UnitID(cfg.UnitID)),
		modbus.WithRequestTimeout(cfg.RequestTimeout),
		modbus.WithBusyPolicy(policy),
		modbus.WithClientLogger(log),
	)
	if err != nil {
		return err
	}
	defer c.Close()
	log.Info().Str("server", cfg.ServerAddr).Msg("connected")

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	address, quantity := uint16(cfg.PollAddress), uint16(cfg.PollQuantity)
	for i := 0; cfg.PollCount == 0 || i < cfg.PollCount; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		values, err := c.ReadHoldingRegisters(ctx, address, quantity)
		var exc modbus.ExceptionResponse
		switch {
		case err == nil:
			log.Info().Uint16("address", address).Uints16("values", values).Msg("read holding registers")
		case errors.Is(err, modbus.ErrRequestTimedOut), errors.As(err, &exc):
			log.Warn().Err(err).Uint16("address", address).Msg("read holding registers")
		case ctx.Err() != nil:
			return nil
		default:
			return err
		}
	}
	return nil
}
