package main

import (
	"context"
	"errors"
	"syscall"

	"github.com/oklog/run"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/TheCount/go-mbap/internal/config"
	"github.com/TheCount/go-mbap/modbus"
)

func newServeCommand(cfg *config.Config, cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve holding registers over Modbus/TCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg, *cfgPath); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, configFile(*cfgPath), newLogger(cfg.Level()))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to listen on")
	flags.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close connections without requests after this time")
	flags.DurationVar(&cfg.FrameGrace, "frame-grace", cfg.FrameGrace, "time the rest of a frame may take after its first byte")
	flags.DurationVar(&cfg.ProcessingTimeout, "processing-timeout", cfg.ProcessingTimeout, "answer server device busy after this time")
	flags.IntVar(&cfg.Registers, "registers", cfg.Registers, "number of holding registers, starting at address 0")
	flags.Var(valuesValue{dst: &cfg.InitialValues}, "values", "comma separated initial register values")
	flags.BoolVar(&cfg.Increment, "increment", cfg.Increment, "increment all registers on every request")
	flags.BoolVar(&cfg.Shared, "shared", cfg.Shared, "share one register store between all connections")

	return cmd
}

// newStore creates a register store as configured.
func newStore(cfg *config.Config) (*modbus.Store, error) {
	return modbus.NewStore(modbus.RegisterRange{
		Len:    cfg.Registers,
		Values: cfg.InitialValues,
	})
}

// serverOptions returns the server options for cfg. shared is the store
// shared by all sessions if cfg.Shared is set.
func serverOptions(cfg *config.Config, shared *modbus.Store, log zerolog.Logger) []modbus.ServerOption {
	opts := []modbus.ServerOption{
		modbus.WithIdleTimeout(cfg.IdleTimeout),
		modbus.WithFrameGrace(cfg.FrameGrace),
		modbus.WithProcessingTimeout(cfg.ProcessingTimeout),
		modbus.WithLogger(log),
	}
	if cfg.Shared {
		opts = append(opts, modbus.WithSharedStore(shared))
	} else {
		opts = append(opts, modbus.WithStoreFactory(func() (*modbus.Store, error) {
			return newStore(cfg)
		}))
	}
	if cfg.Increment {
		opts = append(opts, modbus.WithOperate(modbus.Incrementing(modbus.StoreOperate)))
	}
	return opts
}

// reseed writes the initial values of a changed config file into store.
func reseed(store *modbus.Store, fc config.FileConfig, log zerolog.Logger) {
	values, err := fc.Values()
	if err != nil {
		log.Warn().Err(err).Msg("ignoring initial values")
		return
	}
	if len(values) == 0 {
		return
	}
	if err := store.Write(0, values); err != nil {
		log.Warn().Err(err).Msg("reseed registers")
		return
	}
	log.Info().Uints16("values", values).Msg("registers reseeded")
}

// serve runs the server until a signal arrives. If cfgFile is not empty and
// the store is shared, changes to the initial values in cfgFile are written
// to the store.
func serve(ctx context.Context, cfg *config.Config, cfgFile string, log zerolog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	srv, err := modbus.NewServer(serverOptions(cfg, store, log)...)
	if err != nil {
		return err
	}
	l, err := modbus.ListenTCP(srv,
		modbus.WithListenAddress(cfg.ListenAddr),
		modbus.WithInsecure(),
	)
	if err != nil {
		return err
	}

	var g run.Group

	stop := make(chan struct{})
	g.Add(func() error {
		<-stop
		return nil
	}, func(error) {
		close(stop)
		if err := l.Close(); err != nil {
			log.Warn().Err(err).Msg("close listener")
		}
	})

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	if cfgFile != "" && cfg.Shared {
		watchCtx, cancel := context.WithCancel(ctx)
		w := config.NewWatcher(cfgFile, log, func(fc config.FileConfig) {
			reseed(store, fc, log)
		})
		g.Add(func() error {
			return w.Run(watchCtx)
		}, func(error) {
			cancel()
		})
	}

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		log.Info().Stringer("signal", sigErr.Signal).Msg("shutting down")
		return nil
	}
	return err
}
