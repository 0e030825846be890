package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/TheCount/go-mbap/internal/config"
)

var exampleUsage = strings.TrimSpace(`
  mbapd serve --listen 127.0.0.1:1502 --values 12345,12346
  mbapd read --server 127.0.0.1:1502 --address 0 --quantity 2 --count 10
  mbapd serve --config $HOME/.mbapd/config.toml
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// valuesValue is a pflag.Value for comma separated register values.
type valuesValue struct {
	dst *[]uint16
}

func (v valuesValue) String() string {
	if v.dst == nil {
		return ""
	}
	parts := make([]string, len(*v.dst))
	for i, x := range *v.dst {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ",")
}

func (v valuesValue) Set(s string) error {
	values, err := config.ParseValues(s)
	if err != nil {
		return err
	}
	*v.dst = values
	return nil
}

func (valuesValue) Type() string {
	return "values"
}

// loadConfig applies the config file and the environment to cfg, leaving
// explicitly set flags alone, and validates the result.
func loadConfig(cmd *cobra.Command, cfg *config.Config, cfgPath string) error {
	cfgFile := cfgPath
	if cfgFile == "" {
		cfgFile = config.DefaultConfigPath()
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if cfgFile != "" && config.FileExists(cfgFile) {
		fc, err := config.LoadFileConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := config.ApplyFileConfig(cfg, fc, changed); err != nil {
			return err
		}
	}

	// Environment variables (MBAP_*) override the file but not flags.
	if err := config.ApplyEnvConfig(cfg, changed); err != nil {
		return err
	}

	return cfg.Validate()
}

// configFile returns the config file in effect, or "" if there is none.
func configFile(cfgPath string) string {
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	if cfgPath == "" || !config.FileExists(cfgPath) {
		return ""
	}
	return cfgPath
}

func main() {
	cfg := config.DefaultConfig()
	var cfgPath string

	root := &cobra.Command{
		Use:           "mbapd",
		Short:         "Modbus/TCP holding register server and polling client",
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.mbapd/config.toml)")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")

	root.AddCommand(newServeCommand(&cfg, &cfgPath))
	root.AddCommand(newReadCommand(&cfg, &cfgPath))

	if err := root.Execute(); err != nil {
		log := newLogger(cfg.Level())
		log.Error().Err(err).Msg("mbapd")
		os.Exit(1)
	}
}
