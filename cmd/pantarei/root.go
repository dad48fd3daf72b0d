package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/smartmob/pantarei/internal/backend"
	"github.com/smartmob/pantarei/internal/config"
)

// app carries what every command needs once flags are parsed.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	log    zerolog.Logger
	logOut io.Writer

	configFile string
	output     string
}

func newApp() *app {
	return &app{v: config.NewViper(), logOut: os.Stderr}
}

// client returns a REST client for the configured backend.
func (a *app) client() *backend.HTTPClient {
	return backend.NewClient(backend.ClientConfig{
		BaseURL:  a.cfg.APIBaseURL,
		Timeout:  a.cfg.HTTPTimeout,
		LinesTTL: a.cfg.LinesTTL,
		Logger:   a.log,
	})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "pantarei",
		Short:         "Real-time QC acquisitions monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "YAML configuration file")
	flags.String("api-url", "", "backend base URL, e.g. http://qc-server:5000 (env PANTAREI_API_BASE_URL)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: console or json")
	flags.StringVarP(&a.output, "output", "o", "json", "output format for listings: json or table")
	mustBind(a.v, "api.base_url", flags.Lookup("api-url"))
	mustBind(a.v, "log.level", flags.Lookup("log-level"))
	mustBind(a.v, "log.format", flags.Lookup("log-format"))

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return a.setup()
	}

	root.AddCommand(
		newWatchCommand(a),
		newCheckCommand(a),
		newLinesCommand(a),
		newStationsCommand(a),
		newAcquisitionsCommand(a),
		newAnalyzeCommand(a),
		newVersionCommand(),
	)
	return root
}

// setup reads the configuration file, validates the result and builds the
// logger.
func (a *app) setup() error {
	if err := config.ReadFile(a.v, a.configFile); err != nil {
		return err
	}
	cfg := config.Load(a.v)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if a.output != "json" && a.output != "table" {
		return fmt.Errorf("unknown output format %q", a.output)
	}
	a.cfg = cfg
	a.log = newLogger(cfg.LogLevel, cfg.LogFormat, a.logOut)
	return nil
}

// mustBind binds a flag to a configuration key. A nil flag is a programming
// error.
func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag for %s: %v", key, err))
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pantarei %s\n", Version)
		},
	}
}
