package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsprackett/tabsync/internal/applog"
	"github.com/zsprackett/tabsync/internal/config"
)

// settings holds defaults, TABSYNC_* env overrides, the config file and any
// flags bound by subcommands.
var settings = config.New()

var rootCmd = &cobra.Command{
	Use:   "tabsync",
	Short: "Cross-context idle coordination over a broadcast relay",
	Long: `tabsync keeps idle/active state consistent across independent contexts
that share nothing but a named broadcast channel. The relay subcommand runs the
channel fan-out server; join attaches one coordinator to a channel.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.tabsync/config.json)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	_ = settings.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = settings.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	path := settings.GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	if err := config.Read(settings, path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load config: %v\n", err)
	}
}

func loadConfig() (config.Config, error) {
	return config.Decode(settings)
}

// setupLogging initialises file logging, falling back to stderr when the log
// directory cannot be created. The returned closer is never nil.
func setupLogging(cfg config.Config, component string, stderr bool) (*slog.Logger, io.Closer) {
	logger, closer, err := applog.Init(applog.Options{
		Dir:       cfg.Logging.Dir,
		Component: component,
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		KeepDays:  cfg.Logging.MaxDays,
		Stderr:    stderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		logger = slog.New(applog.NewHandler(os.Stderr, cfg.Logging.Format, applog.ParseLevel(cfg.Logging.Level)))
		return logger, io.NopCloser(nil)
	}
	return logger, closer
}

// overrideString copies the named flag into dst when it was set. Used for
// flags shared by several subcommands, which cannot all be bound to one key.
func overrideString(cmd *cobra.Command, name string, dst *string) {
	if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
		*dst = f.Value.String()
	}
}
