package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zsprackett/tabsync/internal/db"
	"github.com/zsprackett/tabsync/internal/pruner"
	"github.com/zsprackett/tabsync/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the channel relay server",
	Long: `Serve websocket channels at /channels/{name}. Every frame a peer sends is
forwarded to the other peers on the same channel. Presence changes are
journalled to SQLite and streamed on /events.`,
	Args: cobra.NoArgs,
	RunE: runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)

	relayCmd.Flags().String("host", "", "listen host")
	relayCmd.Flags().Int("port", 0, "listen port")
	relayCmd.Flags().String("journal", "", "presence journal path")
	relayCmd.Flags().Bool("no-journal", false, "disable the presence journal")
	_ = settings.BindPFlag("relay.host", relayCmd.Flags().Lookup("host"))
	_ = settings.BindPFlag("relay.port", relayCmd.Flags().Lookup("port"))
	_ = settings.BindPFlag("relay.journal_path", relayCmd.Flags().Lookup("journal"))
}

func openJournal(path string) (*db.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	store, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser := setupLogging(cfg, "relay", true)
	defer logCloser.Close()

	var store *db.DB
	if noJournal, _ := cmd.Flags().GetBool("no-journal"); !noJournal {
		store, err = openJournal(cfg.Relay.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()

	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relay.New(store, relay.Config{
		Host:       cfg.Relay.Host,
		Port:       cfg.Relay.Port,
		SendBuffer: cfg.Relay.SendBuffer,
	}, logger)

	if store != nil {
		p := pruner.New(store, cfg.Relay.JournalRetention, srv, logger)
		p.Start()
		defer p.Stop()
	}
	return srv.ListenAndServe(ctx)
}
