package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zsprackett/tabsync/internal/channel"
	"github.com/zsprackett/tabsync/internal/config"
	"github.com/zsprackett/tabsync/internal/coordinator"
	"github.com/zsprackett/tabsync/internal/election"
	"github.com/zsprackett/tabsync/internal/notify"
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Attach a coordinator to a relay channel",
	Long: `Join a channel on the relay as one context and drive it from stdin.

Commands, one per line:
  active | idle | prompt            report this context's state
  start | reset | activate          rearm the idle timers of the other contexts
  pause | resume                    pause or resume the other contexts' timers
  message <text>                    send text to every other context
  last-active                       record this context as the most recent
  state                             print the registry
  leader                            print leadership
  quit                              deregister and exit`,
	Args: cobra.NoArgs,
	RunE: runJoin,
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().String("channel", "", "channel name")
	joinCmd.Flags().String("relay", "", "relay URL, e.g. ws://127.0.0.1:8090")
	joinCmd.Flags().Bool("leader", false, "take part in leader election")
	joinCmd.Flags().String("token", "", "context token (default: random UUID)")
	_ = settings.BindPFlag("client.channel", joinCmd.Flags().Lookup("channel"))
	_ = settings.BindPFlag("client.leader_election", joinCmd.Flags().Lookup("leader"))
}

var errRelayLost = errors.New("relay connection lost")

// lockedWriter serialises writes from callbacks and the command loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func printingCallbacks(out io.Writer, logger *slog.Logger) coordinator.Callbacks {
	hook := func(name string) func(bool) {
		return func(remote bool) {
			logger.Info("join: lifecycle command", "command", name, "remote", remote)
			fmt.Fprintf(out, "%s requested by another context\n", name)
		}
	}
	return coordinator.Callbacks{
		OnPrompt: func() { fmt.Fprintln(out, "every context is prompted") },
		OnIdle:   func() { fmt.Fprintln(out, "every context is idle") },
		OnActive: func() { fmt.Fprintln(out, "a context is active") },
		OnMessage: func(data json.RawMessage) {
			var text string
			if err := json.Unmarshal(data, &text); err != nil {
				text = string(data)
			}
			fmt.Fprintf(out, "message: %s\n", text)
		},
		Start:    hook("start"),
		Reset:    hook("reset"),
		Activate: hook("activate"),
		Pause:    hook("pause"),
		Resume:   hook("resume"),
	}
}

// promptGate lets one all-prompted notification through per prompted spell.
// Activity or an all-idle transition ends the spell.
type promptGate struct {
	mu   sync.Mutex
	sent bool
}

func (g *promptGate) open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sent {
		return false
	}
	g.sent = true
	return true
}

func (g *promptGate) rearm() {
	g.mu.Lock()
	g.sent = false
	g.mu.Unlock()
}

// withNotifications forwards the all-idle and all-prompted signals to n.
// OnPrompt repeats while every context stays prompted, so only the first
// one of a spell is sent. Delivery runs on its own goroutine.
func withNotifications(cb coordinator.Callbacks, n *notify.Notifier, channelName, token string) coordinator.Callbacks {
	if n == nil || !n.Enabled() {
		return cb
	}
	send := func(kind notify.Kind) {
		go n.Notify(notify.Event{Channel: channelName, Token: token, Kind: kind})
	}
	gate := &promptGate{}

	onIdle, onPrompt, onActive := cb.OnIdle, cb.OnPrompt, cb.OnActive
	cb.OnIdle = func() {
		if onIdle != nil {
			onIdle()
		}
		gate.rearm()
		send(notify.KindIdle)
	}
	cb.OnPrompt = func() {
		if onPrompt != nil {
			onPrompt()
		}
		if gate.open() {
			send(notify.KindPrompted)
		}
	}
	cb.OnActive = func() {
		if onActive != nil {
			onActive()
		}
		gate.rearm()
	}
	return cb
}

func electorFactory(cfg config.ElectionConfig, logger *slog.Logger) coordinator.ElectorFactory {
	return func(t channel.Transport, token string) coordinator.Elector {
		return election.New(t, token,
			election.WithResponseTime(cfg.ResponseTime),
			election.WithFallbackInterval(cfg.FallbackInterval),
			election.WithLogger(logger))
	}
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	overrideString(cmd, "relay", &cfg.Client.RelayURL)
	logger, logCloser := setupLogging(cfg, "join", false)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &lockedWriter{w: cmd.OutOrStdout()}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = uuid.NewString()
	}
	opts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithTokenSource(func() string { return token }),
		coordinator.WithLeaderElection(cfg.Client.LeaderElection),
		coordinator.WithElectorFactory(electorFactory(cfg.Election, logger)),
	}

	notifier := notify.New(notify.Config{Webhook: cfg.Client.NotifyWebhook, NtfyURL: cfg.Client.NotifyNtfy}, logger)
	callbacks := withNotifications(printingCallbacks(out, logger), notifier, cfg.Client.Channel, token)

	if cfg.Client.Channel == "" {
		return errors.New("channel name is required")
	}
	dialer := &channel.Dialer{RelayURL: cfg.Client.RelayURL, Logger: logger}
	t, err := dialer.Open(ctx, cfg.Client.Channel)
	if err != nil {
		return fmt.Errorf("open channel %q: %w", cfg.Client.Channel, err)
	}
	c, err := coordinator.New(t, callbacks, opts...)
	if err != nil {
		t.Close()
		return err
	}
	defer c.Close()

	fmt.Fprintf(out, "joined %s as %s\n", cfg.Client.Channel, c.Token())
	return driveCoordinator(ctx, c, cmd.InOrStdin(), out, transportDone(t))
}

// transportDone returns the channel closed when t loses its connection, or
// nil for transports that cannot.
func transportDone(t channel.Transport) <-chan struct{} {
	if d, ok := t.(interface{ Done() <-chan struct{} }); ok {
		return d.Done()
	}
	return nil
}

// driveCoordinator applies commands read from in until quit, EOF or ctx is
// done. It returns errRelayLost once lost is closed.
func driveCoordinator(ctx context.Context, c *coordinator.Coordinator, in io.Reader, out io.Writer, lost <-chan struct{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return errRelayLost
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			quit, err := execLine(c, line, out)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// execLine runs one command against c.
func execLine(c *coordinator.Coordinator, line string, out io.Writer) (quit bool, err error) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch verb {
	case "":
	case "active":
		c.Active()
	case "idle":
		c.Idle()
	case "prompt":
		c.Prompt()
	case "start":
		c.Start()
	case "reset":
		c.Reset()
	case "activate":
		c.Activate()
	case "pause":
		c.Pause()
	case "resume":
		c.Resume()
	case "message":
		return false, c.Message(strings.TrimSpace(rest))
	case "last-active":
		c.MarkLastActive(time.Now().UnixMilli())
	case "state":
		printState(c, out)
	case "leader":
		leader, err := c.IsLeader()
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "leader: %t\n", leader)
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", verb)
	}
	return false, nil
}

func printState(c *coordinator.Coordinator, out io.Writer) {
	registry := c.Registry()
	tokens := make([]string, 0, len(registry))
	for token := range registry {
		tokens = append(tokens, token)
	}
	slices.Sort(tokens)

	for _, token := range tokens {
		marker := " "
		if token == c.Token() {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s %s\n", marker, token, registry[token])
	}
	fmt.Fprintf(out, "all idle: %t, last active: %t\n", c.AllIdle(), c.IsLastActiveTab())
}
