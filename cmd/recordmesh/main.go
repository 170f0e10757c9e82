package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"github.com/recordmesh/recordmesh/internal/config"
	"github.com/recordmesh/recordmesh/internal/console"
	"github.com/recordmesh/recordmesh/internal/eventloop"
	"github.com/recordmesh/recordmesh/internal/metrics"
	"github.com/recordmesh/recordmesh/internal/node"
	"github.com/recordmesh/recordmesh/internal/peers"
	"github.com/recordmesh/recordmesh/internal/protocol"
	"github.com/recordmesh/recordmesh/internal/records"
)

var log = logging.Logger("recordmesh")

var (
	configPath string
	debug      bool
	listenAddr string
	topic      string
	headless   bool
)

var rootCmd = &cobra.Command{
	Use:   "recordmesh",
	Short: "Peer-to-peer record sharing node",
	Long: `recordmesh keeps a small store of records and shares them with peers
on a libp2p pub/sub topic. Peers can ask everyone, or one peer, for their
records and push individual records to every connected peer.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setLogLevel("")
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the node with an interactive console",
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runInit,
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the peer ID of the configured identity",
	RunE:  runID,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "listen address (overrides config)")
	daemonCmd.Flags().StringVar(&topic, "topic", "", "record topic (overrides config)")
	daemonCmd.Flags().BoolVar(&headless, "no-console", false, "do not read commands from stdin")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(idCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setLogLevel applies level unless --debug was given. An empty or invalid
// level means info.
func setLogLevel(level string) {
	if debug {
		logging.SetAllLoggers(logging.LevelDebug)
		return
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil || level == "" {
		lvl = logging.LevelInfo
	}
	logging.SetAllLoggers(lvl)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Network.Listen = []string{listenAddr}
	}
	if topic != "" {
		cfg.Network.Topic = topic
	}
	setLogLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	codec, err := protocol.NewCodec(cfg.Protocol.Codec, cfg.Protocol.MaxMessageSize)
	if err != nil {
		return err
	}

	m := metrics.New()
	if cfg.Metrics.Enabled {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
				log.Warnf("Metrics server stopped: %v", err)
			}
		}()
	}

	book := openBook(cfg.Peers.BookPath)
	defer book.Close()

	n, err := node.New(ctx, cfg, book)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer n.Close()

	addrs := make([]string, 0, len(n.ListenAddrs()))
	for _, a := range n.ListenAddrs() {
		addrs = append(addrs, a.String())
	}

	printer := console.NewPrinter(os.Stdout)
	printer.Banner(n.SelfID(), n.TopicName(), addrs)

	// A nil channel never delivers, so a headless node runs until signalled.
	var commands chan eventloop.Command
	if !headless {
		commands = make(chan eventloop.Command)
		go func() {
			if err := console.ReadCommands(ctx, os.Stdin, commands, printer); err != nil {
				log.Warnf("Console input failed: %v", err)
			}
		}()
	}

	nc := &eventloop.NodeContext{
		Self:  n.SelfID(),
		Store: records.NewStore(),
		Codec: codec,
		Topic: n.TopicName(),
	}
	loop := eventloop.New(nc, n, commands, printer, eventloop.Options{
		OutboxSize: cfg.Loop.OutboxSize,
		Overflow:   cfg.Loop.Overflow,
		Metrics:    m,
		Limiter:    newRequestLimiter(cfg.Network.RateLimit),
	})

	n.Start()

	err = loop.Run(ctx)
	log.Info("Shutting down...")
	if errors.Is(err, eventloop.ErrTransportClosed) {
		return fmt.Errorf("network stopped unexpectedly: %w", err)
	}
	return err
}

// newRequestLimiter returns nil when no limit is configured.
func newRequestLimiter(rl config.RateLimitConfig) *protocol.PeerRateLimiter {
	limits := protocol.RateLimitConfig{
		MaxMessagesPerSecond: rl.PerSecond,
		MaxMessagesPerMinute: rl.PerMinute,
		Burst:                rl.Burst,
	}
	if !limits.Enabled() {
		return nil
	}
	return protocol.NewPeerRateLimiter(limits)
}

// openBook returns a persistent address book when path is set, falling back
// to memory if the database cannot be opened.
func openBook(path string) *peers.Book {
	if path == "" {
		return peers.NewBook(nil)
	}
	persistence, err := peers.NewSQLitePersistence(path)
	if err != nil {
		log.Warnf("Address book unavailable, keeping peers in memory: %v", err)
		return peers.NewBook(nil)
	}
	return peers.NewBook(persistence)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	if err := config.Save(path, config.Default()); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

func runID(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Identity.KeyPath == "" {
		return errors.New("no identity.key_path configured; the node uses a fresh identity on every start")
	}

	key, err := node.LoadOrCreateKey(cfg.Identity.KeyPath)
	if err != nil {
		return err
	}
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to derive peer ID: %w", err)
	}
	fmt.Println(id)
	return nil
}
