// Package main runs a quic-room node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"ClawdCity-Room/internal/config"
	"ClawdCity-Room/internal/core/network"
	"ClawdCity-Room/internal/node"
)

var log = logging.Logger("quic-room")

var rootCmd = &cobra.Command{
	Use:   "quic-room",
	Short: "Join the room gossip channel over QUIC",
	Long: `quic-room starts a libp2p node that bridges a local typed topic bus to the
shared "quic-the-room" gossip channel. Without --bootstrap the node acts as a
bootstrap peer for others.`,
	SilenceUsage: true,
	RunE:         runNode,
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the peer id derived from --seed",
	RunE:  runID,
}

var (
	configPath string
	seed       string
	bootstrap  string
	port       int
	apiListen  string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&seed, "seed", "s", "", "derive the node identity from this seed")

	rootCmd.Flags().StringVarP(&bootstrap, "bootstrap", "b", "", "bootstrap peer multiaddr ending in /p2p/<id>")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "UDP port for the QUIC listener")
	rootCmd.Flags().StringVar(&apiListen, "api", "", "status API listen address")

	rootCmd.AddCommand(idCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("seed") {
		cfg.Network.Seed = seed
	}
	if flags.Changed("bootstrap") {
		cfg.Network.Bootstrap = bootstrap
	}
	if flags.Changed("port") {
		cfg.Network.Port = port
	}
	if flags.Changed("api") {
		cfg.API.Listen = apiListen
	}
	if err := setLogLevel(cfg.LogLevel); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n, err := node.New(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := n.Start(); err != nil {
		_ = n.Stop()
		return fmt.Errorf("failed to start node: %w", err)
	}

	log.Infof("Peer ID: %s", n.PeerID())
	for _, addr := range n.ListenAddrs() {
		log.Infof("Listening on: %s", addr)
	}

	<-ctx.Done()
	log.Info("Shutting down...")
	return n.Stop()
}

func runID(cmd *cobra.Command, args []string) error {
	if seed == "" {
		return fmt.Errorf("--seed is required")
	}
	id, err := network.PeerIDFromSeed(seed)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func setLogLevel(level string) error {
	if debug {
		level = "debug"
	}
	if level == "" {
		level = "info"
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logging.SetAllLoggers(lvl)
	return nil
}
