// directory runs the broker relays subscribe to: publishers announce
// themselves per topic and subscribers get joined/left events.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SWAI-Ltd/subrelay/internal/broker"
	"github.com/SWAI-Ltd/subrelay/internal/config"
)

var rootCmd = &cobra.Command{
	Use:          "directory",
	Short:        "Run a directory broker",
	Long:         `directory serves the sources, announce and withdraw procedures and topic fan-out over QUIC and websocket.`,
	SilenceUsage: true,
	RunE:         run,
}

var (
	configPath string
	debug      bool
	quicAddr   string
	httpAddr   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.Flags().StringVar(&quicAddr, "quic", "", "QUIC listen address (empty string disables)")
	rootCmd.Flags().StringVar(&httpAddr, "http", "", "websocket listen address (empty string disables)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("quic") {
		cfg.Broker.QUICAddr = quicAddr
	}
	if cmd.Flags().Changed("http") {
		cfg.Broker.HTTPAddr = httpAddr
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	log, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := broker.New(log)
	err = b.Serve(ctx, broker.Listeners{
		QUICAddr: cfg.Broker.QUICAddr,
		HTTPAddr: cfg.Broker.HTTPAddr,
		WSPath:   cfg.Broker.WSPath,
	})
	log.Info("directory shutting down")
	return err
}
