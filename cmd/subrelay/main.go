// subrelay connects to a directory, follows the publishers it announces for
// the configured topics and logs every payload they publish.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/SWAI-Ltd/subrelay/internal/config"
	"github.com/SWAI-Ltd/subrelay/internal/crypto"
	"github.com/SWAI-Ltd/subrelay/internal/discovery"
	"github.com/SWAI-Ltd/subrelay/internal/proto"
	"github.com/SWAI-Ltd/subrelay/internal/relay"
)

var rootCmd = &cobra.Command{
	Use:   "subrelay",
	Short: "Follow publishers announced on a directory",
	Long: `subrelay subscribes to topics on a directory broker. For every publisher the
directory reports as joined it opens a connection, subscribes the topic there and
logs the payloads it receives; publishers that leave are unsubscribed.`,
	SilenceUsage: true,
	RunE:         run,
}

var (
	configPath  string
	debug       bool
	directory   string
	topics      []string
	metricsAddr string
	keyFile     string
	idlePolicy  string
	mdns        bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.Flags().StringVar(&directory, "directory", "", "directory address (ws://, wss:// or quic://)")
	rootCmd.Flags().StringSliceVarP(&topics, "topic", "t", nil, "topic to follow (repeatable)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	rootCmd.Flags().StringVar(&keyFile, "key-file", "", "hex private key file for sealed payloads")
	rootCmd.Flags().StringVar(&idlePolicy, "idle-policy", "", "keep-alive or close")
	rootCmd.Flags().BoolVar(&mdns, "mdns", false, "also discover publishers on the local network")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("directory") {
		cfg.Relay.Directory = directory
	}
	if flags.Changed("topic") {
		cfg.Relay.Topics = topics
	}
	if flags.Changed("metrics-addr") {
		cfg.Relay.MetricsAddr = metricsAddr
	}
	if flags.Changed("key-file") {
		cfg.Relay.KeyFile = keyFile
	}
	if flags.Changed("idle-policy") {
		cfg.Relay.IdlePolicy = idlePolicy
	}
	if flags.Changed("mdns") {
		cfg.Relay.MDNS = mdns
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	policy, err := cfg.Relay.Policy()
	if err != nil {
		return err
	}

	var keys *crypto.KeyPair
	if cfg.Relay.KeyFile != "" {
		if keys, err = crypto.LoadKeyPair(cfg.Relay.KeyFile); err != nil {
			return err
		}
	} else if keys, err = crypto.GenerateKeyPair(); err != nil {
		return err
	}
	fmt.Println("PublicKey:", keys)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Relay.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Relay.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
		log.Info("serving metrics", "addr", cfg.Relay.MetricsAddr)
	}

	dirClosed := make(chan error, 1)
	r := relay.New(relay.Config{
		ConnectTimeout:      cfg.Relay.ConnectTimeout,
		IdlePolicy:          policy,
		UnwindOnUnsubscribe: cfg.Relay.UnwindOnUnsubscribe,
		Keys:                keys,
		Logger:              log,
		Metrics:             relay.NewMetrics(reg),
		OnMessage: func(m relay.Message) {
			log.Info("message received", "topic", m.Topic, "source", m.Source, "payload", string(m.Payload))
		},
		OnDirectoryClosed: notifyClosed(dirClosed),
	})
	defer r.Close()

	if err := r.Connect(ctx, cfg.Relay.Directory); err != nil {
		return err
	}
	for _, t := range cfg.Relay.Topics {
		if err := r.Subscribe(ctx, t); err != nil {
			return err
		}
	}
	if cfg.Relay.MDNS {
		d, err := discovery.Browse(log, func(topic string, ev proto.Lifecycle) {
			r.Inject(topic, ev)
		})
		if err != nil {
			log.Warn("mDNS discovery unavailable", "err", err)
		} else {
			defer d.Close()
		}
	}

	select {
	case <-ctx.Done():
		log.Info("subrelay shutting down")
		return nil
	case err := <-dirClosed:
		return fmt.Errorf("directory connection closed: %w", err)
	}
}

// notifyClosed forwards the first directory close to ch. It runs on the relay
// event loop, so later closes are dropped rather than blocking it.
func notifyClosed(ch chan<- error) func(error) {
	return func(err error) {
		select {
		case ch <- err:
		default:
		}
	}
}
