// publisher runs a broker, announces it on a directory for one topic and
// publishes a sample payload on an interval.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SWAI-Ltd/subrelay/internal/broker"
	"github.com/SWAI-Ltd/subrelay/internal/config"
	"github.com/SWAI-Ltd/subrelay/internal/crypto"
	"github.com/SWAI-Ltd/subrelay/internal/discovery"
	"github.com/SWAI-Ltd/subrelay/internal/proto"
	"github.com/SWAI-Ltd/subrelay/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:          "publisher",
	Short:        "Announce on a directory and publish samples",
	SilenceUsage: true,
	RunE:         run,
}

var (
	configPath   string
	debug        bool
	name         string
	directory    string
	topic        string
	announce     string
	quicAddr     string
	httpAddr     string
	interval     time.Duration
	recipientKey string
	mdns         bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	f := rootCmd.Flags()
	f.StringVar(&name, "name", "", "publisher name")
	f.StringVar(&directory, "directory", "", "directory address")
	f.StringVarP(&topic, "topic", "t", "", "topic to publish on")
	f.StringVar(&announce, "announce", "", "address relays should dial (derived from listeners when empty)")
	f.StringVar(&quicAddr, "quic", "", "QUIC listen address")
	f.StringVar(&httpAddr, "http", "", "websocket listen address")
	f.DurationVar(&interval, "interval", 0, "publish interval")
	f.StringVar(&recipientKey, "recipient-key", "", "seal payloads for this public key (hex)")
	f.BoolVar(&mdns, "mdns", false, "advertise on the local network")
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
	p := &cfg.Publisher
	if flags.Changed("name") {
		p.Name = name
	}
	if flags.Changed("directory") {
		p.Directory = directory
	}
	if flags.Changed("topic") {
		p.Topic = topic
	}
	if flags.Changed("announce") {
		p.Announce = announce
	}
	if flags.Changed("interval") {
		p.Interval = interval
	}
	if flags.Changed("recipient-key") {
		p.RecipientKey = recipientKey
	}
	if flags.Changed("mdns") {
		p.MDNS = mdns
	}
	if flags.Changed("quic") {
		cfg.Broker.QUICAddr = quicAddr
	}
	if flags.Changed("http") {
		cfg.Broker.HTTPAddr = httpAddr
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// announceURI picks the address relays dial: websocket when served, else QUIC.
func announceURI(cfg *config.Config, quicBound, httpBound string) string {
	if cfg.Publisher.Announce != "" {
		return cfg.Publisher.Announce
	}
	if httpBound != "" {
		path := cfg.Broker.WSPath
		if path == "" {
			path = broker.DefaultWSPath
		}
		return "ws://" + dialable(httpBound) + path
	}
	return "quic://" + dialable(quicBound)
}

// dialable replaces an unspecified listen host with localhost.
func dialable(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
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
	pc := cfg.Publisher

	var recipient *[crypto.PublicKeySize]byte
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	if pc.RecipientKey != "" {
		if recipient, err = crypto.ParsePublicKey(pc.RecipientKey); err != nil {
			return fmt.Errorf("invalid recipient-key: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := broker.New(log)
	type bound struct{ quic, http string }
	ready := make(chan bound, 1)
	served := make(chan error, 1)
	go func() {
		served <- b.Serve(ctx, broker.Listeners{
			QUICAddr: cfg.Broker.QUICAddr,
			HTTPAddr: cfg.Broker.HTTPAddr,
			WSPath:   cfg.Broker.WSPath,
			Ready:    func(q, h string) { ready <- bound{q, h} },
		})
	}()
	var addrs bound
	select {
	case addrs = <-ready:
	case err := <-served:
		return err
	}
	uri := announceURI(cfg, addrs.quic, addrs.http)

	dctx, cancel := context.WithTimeout(ctx, cfg.Relay.ConnectTimeout)
	dir, err := transport.NewDialer(transport.Options{}).Dial(dctx, pc.Directory)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to directory %s: %w", pc.Directory, err)
	}
	defer dir.Close()
	if _, err := dir.Call(ctx, proto.ProcAnnounce, pc.Topic, uri); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	log.Info("announced", "topic", pc.Topic, "uri", uri, "directory", pc.Directory)

	if pc.MDNS && addrs.quic != "" {
		_, port, err := discovery.ParseAddr(addrs.quic)
		if err == nil {
			var d *discovery.Discovery
			if d, err = discovery.Advertise(pc.Name, port, []string{pc.Topic}, uri); err == nil {
				defer d.Close()
			}
		}
		if err != nil {
			log.Warn("mDNS advertisement unavailable", "err", err)
		}
	}

	ticker := time.NewTicker(pc.Interval)
	defer ticker.Stop()
	for seq := 1; ; seq++ {
		select {
		case <-ctx.Done():
			wctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if _, err := dir.Call(wctx, proto.ProcWithdraw, pc.Topic, uri); err != nil {
				log.Warn("withdraw failed", "err", err)
			}
			cancel()
			log.Info("publisher shutting down")
			return <-served
		case <-dir.Done():
			return fmt.Errorf("directory connection closed: %w", dir.Err())
		case <-ticker.C:
			n, err := publish(b, keys, recipient, pc.Topic, pc.Name, seq)
			if err != nil {
				log.Error("publish failed", "err", err)
				continue
			}
			log.Debug("published", "topic", pc.Topic, "seq", seq, "subscribers", n)
		}
	}
}

func publish(b *broker.Broker, keys *crypto.KeyPair, recipient *[crypto.PublicKeySize]byte, topic, name string, seq int) (int, error) {
	payload, err := json.Marshal(map[string]any{
		"publisher": name,
		"seq":       seq,
		"ts":        time.Now().UnixMilli(),
	})
	if err != nil {
		return 0, err
	}
	if recipient == nil {
		return b.Publish(topic, json.RawMessage(payload))
	}
	sealed, err := crypto.Seal(payload, recipient, keys.Private)
	if err != nil {
		return 0, err
	}
	return b.Publish(topic, &proto.PublishFrame{Sealed: sealed, SenderPublicKey: keys.Public[:]})
}
