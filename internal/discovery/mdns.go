// Package discovery finds publishers on the local network over mDNS and
// reports them as lifecycle events, next to the ones a directory sends.
package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/betamos/zeroconf"

	"github.com/SWAI-Ltd/subrelay/internal/proto"
)

const (
	ServiceType = "_subrelay._udp"

	txtTopic = "topic="
	txtURI   = "uri="
)

// Source describes a publisher found on the local network.
type Source struct {
	Name   string
	URI    string
	Topics []string
}

// Discovery browses or advertises publishers.
type Discovery struct {
	client *zeroconf.Client
}

// Browse reports every advertised (topic, publisher) pair through onEvent:
// a joined event when the service appears and left when it goes away.
func Browse(logger *slog.Logger, onEvent func(topic string, ev proto.Lifecycle)) (*Discovery, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "discovery")
	client, err := zeroconf.New().
		Browse(func(e zeroconf.Event) {
			handleEvent(log, e, onEvent)
		}, zeroconf.NewType(ServiceType)).
		Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Discovery{client: client}, nil
}

// Advertise publishes this node as a source of topics. uri is the address
// relays should dial; when empty they build quic://host:port from the
// advertised addresses.
func Advertise(name string, port int, topics []string, uri string) (*Discovery, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	svc := zeroconf.NewService(zeroconf.NewType(ServiceType), name, uint16(port))
	svc.Text = encodeText(topics, uri)
	client, err := zeroconf.New().Publish(svc).Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Discovery{client: client}, nil
}

func handleEvent(log *slog.Logger, e zeroconf.Event, onEvent func(string, proto.Lifecycle)) {
	src, ok := sourceOf(e.Name, e.Port, e.Addrs, e.Text)
	if !ok {
		log.Debug("ignoring service without topics or address", "name", e.Name)
		return
	}
	var mk func(string) proto.Lifecycle
	switch e.Op {
	case zeroconf.OpAdded:
		mk = proto.Joined
	case zeroconf.OpRemoved:
		mk = proto.Left
	default:
		return
	}
	log.Info("local publisher", "op", e.Op, "name", src.Name, "uri", src.URI, "topics", src.Topics)
	if onEvent == nil {
		return
	}
	for _, t := range src.Topics {
		onEvent(t, mk(src.URI))
	}
}

func encodeText(topics []string, uri string) []string {
	txt := make([]string, 0, len(topics)+1)
	if uri != "" {
		txt = append(txt, txtURI+uri)
	}
	for _, t := range topics {
		txt = append(txt, txtTopic+t)
	}
	return txt
}

// sourceOf builds a Source from a resolved service. IPv4 addresses are
// preferred when no uri is advertised.
func sourceOf(name string, port uint16, addrs []netip.Addr, text []string) (Source, bool) {
	src := Source{Name: name}
	for _, kv := range text {
		switch {
		case strings.HasPrefix(kv, txtTopic):
			if t := strings.TrimPrefix(kv, txtTopic); t != "" {
				src.Topics = append(src.Topics, t)
			}
		case strings.HasPrefix(kv, txtURI):
			src.URI = strings.TrimPrefix(kv, txtURI)
		}
	}
	if src.URI == "" {
		var pick netip.Addr
		for _, a := range addrs {
			if !a.IsValid() {
				continue
			}
			if !pick.IsValid() || (a.Is4() && !pick.Is4()) {
				pick = a
			}
		}
		if pick.IsValid() && port != 0 {
			src.URI = "quic://" + net.JoinHostPort(pick.String(), strconv.Itoa(int(port)))
		}
	}
	return src, src.URI != "" && len(src.Topics) > 0
}

// Close stops browsing or advertising.
func (d *Discovery) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// ParseAddr splits "host:port" into its parts.
func ParseAddr(s string) (host string, port int, err error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
