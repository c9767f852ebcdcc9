// subrelay-check is a validation CLI: it follows a topic through the client
// SDK and confirms that every relayed payload is a JSON object.
// Usage: go run ./cmd/subrelay-check --directory ws://localhost:8080/ws --topic sensors/temp
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SWAI-Ltd/subrelay/client"
)

var rootCmd = &cobra.Command{
	Use:          "subrelay-check",
	Short:        "Validate payloads relayed for a topic",
	SilenceUsage: true,
	RunE:         run,
}

var (
	directory string
	topic     string
	count     int
)

func init() {
	rootCmd.Flags().StringVar(&directory, "directory", "ws://localhost:8080/ws", "directory address")
	rootCmd.Flags().StringVarP(&topic, "topic", "t", "sensors/temp", "topic to listen on")
	rootCmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many messages (0 runs until interrupted)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type tally struct{ ok, fail int }

func run(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.New(ctx, client.Config{
		Directory:        directory,
		DisableDiscovery: true,
		MessageBuffer:    32,
	})
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer c.Close()

	if err := c.Subscribe(ctx, topic); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	fmt.Printf("Listening on topic %q. Publish to validate.\n", topic)

	bySource := make(map[string]*tally)
	defer report(bySource)
	for seen := 0; count == 0 || seen < count; seen++ {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-c.Messages():
			if !ok {
				return errors.New("client closed")
			}
			t := bySource[m.Source]
			if t == nil {
				t = &tally{}
				bySource[m.Source] = t
			}
			now := time.Now().Format("15:04:05")
			if err := validatePayload(m.Payload); err != nil {
				t.fail++
				fmt.Printf("[%s] FAIL %s from %s: %v (payload: %q)\n", now, m.Topic, m.Source, err, m.Payload)
			} else {
				t.ok++
				fmt.Printf("[%s] OK   %s from %s -> %s\n", now, m.Topic, m.Source, m.Payload)
			}
		}
	}
	return nil
}

func validatePayload(payload []byte) error {
	var obj map[string]json.RawMessage
	return json.Unmarshal(payload, &obj)
}

func report(bySource map[string]*tally) {
	sources := make([]string, 0, len(bySource))
	for s := range bySource {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	fmt.Println()
	for _, s := range sources {
		fmt.Printf("%s: valid %d, invalid %d\n", s, bySource[s].ok, bySource[s].fail)
	}
}
