package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/subrelay/internal/crypto"
	"github.com/SWAI-Ltd/subrelay/internal/proto"
	"github.com/SWAI-Ltd/subrelay/internal/relay"
)

// TestRelayFollowsDirectory runs a directory and a publisher broker over
// websocket and checks that a relay finds the publisher, receives its
// payloads and lets go of it once it is withdrawn.
func TestRelayFollowsDirectory(t *testing.T) {
	dir := New(quietLogger())
	dirAddr := serve(t, dir)
	pub := New(quietLogger())
	pubAddr := serve(t, pub)

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	msgs := make(chan relay.Message, 64)
	r := relay.New(relay.Config{
		Logger:    quietLogger(),
		Keys:      keys,
		OnMessage: func(m relay.Message) { msgs <- m },
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Connect(ctx, dirAddr))

	// announced before the subscribe, so it arrives through the snapshot
	dir.Announce("sensors", pubAddr)
	require.NoError(t, r.Subscribe(ctx, "sensors"))

	var got relay.Message
	require.Eventually(t, func() bool {
		if _, err := pub.Publish("sensors", json.RawMessage(`{"n":1}`)); err != nil {
			return false
		}
		select {
		case got = <-msgs:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "sensors", got.Topic)
	assert.Equal(t, pubAddr, got.Source)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))

	sender, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	sealed, err := crypto.Seal([]byte("secret"), keys.Public, sender.Private)
	require.NoError(t, err)
	_, err = pub.Publish("sensors", &proto.PublishFrame{Sealed: sealed, SenderPublicKey: sender.Public[:]})
	require.NoError(t, err)
	assert.Equal(t, "secret", string(nextMessage(t, msgs).Payload))

	dir.Withdraw("sensors", pubAddr)
	require.Eventually(t, func() bool {
		peers, err := r.Peers(ctx)
		return err == nil && len(peers) == 1 && len(peers[0].Topics) == 0
	}, waitFor, 10*time.Millisecond)
}

func nextMessage(t *testing.T, ch <-chan relay.Message) relay.Message {
	t.Helper()
	for {
		select {
		case m := <-ch:
			// drain payloads left over from the first delivery check
			if string(m.Payload) == `{"n":1}` {
				continue
			}
			return m
		case <-time.After(waitFor):
			t.Fatal("no message relayed")
			return relay.Message{}
		}
	}
}
