package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotifyClosedNeverBlocks(t *testing.T) {
	ch := make(chan error, 1)
	notify := notifyClosed(ch)

	first := errors.New("first")
	done := make(chan struct{})
	go func() {
		defer close(done)
		notify(first)
		notify(errors.New("second"))
		notify(errors.New("third"))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("repeated directory closes blocked the caller")
	}
	assert.Equal(t, first, <-ch)
}
