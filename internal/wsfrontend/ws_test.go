package wsfrontend

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionSinkBlocksUntilIDKnown(t *testing.T) {
	s := &session{send: make(chan json.RawMessage, 4), quit: make(chan struct{})}
	sink := &subscriptionSink{session: s, ready: make(chan struct{})}

	done := make(chan struct{})
	go func() {
		sink.Send(json.RawMessage(`{"foo":1}`))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Send must not deliver before an id is assigned")
	case <-time.After(20 * time.Millisecond):
	}

	sink.SetID("0xsub1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send should unblock once SetID is called")
	}

	select {
	case msg := <-s.send:
		var n notification
		require.NoError(t, json.Unmarshal(msg, &n))
		assert.Equal(t, "0xsub1", n.Params.Subscription)
	default:
		t.Fatal("expected a queued notification")
	}
}
