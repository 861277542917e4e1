package apicaller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelay_DeliversByKind(t *testing.T) {
	relay := NewRelay()
	listener := newRecordingListener()
	boom := errors.New("boom")

	require.NoError(t, relay.Post(Message{Kind: KindSucceeded, Listener: listener, Result: "ok"}))
	require.NoError(t, relay.Post(Message{Kind: KindFailed, Listener: listener, Err: boom}))
	require.NoError(t, relay.Post(Message{Kind: KindAuthFailed, Listener: listener}))

	assert.Equal(t, 3, relay.Drain())
	assert.Equal(t, []outcome{
		{kind: KindSucceeded, result: "ok"},
		{kind: KindFailed, err: boom},
		{kind: KindAuthFailed},
	}, listener.all())
}

func TestRelay_DropsMessagesWithoutListenerOrKnownKind(t *testing.T) {
	relay := NewRelay()
	listener := newRecordingListener()

	require.NoError(t, relay.Post(Message{Kind: KindSucceeded, Result: "orphan"}))
	require.NoError(t, relay.Post(Message{Kind: Kind(42), Listener: listener}))

	assert.Equal(t, 2, relay.Drain())
	assert.Empty(t, listener.all())
}

func TestRelay_RecoversFromListenerPanic(t *testing.T) {
	relay := NewRelay()
	listener := newRecordingListener()
	panicky := ListenerFuncs{Succeeded: func(string) { panic("listener bug") }}

	require.NoError(t, relay.Post(Message{Kind: KindSucceeded, Listener: panicky}))
	require.NoError(t, relay.Post(Message{Kind: KindSucceeded, Listener: listener, Result: "after"}))

	assert.NotPanics(t, func() { relay.Drain() })
	assert.Equal(t, []outcome{{kind: KindSucceeded, result: "after"}}, listener.all())
}

func TestRelay_PostAfterClose(t *testing.T) {
	relay := NewRelay()
	listener := newRecordingListener()

	require.NoError(t, relay.Post(Message{Kind: KindAuthFailed, Listener: listener}))
	relay.Close()
	relay.Close()

	assert.ErrorIs(t, relay.Post(Message{Kind: KindAuthFailed, Listener: listener}), ErrRelayClosed)
	assert.Equal(t, 1, relay.Pending())

	require.NoError(t, relay.Run(context.Background()), "run drains queued messages and returns once closed")
	assert.Len(t, listener.all(), 1)
}

func TestRelay_RunStopsOnContextDone(t *testing.T) {
	relay := NewRelay()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRelay_ConcurrentPostersExactlyOnceInOrder(t *testing.T) {
	const (
		producers = 8
		perWorker = 200
	)

	relay := NewRelay()

	var mu sync.Mutex
	received := map[int][]int{}
	total := 0
	all := make(chan struct{})

	listenerFor := func(producer int) Listener {
		return ListenerFuncs{Succeeded: func(result string) {
			var seq int
			_, _ = fmt.Sscan(result, &seq)
			mu.Lock()
			received[producer] = append(received[producer], seq)
			total++
			if total == producers*perWorker {
				close(all)
			}
			mu.Unlock()
		}}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = relay.Run(ctx) }()

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			listener := listenerFor(p)
			for i := range perWorker {
				assert.NoError(t, relay.Post(Message{Kind: KindSucceeded, Listener: listener, Result: fmt.Sprint(i)}))
			}
		}()
	}
	wg.Wait()

	select {
	case <-all:
	case <-ctx.Done():
		t.Fatal("not all messages delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, producers*perWorker, total)
	for p := range producers {
		require.Len(t, received[p], perWorker)
		for i, seq := range received[p] {
			assert.Equal(t, i, seq, "producer %d delivered out of order", p)
		}
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "succeeded", KindSucceeded.String())
	assert.Equal(t, "failed", KindFailed.String())
	assert.Equal(t, "auth_failed", KindAuthFailed.String())
	assert.Equal(t, "unknown", Kind(9).String())
}
