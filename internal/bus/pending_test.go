// File: internal/bus/pending_test.go
package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/agentbus/internal/protocol"
)

func TestPendingResolveDeliversOnce(t *testing.T) {
	p := NewPendingTable()
	ch := p.Add("req-1", time.Minute)

	require.True(t, p.Resolve("req-1", protocol.Envelope{ID: "resp-1", ReplyTo: "req-1"}))

	reply, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "resp-1", reply.ID)

	// Channel is closed after the single delivery.
	_, ok = <-ch
	assert.False(t, ok)

	// A duplicate response finds nothing pending.
	assert.False(t, p.Resolve("req-1", protocol.Envelope{ID: "resp-1-dup"}))
	assert.Equal(t, 0, p.Len())
}

func TestPendingTimeoutClosesEmpty(t *testing.T) {
	p := NewPendingTable()
	ch := p.Add("req-1", 10*time.Millisecond)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "timeout must close the channel without a value")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	assert.Equal(t, 0, p.Len())
	assert.False(t, p.Resolve("req-1", protocol.Envelope{}))
}

func TestPendingResolveUnknownID(t *testing.T) {
	p := NewPendingTable()
	assert.False(t, p.Resolve("never-added", protocol.Envelope{}))
}

// A response racing the timeout must produce exactly one outcome per
// request: either one delivered envelope or a bare close, never both.
func TestPendingResolveTimeoutRace(t *testing.T) {
	p := NewPendingTable()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("req-%d", i)
		ch := p.Add(id, time.Millisecond)

		wg.Add(2)
		go func() {
			defer wg.Done()
			p.Resolve(id, protocol.Envelope{ID: id})
		}()
		go func() {
			defer wg.Done()
			delivered := 0
			for range ch {
				delivered++
			}
			assert.LessOrEqual(t, delivered, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, p.Len())
}

// A response may race the registration itself: the instant the entry is
// visible in the table it must be fully armed, so resolving it can never
// trip over a half-built request.
func TestPendingResolveRacesAdd(t *testing.T) {
	p := NewPendingTable()

	const n = 100
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("req-%d", i)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for !p.Resolve(id, protocol.Envelope{ID: id}) {
			}
		}()

		ch := p.Add(id, time.Minute)
		reply, ok := <-ch
		require.True(t, ok)
		assert.Equal(t, id, reply.ID)
		<-done
	}
	assert.Equal(t, 0, p.Len())
}

func TestPendingDrain(t *testing.T) {
	p := NewPendingTable()
	ch1 := p.Add("a", time.Minute)
	ch2 := p.Add("b", time.Minute)
	require.Equal(t, 2, p.Len())

	p.Drain()

	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)
	assert.Equal(t, 0, p.Len())
}
