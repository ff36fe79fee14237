package killregistry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systeminit/veritech/internal/core"
)

func TestRegisterThenKillClosesChannel(t *testing.T) {
	r := New(nil)
	id := core.ExecutionId("exec-1")

	cancel := r.Register(id)
	assert.True(t, r.Contains(id))

	found := r.Kill(id)
	assert.True(t, found)

	select {
	case <-cancel:
	case <-time.After(time.Second):
		t.Fatal("cancel channel was not closed")
	}
}

func TestKillIsIdempotent(t *testing.T) {
	r := New(nil)
	id := core.ExecutionId("exec-2")
	r.Register(id)

	assert.True(t, r.Kill(id))
	assert.NotPanics(t, func() { r.Kill(id) })
}

func TestKillBeforeRegisterIsDropped(t *testing.T) {
	r := New(nil)
	id := core.ExecutionId("exec-3")

	found := r.Kill(id)
	assert.False(t, found, "a kill with no matching register has nothing to cancel")

	cancel := r.Register(id)
	select {
	case <-cancel:
		t.Fatal("register after an unrelated kill must not start out already cancelled")
	default:
	}
}

func TestRegisterCollisionReplacesSilently(t *testing.T) {
	r := New(nil)
	id := core.ExecutionId("exec-4")

	first := r.Register(id)
	second := r.Register(id)
	require.NotEqual(t, first, second)

	assert.True(t, r.Kill(id))
	select {
	case <-second:
	default:
		t.Fatal("kill after collision should cancel the most recently registered handle")
	}
	select {
	case <-first:
		t.Fatal("the replaced handle must not be cancelled by a kill targeting the new one")
	default:
	}
}

func TestDeregisterRemovesEntry(t *testing.T) {
	r := New(nil)
	id := core.ExecutionId("exec-5")
	r.Register(id)
	require.True(t, r.Contains(id))

	r.Deregister(id)
	assert.False(t, r.Contains(id))
	assert.False(t, r.Kill(id), "kill after deregister is a safe no-op")
}

func TestLenTracksOutstandingRegistrations(t *testing.T) {
	r := New(nil)
	assert.Equal(t, 0, r.Len())

	r.Register(core.ExecutionId("a"))
	r.Register(core.ExecutionId("b"))
	assert.Equal(t, 2, r.Len())

	r.Deregister(core.ExecutionId("a"))
	assert.Equal(t, 1, r.Len())
}

func TestConcurrentRegisterKillDeregister(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		id := core.ExecutionId(string(rune('a' + i%26)))
		wg.Add(1)
		go func(id core.ExecutionId) {
			defer wg.Done()
			r.Register(id)
			r.Kill(id)
			r.Deregister(id)
		}(id)
	}
	wg.Wait()
}
