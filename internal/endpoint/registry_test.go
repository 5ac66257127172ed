package endpoint

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callbridge/internal/call"
)

func TestRegistryGetOrCreateConcurrent(t *testing.T) {
	r := NewRegistry(SideChat, 0)
	defer r.Close()

	var created atomic.Int32
	var wg sync.WaitGroup
	results := make([]*Endpoint, 32)

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ep, ok := r.GetOrCreate("c1", func() *Endpoint { return New(SideChat, "c1", Owner{}, nil) })
			if ok {
				created.Add(1)
			}
			results[i] = ep
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	for _, ep := range results {
		assert.Same(t, results[0], ep)
	}
}

func TestRegistryRemovesOnHangup(t *testing.T) {
	r := NewRegistry(SideRemote, 0)
	defer r.Close()

	ep, _ := r.GetOrCreate("c1", func() *Endpoint { return New(SideRemote, "c1", Owner{}, nil) })
	require.Equal(t, 1, r.Len())

	ep.Inject(call.NewHangup("c1", ""))

	_, ok := r.Get("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryCloseOfReplacedEndpointKeepsNewOne(t *testing.T) {
	r := NewRegistry(SideChat, 0)
	defer r.Close()

	old, _ := r.GetOrCreate("c1", func() *Endpoint { return New(SideChat, "c1", Owner{}, nil) })
	r.Remove("c1")
	current, _ := r.GetOrCreate("c1", func() *Endpoint { return New(SideChat, "c1", Owner{}, nil) })

	old.Close()

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Same(t, current, got)
}

func TestRegistrySweepClosesIdle(t *testing.T) {
	r := NewRegistry(SideChat, time.Nanosecond)
	defer r.Close()

	ep, _ := r.GetOrCreate("c1", func() *Endpoint { return New(SideChat, "c1", Owner{}, nil) })
	time.Sleep(time.Millisecond)

	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, call.StateTerminated, ep.State())
	assert.Equal(t, 0, r.Len())
}
