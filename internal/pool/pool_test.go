package pool_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlnode-lb/internal/pool"
)

func makeAvailable(url string) *pool.Backend {
	b := pool.NewBackend(url)
	b.SetHealthy(true)
	s := "INFERENCE"
	b.SetState(&s)
	return b
}

func TestPool_Pick_NoAvailableBackend_ReturnsError(t *testing.T) {
	p := pool.New(pool.Settings{BackendURLs: []string{"http://b1"}})

	_, err := p.Pick()
	assert.True(t, errors.Is(err, pool.ErrNoHealthyBackend))
}

func TestPool_Pick_SelectsLeastActive(t *testing.T) {
	b1 := makeAvailable("http://b1")
	b2 := makeAvailable("http://b2")
	b3 := makeAvailable("http://b3")
	b1.MarkRequestStart()
	b1.MarkRequestStart()
	b1.MarkRequestStart() // b1 counter = 3
	b2.MarkRequestStart() // b2 counter = 1
	b3.MarkRequestStart() // b3 counter = 1

	pp := newPoolWith(b1, b2, b3)

	got, err := pp.Pick()
	require.NoError(t, err)
	assert.Equal(t, "http://b2", got.URL, "first backend among ties (config order) wins")
	assert.EqualValues(t, 2, got.ActiveRequests(), "Pick must bump the chosen backend's counter")
}

func TestPool_Pick_SkipsUnavailable(t *testing.T) {
	b1 := pool.NewBackend("http://b1") // unhealthy, unknown state
	b2 := makeAvailable("http://b2")

	pp := newPoolWith(b1, b2)
	got, err := pp.Pick()
	require.NoError(t, err)
	assert.Equal(t, "http://b2", got.URL)
}

func TestPool_Release_DecrementsCounter(t *testing.T) {
	b := makeAvailable("http://b1")
	pp := newPoolWith(b)

	picked, err := pp.Pick()
	require.NoError(t, err)
	assert.EqualValues(t, 1, picked.ActiveRequests())

	pp.Release(picked)
	assert.EqualValues(t, 0, picked.ActiveRequests())
}

func TestPool_AnyAvailable(t *testing.T) {
	b1 := pool.NewBackend("http://b1")
	pp := newPoolWith(b1)
	assert.False(t, pp.AnyAvailable())

	b2 := makeAvailable("http://b2")
	pp = newPoolWith(b1, b2)
	assert.True(t, pp.AnyAvailable())
}

func TestPool_AggregateState_PriorityOrder(t *testing.T) {
	inference := "INFERENCE"
	pow := "POW"
	train := "TRAIN"

	cases := []struct {
		name   string
		states []*string
		want   string
	}{
		{"no known state", []*string{nil, nil}, "STOPPED"},
		{"only train", []*string{&train, nil}, "TRAIN"},
		{"pow beats train", []*string{&train, &pow}, "POW"},
		{"inference beats everything", []*string{&train, &pow, &inference}, "INFERENCE"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backends := make([]*pool.Backend, len(tc.states))
			for i, s := range tc.states {
				b := pool.NewBackend("http://b")
				b.SetState(s)
				backends[i] = b
			}
			pp := newPoolWith(backends...)
			assert.Equal(t, tc.want, pp.AggregateState())
		})
	}
}

func TestPool_ConcurrentPicks_CountersDifferByAtMostOne(t *testing.T) {
	const backends = 3
	const pickers = 30

	bs := make([]*pool.Backend, backends)
	for i := range bs {
		bs[i] = makeAvailable("http://b")
	}
	pp := newPoolWith(bs...)

	var wg sync.WaitGroup
	for i := 0; i < pickers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := pp.Pick()
			if err == nil {
				// Release as a well-behaved caller would; the slot is
				// held only until this goroutine returns.
				defer pp.Release(b)
			}
		}()
	}
	wg.Wait()

	var min, max int64 = -1, -1
	for _, b := range bs {
		c := b.ActiveRequests()
		if min == -1 || c < min {
			min = c
		}
		if max == -1 || c > max {
			max = c
		}
	}
	assert.LessOrEqual(t, max-min, int64(1), "counters must not diverge by more than 1 at steady state")
}

func TestPool_Snapshot_ReportsAggregateAndNodes(t *testing.T) {
	b1 := makeAvailable("http://b1")
	b2 := pool.NewBackend("http://b2")
	pp := newPoolWith(b1, b2)

	snap := pp.Snapshot()
	assert.Equal(t, "INFERENCE", snap.State)
	require.Len(t, snap.Nodes, 2)
	assert.Equal(t, "http://b1", snap.Nodes[0].URL)
	assert.Equal(t, "http://b2", snap.Nodes[1].URL)
}

func TestPool_First_ReturnsConfigurationOrderHead(t *testing.T) {
	b1 := pool.NewBackend("http://b1")
	b2 := pool.NewBackend("http://b2")
	pp := newPoolWith(b1, b2)
	assert.Equal(t, b1, pp.First())

	empty := newPoolWith()
	assert.Nil(t, empty.First())
}

// newPoolWith builds a Pool seeded with pre-constructed backends, bypassing
// Settings-based URL parsing for tests that need direct control over
// backend state.
func newPoolWith(backends ...*pool.Backend) *pool.Pool {
	urls := make([]string, len(backends))
	for i, b := range backends {
		urls[i] = b.URL
	}
	p := pool.New(pool.Settings{BackendURLs: urls})
	for i, b := range backends {
		p.Backends()[i] = b
	}
	return p
}
