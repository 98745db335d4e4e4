package pool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlnode-lb/internal/pool"
)

func strPtr(s string) *string { return &s }

func TestBackend_MarkRequestStartDone_TracksCounter(t *testing.T) {
	b := pool.NewBackend("http://b1")

	b.MarkRequestStart()
	b.MarkRequestStart()
	assert.EqualValues(t, 2, b.ActiveRequests())

	b.MarkRequestDone()
	assert.EqualValues(t, 1, b.ActiveRequests())
}

func TestBackend_MarkRequestDone_ClampsAtZero(t *testing.T) {
	b := pool.NewBackend("http://b1")

	b.MarkRequestDone() // no prior start
	assert.EqualValues(t, 0, b.ActiveRequests(), "decrementing below zero must clamp")
}

func TestBackend_IsAvailable_RequiresHealthyAndInference(t *testing.T) {
	b := pool.NewBackend("http://b1")
	assert.False(t, b.IsAvailable(), "fresh backend with unknown state is not available")

	b.SetHealthy(true)
	assert.False(t, b.IsAvailable(), "healthy but unknown state is not available")

	b.SetState(strPtr("TRAIN"))
	assert.False(t, b.IsAvailable(), "healthy but non-INFERENCE state is not available")

	b.SetState(strPtr("INFERENCE"))
	assert.True(t, b.IsAvailable())

	b.SetBlocked(true)
	assert.False(t, b.IsAvailable(), "manually blocked backend is not available")
}

func TestBackend_SetState_Nil_MeansUnknown(t *testing.T) {
	b := pool.NewBackend("http://b1")
	b.SetHealthy(true)
	b.SetState(strPtr("INFERENCE"))
	assert.True(t, b.IsAvailable())

	b.SetState(nil)
	assert.False(t, b.IsAvailable())
	assert.Nil(t, b.State())
}

func TestBackend_Snapshot_ReflectsCurrentFields(t *testing.T) {
	b := pool.NewBackend("http://b1")
	b.SetHealthy(true)
	b.SetState(strPtr("POW"))
	b.MarkRequestStart()

	snap := b.Snapshot()
	assert.Equal(t, "http://b1", snap.URL)
	require.NotNil(t, snap.State)
	assert.Equal(t, "POW", *snap.State)
	assert.True(t, snap.Healthy)
	assert.EqualValues(t, 1, snap.ActiveRequests)
}
