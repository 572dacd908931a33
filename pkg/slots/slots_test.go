package slots

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CanStart_RespectsCap(t *testing.T) {
	m := NewManager()

	assert.True(t, m.CanStart("proj-1", 2))

	require.NoError(t, m.Acquire("proj-1", "feat-1"))
	assert.True(t, m.CanStart("proj-1", 2))

	require.NoError(t, m.Acquire("proj-1", "feat-2"))
	assert.False(t, m.CanStart("proj-1", 2))

	// Other projects are unaffected.
	assert.True(t, m.CanStart("proj-2", 2))
}

func TestManager_CanStart_ZeroCap(t *testing.T) {
	m := NewManager()

	assert.False(t, m.CanStart("proj-1", 0))
	assert.False(t, m.CanStart("proj-1", -1))
}

func TestManager_Acquire_DuplicateFails(t *testing.T) {
	m := NewManager()

	require.NoError(t, m.Acquire("proj-1", "feat-1"))

	err := m.Acquire("proj-1", "feat-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feat-1")

	// The original slot survives the failed acquire.
	assert.True(t, m.IsActive("feat-1"))
	assert.Equal(t, 1, m.ActiveCount("proj-1"))
}

func TestManager_Release_Idempotent(t *testing.T) {
	m := NewManager()

	require.NoError(t, m.Acquire("proj-1", "feat-1"))
	m.Release("proj-1", "feat-1")
	assert.False(t, m.IsActive("feat-1"))

	// Releasing again, or releasing something never held, is a no-op.
	m.Release("proj-1", "feat-1")
	m.Release("proj-unknown", "feat-unknown")
	assert.Equal(t, 0, m.ActiveCount("proj-1"))
}

func TestManager_Release_AllowsReacquire(t *testing.T) {
	m := NewManager()

	require.NoError(t, m.Acquire("proj-1", "feat-1"))
	m.Release("proj-1", "feat-1")
	require.NoError(t, m.Acquire("proj-1", "feat-1"))
	assert.True(t, m.IsActive("feat-1"))
}

func TestManager_IsActive_SearchesAllProjects(t *testing.T) {
	m := NewManager()

	require.NoError(t, m.Acquire("proj-2", "feat-9"))

	assert.True(t, m.IsActive("feat-9"))
	assert.False(t, m.IsActive("feat-1"))
}

func TestManager_ListActive_Snapshot(t *testing.T) {
	m := NewManager()

	require.NoError(t, m.Acquire("proj-1", "feat-1"))
	require.NoError(t, m.Acquire("proj-1", "feat-2"))
	require.NoError(t, m.Acquire("proj-2", "feat-3"))

	active := m.ListActive()
	require.Len(t, active, 3)

	seen := make(map[string]string)
	for _, s := range active {
		seen[s.FeatureID] = s.ProjectID
		assert.False(t, s.AcquiredAt.IsZero())
	}
	assert.Equal(t, "proj-1", seen["feat-1"])
	assert.Equal(t, "proj-1", seen["feat-2"])
	assert.Equal(t, "proj-2", seen["feat-3"])

	// Mutating after the snapshot does not change the returned slice.
	m.Release("proj-1", "feat-1")
	assert.Len(t, active, 3)
}

func TestManager_ConcurrentAcquire_SingleWinner(t *testing.T) {
	m := NewManager()

	const goroutines = 32
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Acquire("proj-1", "feat-1")
		}()
	}
	wg.Wait()
	close(errs)

	var won int
	for err := range errs {
		if err == nil {
			won++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, m.ActiveCount("proj-1"))
}

func TestManager_ConcurrentMixedOps(t *testing.T) {
	m := NewManager()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		featureID := fmt.Sprintf("feat-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = m.Acquire("proj-1", featureID)
				m.IsActive(featureID)
				m.ActiveCount("proj-1")
				m.ListActive()
				m.Release("proj-1", featureID)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, m.ActiveCount("proj-1"))
	assert.Empty(t, m.ListActive())
}
