package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdnctl/internal/geo"
	"cdnctl/internal/registry"
)

func newRegistryWith(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for i, id := range ids {
		reg.Register(id, "10.0.0."+string(rune('1'+i)), 8080, geo.Coordinate{Lat: float64(i), Lon: float64(i)})
	}
	return reg
}

func TestRegister_NewServerStartsHealthy(t *testing.T) {
	reg := registry.New()
	reg.Register("edge-1", "10.0.0.1", 8080, geo.Coordinate{Lat: 40.7, Lon: -74.0})

	rec, err := reg.Get("edge-1")
	require.NoError(t, err)

	assert.Equal(t, "edge-1", rec.ID)
	assert.Equal(t, "10.0.0.1", rec.Host)
	assert.Equal(t, 8080, rec.Port)
	assert.Equal(t, 100.0, rec.HealthScore)
	assert.True(t, rec.LastHealthCheck.IsZero(), "a fresh record has never been checked")
	assert.Zero(t, rec.TotalRequests)
	assert.Zero(t, rec.ErrorCount)
}

func TestRegister_OverwritesExistingID(t *testing.T) {
	reg := newRegistryWith(t, "edge-1")
	require.NoError(t, reg.UpdateHealth("edge-1", 20, time.Now()))
	require.NoError(t, reg.AddError("edge-1"))

	// Re-registration resets health and counters.
	reg.Register("edge-1", "10.0.0.9", 9090, geo.Coordinate{})

	rec, err := reg.Get("edge-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", rec.Host)
	assert.Equal(t, 100.0, rec.HealthScore)
	assert.Zero(t, rec.ErrorCount)
	assert.Equal(t, 1, reg.Len(), "overwrite must not create a second record")
}

func TestDeregister_RemovesServer(t *testing.T) {
	reg := newRegistryWith(t, "edge-1", "edge-2")

	reg.Deregister("edge-1")

	_, err := reg.Get("edge-1")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Equal(t, 1, reg.Len())
}

func TestDeregister_UnknownIDIsNoOp(t *testing.T) {
	reg := newRegistryWith(t, "edge-1")
	reg.Deregister("ghost") // must not panic or error
	assert.Equal(t, 1, reg.Len())
}

func TestGet_UnknownID(t *testing.T) {
	reg := registry.New()
	_, err := reg.Get("nope")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestList_SortedSnapshot(t *testing.T) {
	reg := newRegistryWith(t, "edge-c", "edge-a", "edge-b")

	all := reg.List()
	require.Len(t, all, 3)
	assert.Equal(t, "edge-a", all[0].ID)
	assert.Equal(t, "edge-b", all[1].ID)
	assert.Equal(t, "edge-c", all[2].ID)
}

func TestList_SnapshotIsIsolatedFromLaterMutations(t *testing.T) {
	reg := newRegistryWith(t, "edge-1")

	snap := reg.List()
	require.NoError(t, reg.UpdateHealth("edge-1", 10, time.Now()))

	assert.Equal(t, 100.0, snap[0].HealthScore, "snapshot must not see later writes")
}

func TestUpdateHealth_ClampsScore(t *testing.T) {
	reg := newRegistryWith(t, "edge-1")

	require.NoError(t, reg.UpdateHealth("edge-1", -30, time.Now()))
	rec, _ := reg.Get("edge-1")
	assert.Equal(t, 0.0, rec.HealthScore)

	require.NoError(t, reg.UpdateHealth("edge-1", 250, time.Now()))
	rec, _ = reg.Get("edge-1")
	assert.Equal(t, 100.0, rec.HealthScore)
}

func TestUpdateHealth_TimestampOnlyAdvances(t *testing.T) {
	reg := newRegistryWith(t, "edge-1")
	newer := time.Now()
	older := newer.Add(-time.Minute)

	require.NoError(t, reg.UpdateHealth("edge-1", 90, newer))
	require.NoError(t, reg.UpdateHealth("edge-1", 80, older))

	rec, _ := reg.Get("edge-1")
	assert.Equal(t, 80.0, rec.HealthScore, "score still updates")
	assert.Equal(t, newer, rec.LastHealthCheck, "stale timestamp must not rewind the clock")
}

func TestUpdateHealth_UnknownID(t *testing.T) {
	reg := registry.New()
	err := reg.UpdateHealth("ghost", 50, time.Now())
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestCounters_Accumulate(t *testing.T) {
	reg := newRegistryWith(t, "edge-1")

	require.NoError(t, reg.AddRequest("edge-1"))
	require.NoError(t, reg.AddRequest("edge-1"))
	require.NoError(t, reg.AddError("edge-1"))
	require.NoError(t, reg.AddCounters("edge-1", 5, 2))

	rec, _ := reg.Get("edge-1")
	assert.Equal(t, int64(7), rec.TotalRequests)
	assert.Equal(t, int64(3), rec.ErrorCount)
}

func TestAddCounters_IgnoresNegativeIncrements(t *testing.T) {
	reg := newRegistryWith(t, "edge-1")

	require.NoError(t, reg.AddCounters("edge-1", -5, -1))

	rec, _ := reg.Get("edge-1")
	assert.Zero(t, rec.TotalRequests)
	assert.Zero(t, rec.ErrorCount)
}

func TestHealthy_ThresholdIsStrict(t *testing.T) {
	rec := registry.ServerRecord{HealthScore: 50}
	assert.False(t, rec.Healthy(), "exactly 50 is unhealthy")

	rec.HealthScore = 50.1
	assert.True(t, rec.Healthy())
}

// Concurrent mutation and snapshotting must not race or produce torn records.
// Run with -race.
func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := newRegistryWith(t, "edge-1", "edge-2", "edge-3")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = reg.UpdateHealth("edge-1", float64(j%100), time.Now())
				_ = reg.AddRequest("edge-2")
				reg.Register("edge-4", "10.0.0.4", 8080, geo.Coordinate{})
				reg.Deregister("edge-4")
				for _, rec := range reg.List() {
					// Health must always be inside the clamped range.
					if rec.HealthScore < 0 || rec.HealthScore > 100 {
						t.Errorf("health score out of range: %v", rec.HealthScore)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
