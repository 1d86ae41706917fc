package metrics_test

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdnctl/internal/geo"
	"cdnctl/internal/metrics"
	"cdnctl/internal/registry"
)

// sampleLines returns the non-comment lines of a text exposition.
func sampleLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func TestExport_EmptyRegistry(t *testing.T) {
	e := metrics.NewExporter(registry.New())

	text, err := e.Export()
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestExport_ThreeLinesPerServer(t *testing.T) {
	reg := registry.New()
	reg.Register("edge-1", "10.0.0.1", 8080, geo.Coordinate{Lat: 40.7, Lon: -74.0})
	reg.Register("edge-2", "10.0.0.2", 8080, geo.Coordinate{Lat: 34.0, Lon: -118.2})

	e := metrics.NewExporter(reg)
	text, err := e.Export()
	require.NoError(t, err)

	lines := sampleLines(text)
	assert.Len(t, lines, 6, "two servers, three metrics each")
	for _, id := range []string{"edge-1", "edge-2"} {
		for _, metric := range []string{"cdn_server_health", "cdn_server_requests", "cdn_server_errors"} {
			want := fmt.Sprintf("%s{server_id=%q}", metric, id)
			found := false
			for _, line := range lines {
				if strings.HasPrefix(line, want) {
					found = true
					break
				}
			}
			assert.True(t, found, "missing sample %s", want)
		}
	}
}

func TestExport_ReflectsRegistryState(t *testing.T) {
	reg := registry.New()
	reg.Register("edge-1", "10.0.0.1", 8080, geo.Coordinate{})
	require.NoError(t, reg.AddCounters("edge-1", 7, 2))
	require.NoError(t, reg.UpdateHealth("edge-1", 80, time.Now()))

	e := metrics.NewExporter(reg)
	text, err := e.Export()
	require.NoError(t, err)

	assert.Contains(t, text, `cdn_server_health{server_id="edge-1"} 80`)
	assert.Contains(t, text, `cdn_server_requests{server_id="edge-1"} 7`)
	assert.Contains(t, text, `cdn_server_errors{server_id="edge-1"} 2`)
}

func TestExport_DoesNotMutateRegistry(t *testing.T) {
	reg := registry.New()
	reg.Register("edge-1", "10.0.0.1", 8080, geo.Coordinate{})
	before, err := reg.Get("edge-1")
	require.NoError(t, err)

	e := metrics.NewExporter(reg)
	for i := 0; i < 3; i++ {
		_, err := e.Export()
		require.NoError(t, err)
	}

	after, err := reg.Get("edge-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestExport_DeregisteredServerDisappears(t *testing.T) {
	reg := registry.New()
	reg.Register("edge-1", "10.0.0.1", 8080, geo.Coordinate{})
	e := metrics.NewExporter(reg)

	text, err := e.Export()
	require.NoError(t, err)
	require.Contains(t, text, "edge-1")

	reg.Deregister("edge-1")
	text, err = e.Export()
	require.NoError(t, err)
	assert.NotContains(t, text, "edge-1")
}

func TestSelectionsTotal_AppearsAfterIncrement(t *testing.T) {
	e := metrics.NewExporter(registry.New())
	e.SelectionsTotal.WithLabelValues("no_server").Inc()

	text, err := e.Export()
	require.NoError(t, err)
	assert.Contains(t, text, `cdn_select_requests_total{outcome="no_server"} 1`)
}

func TestHandler_ServesScrape(t *testing.T) {
	reg := registry.New()
	reg.Register("edge-1", "10.0.0.1", 8080, geo.Coordinate{})
	e := metrics.NewExporter(reg)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	assert.Contains(t, string(buf[:n]), `cdn_server_health{server_id="edge-1"} 100`)
}
