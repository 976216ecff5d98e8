package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveTick(120 * time.Millisecond)
	m.ObserveTick(80 * time.Millisecond)
	m.RowWritten()
	m.SourceFailed("qmassa")
	m.SourceFailed("qmassa")
	m.SourceFailed("hwinfo")
	m.SetSchemaColumns(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ticks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rowsWritten))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sourceFailures.WithLabelValues("qmassa")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sourceFailures.WithLabelValues("hwinfo")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.schemaColumns))

	expected := `
# HELP telemlog_rows_written_total Rows appended to the output table
# TYPE telemlog_rows_written_total counter
telemlog_rows_written_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "telemlog_rows_written_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTick(time.Second)
		m.RowWritten()
		m.SourceFailed("x")
		m.SetSchemaColumns(1)
	})
}

func TestServerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg).RowWritten()

	srv, err := Listen("127.0.0.1:0", reg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, "telemlog_rows_written_total 1")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
