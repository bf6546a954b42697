package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordTick()
	m.RecordScan(1, 2, 3)
	m.RecordCommand("mount", nil)
	m.RecordPublish()
	m.SetDevices(1, 1, 1)
}

func TestRecordCommandByResult(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordCommand("mount", nil)
	m.RecordCommand("mount", errors.New("boom"))
	m.RecordCommand("mount", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("mount", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("mount", "error")))
}

func TestSetDevices(t *testing.T) {
	m := New(nil)
	m.SetDevices(3, 1, 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Devices.WithLabelValues("tracked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Devices.WithLabelValues("removed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Devices.WithLabelValues("mounted")))
}
