package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/harvest-cli/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		StaleUnitThreshold:   25,
	})

	snap := &MetricsSnapshot{
		Jobs: []JobMetrics{
			{JobID: "job-1", Status: "running", ProcessedCount: 95, FailedUnits: 5, StaleUnits: 2},
		},
		Identities:    IdentityPoolMetrics{Total: 3, Active: 2, Burned: 1},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_UnitFailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{
		Jobs: []JobMetrics{
			{JobID: "job-1", Status: "running", ProcessedCount: 12, FailedUnits: 8},
		},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertUnitFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_SmallSampleStaysQuiet(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	// 2 failed of 3 attempted, but below the 20-unit minimum.
	snap := &MetricsSnapshot{
		Jobs: []JobMetrics{
			{JobID: "job-1", Status: "running", ProcessedCount: 1, FailedUnits: 2},
		},
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_ErroredJob(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{
		Jobs: []JobMetrics{
			{JobID: "job-1", Name: "sogn-bygg", Status: "error", Stage: "financial"},
		},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobErrored, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "job-1")
	assert.Contains(t, alerts[0].Message, "financial")
}

func TestAlerter_Evaluate_StaleUnits(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.50,
		StaleUnitThreshold:   25,
	})

	snap := &MetricsSnapshot{
		Jobs: []JobMetrics{
			{JobID: "job-1", Status: "running", StaleUnits: 30},
		},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStaleUnits, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
}

func TestAlerter_Evaluate_StaleThresholdDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{StaleUnitThreshold: 0})

	snap := &MetricsSnapshot{
		Jobs: []JobMetrics{{JobID: "job-1", Status: "running", StaleUnits: 500}},
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_IdentityPoolExhausted(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{
		Identities: IdentityPoolMetrics{Total: 4, Burned: 4},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertIdentityPool, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "4")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		StaleUnitThreshold:   25,
	})

	snap := &MetricsSnapshot{
		Jobs: []JobMetrics{
			{JobID: "job-1", Status: "running", ProcessedCount: 10, FailedUnits: 10, StaleUnits: 40},
			{JobID: "job-2", Status: "error", Stage: "resolve"},
		},
		Identities: IdentityPoolMetrics{Total: 2, Burned: 2},
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 4)

	types := make(map[AlertType]bool)
	for _, al := range alerts {
		types[al.Type] = true
	}
	assert.True(t, types[AlertUnitFailureRate])
	assert.True(t, types[AlertStaleUnits])
	assert.True(t, types[AlertJobErrored])
	assert.True(t, types[AlertIdentityPool])
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	alerts := []Alert{
		{Type: AlertJobErrored, Severity: "high", Message: "test alert 1"},
		{Type: AlertStaleUnits, Severity: "medium", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: ""})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertJobErrored, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertJobErrored, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}
