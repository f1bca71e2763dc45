package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/harvest-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobErrored      AlertType = "job_errored"
	AlertUnitFailureRate AlertType = "unit_failure_rate"
	AlertStaleUnits      AlertType = "stale_units"
	AlertIdentityPool    AlertType = "identity_pool_exhausted"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates an Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, jm := range snap.Jobs {
		if jm.Status == "error" {
			alerts = append(alerts, Alert{
				Type:     AlertJobErrored,
				Severity: "high",
				Message:  fmt.Sprintf("Job %s (%s) halted with a fatal error at stage %s", jm.JobID, jm.Name, jm.Stage),
				Details: map[string]any{
					"job_id": jm.JobID,
					"stage":  jm.Stage,
				},
				Timestamp: now,
			})
		}

		// Failure rate is judged against work actually attempted; tiny
		// samples stay quiet.
		attempted := jm.ProcessedCount + jm.FailedUnits
		if attempted >= 20 {
			rate := float64(jm.FailedUnits) / float64(attempted)
			if rate > a.cfg.FailureRateThreshold {
				alerts = append(alerts, Alert{
					Type:     AlertUnitFailureRate,
					Severity: "high",
					Message: fmt.Sprintf(
						"Job %s unit failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d attempted)",
						jm.JobID, rate*100, a.cfg.FailureRateThreshold*100, jm.FailedUnits, attempted),
					Details: map[string]any{
						"job_id":       jm.JobID,
						"failure_rate": rate,
						"threshold":    a.cfg.FailureRateThreshold,
						"failed":       jm.FailedUnits,
						"attempted":    attempted,
					},
					Timestamp: now,
				})
			}
		}

		if a.cfg.StaleUnitThreshold > 0 && jm.StaleUnits >= a.cfg.StaleUnitThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertStaleUnits,
				Severity: "medium",
				Message: fmt.Sprintf(
					"Job %s has %d stale in-flight units (threshold %d); workers may be wedged",
					jm.JobID, jm.StaleUnits, a.cfg.StaleUnitThreshold),
				Details: map[string]any{
					"job_id":      jm.JobID,
					"stale_units": jm.StaleUnits,
					"threshold":   a.cfg.StaleUnitThreshold,
				},
				Timestamp: now,
			})
		}
	}

	// All identities burned means no job can make outbound requests.
	if snap.Identities.Total > 0 && snap.Identities.Burned == snap.Identities.Total {
		alerts = append(alerts, Alert{
			Type:     AlertIdentityPool,
			Severity: "high",
			Message:  fmt.Sprintf("All %d outbound identities are burned", snap.Identities.Total),
			Details: map[string]any{
				"total":  snap.Identities.Total,
				"burned": snap.Identities.Burned,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
