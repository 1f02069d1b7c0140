// Package monitoring queries the Prometheus-compatible monitoring system.
// It is the source of truth for verification: an alert is only considered
// remediated when this client observes it gone from the active set.
package monitoring

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"

	remerr "github.com/tallenb/remedy/internal/errors"
)

const (
	defaultQueryTimeout = 10 * time.Second
	maxQueryRetries     = 2
)

// Series is one result series from an instant or range query.
type Series struct {
	Labels map[string]string
	Values []SamplePair
}

// SamplePair is a timestamped value.
type SamplePair struct {
	Timestamp time.Time
	Value     float64
}

// ActiveAlert is one firing or pending alert from the monitoring system.
type ActiveAlert struct {
	Alertname string
	Instance  string
	State     string
	Labels    map[string]string
}

// TrendDirection summarizes the slope of a metric over a window.
type TrendDirection string

const (
	TrendRising  TrendDirection = "rising"
	TrendFalling TrendDirection = "falling"
	TrendStable  TrendDirection = "stable"
)

// Trend describes the behavior of one metric over a range window.
type Trend struct {
	Current   float64
	Min       float64
	Max       float64
	Avg       float64
	Slope     float64 // units per hour
	Direction TrendDirection
}

// ExhaustionPrediction is the result of linear extrapolation toward a
// threshold.
type ExhaustionPrediction struct {
	Prediction     string
	HoursRemaining float64 // meaningful only when Prediction is "exhaustion"
}

// Client wraps the Prometheus HTTP API with short timeouts and bounded
// retries.
type Client struct {
	api     v1.API
	timeout time.Duration
}

// New creates a Client for the given Prometheus base URL.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	apiClient, err := api.NewClient(api.Config{Address: baseURL})
	if err != nil {
		return nil, fmt.Errorf("monitoring client: %w", err)
	}
	return &Client{api: v1.NewAPI(apiClient), timeout: timeout}, nil
}

// QueryInstant evaluates an instant query and returns the resulting series.
func (c *Client) QueryInstant(ctx context.Context, expr string) ([]Series, error) {
	var value model.Value
	err := c.withRetry(ctx, "query_instant", func(qctx context.Context) error {
		v, warnings, qerr := c.api.Query(qctx, expr, time.Now())
		if qerr != nil {
			return qerr
		}
		logWarnings(expr, warnings)
		value = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seriesFromValue(value), nil
}

// QueryRange evaluates a range query.
func (c *Client) QueryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) ([]Series, error) {
	var value model.Value
	err := c.withRetry(ctx, "query_range", func(qctx context.Context) error {
		v, warnings, qerr := c.api.QueryRange(qctx, expr, v1.Range{Start: start, End: end, Step: step})
		if qerr != nil {
			return qerr
		}
		logWarnings(expr, warnings)
		value = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seriesFromValue(value), nil
}

// ActiveAlerts returns the monitoring system's current alert set.
func (c *Client) ActiveAlerts(ctx context.Context) ([]ActiveAlert, error) {
	var result v1.AlertsResult
	err := c.withRetry(ctx, "active_alerts", func(qctx context.Context) error {
		r, qerr := c.api.Alerts(qctx)
		if qerr != nil {
			return qerr
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	alerts := make([]ActiveAlert, 0, len(result.Alerts))
	for _, a := range result.Alerts {
		labels := make(map[string]string, len(a.Labels))
		for name, val := range a.Labels {
			labels[string(name)] = string(val)
		}
		alerts = append(alerts, ActiveAlert{
			Alertname: labels["alertname"],
			Instance:  labels["instance"],
			State:     string(a.State),
			Labels:    labels,
		})
	}
	return alerts, nil
}

// VerifyResolution polls the active-alert set until no matching alert
// remains firing or the deadline elapses. A monitoring failure during
// polling is an unknown outcome, not a confirmed failure.
func (c *Client) VerifyResolution(ctx context.Context, alertname, instance string, deadline, poll time.Duration) (bool, string, error) {
	if poll <= 0 {
		poll = 10 * time.Second
	}
	expiry := time.Now().Add(deadline)

	for {
		alerts, err := c.ActiveAlerts(ctx)
		if err != nil {
			return false, "monitoring unavailable during verification",
				remerr.New(remerr.KindUnknownOutcome, "verify_resolution", instance, err)
		}

		if !stillFiring(alerts, alertname, instance) {
			return true, fmt.Sprintf("%s no longer firing for %s", alertname, instance), nil
		}

		if time.Now().Add(poll).After(expiry) {
			return false, fmt.Sprintf("%s still firing for %s after %s", alertname, instance, deadline), nil
		}

		select {
		case <-ctx.Done():
			return false, "verification cancelled",
				remerr.New(remerr.KindTimeout, "verify_resolution", instance, ctx.Err())
		case <-time.After(poll):
		}
	}
}

func stillFiring(alerts []ActiveAlert, alertname, instance string) bool {
	for _, a := range alerts {
		if a.Alertname != alertname || a.State != string(v1.AlertStateFiring) {
			continue
		}
		if instance == "" || a.Instance == instance {
			return true
		}
	}
	return false
}

// MetricTrend computes min/max/avg and a least-squares slope for a metric
// over the given window.
func (c *Client) MetricTrend(ctx context.Context, metric, instance string, window time.Duration) (Trend, error) {
	expr := metric
	if instance != "" {
		expr = fmt.Sprintf("%s{instance=%q}", metric, instance)
	}
	end := time.Now()
	step := window / 60
	if step < time.Minute {
		step = time.Minute
	}

	series, err := c.QueryRange(ctx, expr, end.Add(-window), end, step)
	if err != nil {
		return Trend{}, err
	}
	if len(series) == 0 || len(series[0].Values) == 0 {
		return Trend{}, remerr.New(remerr.KindValidation, "metric_trend", instance,
			fmt.Errorf("no data for %q", expr))
	}

	values := series[0].Values
	t := Trend{
		Current: values[len(values)-1].Value,
		Min:     math.Inf(1),
		Max:     math.Inf(-1),
	}
	var sum float64
	for _, v := range values {
		sum += v.Value
		t.Min = math.Min(t.Min, v.Value)
		t.Max = math.Max(t.Max, v.Value)
	}
	t.Avg = sum / float64(len(values))
	t.Slope = slopePerHour(values)

	switch {
	case t.Slope > 0.01:
		t.Direction = TrendRising
	case t.Slope < -0.01:
		t.Direction = TrendFalling
	default:
		t.Direction = TrendStable
	}
	return t, nil
}

// PredictExhaustion extrapolates the metric linearly and reports when it
// will cross the threshold, if ever.
func (c *Client) PredictExhaustion(ctx context.Context, metric, instance string, threshold float64) (ExhaustionPrediction, error) {
	t, err := c.MetricTrend(ctx, metric, instance, 6*time.Hour)
	if err != nil {
		return ExhaustionPrediction{}, err
	}

	rising := threshold > t.Current
	if (rising && t.Slope <= 0) || (!rising && t.Slope >= 0) {
		return ExhaustionPrediction{Prediction: "stable"}, nil
	}

	hours := (threshold - t.Current) / t.Slope
	if hours < 0 {
		return ExhaustionPrediction{Prediction: "already_exceeded"}, nil
	}
	return ExhaustionPrediction{Prediction: "exhaustion", HoursRemaining: hours}, nil
}

// slopePerHour fits a least-squares line through the samples and returns
// its slope in value units per hour.
func slopePerHour(values []SamplePair) float64 {
	if len(values) < 2 {
		return 0
	}
	base := values[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(values))
	for _, v := range values {
		x := v.Timestamp.Sub(base).Hours()
		sumX += x
		sumY += v.Value
		sumXY += x * v.Value
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// withRetry runs fn with the client timeout, retrying transient failures.
func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxQueryRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return remerr.New(remerr.KindTimeout, op, "", ctx.Err())
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		qctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(qctx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		log.Debug().Str("op", op).Int("attempt", attempt+1).Err(err).Msg("Monitoring query failed")
	}
	return remerr.New(remerr.KindRemoteUnavailable, op, "",
		fmt.Errorf("after %d attempts: %w", maxQueryRetries+1, lastErr))
}

func seriesFromValue(value model.Value) []Series {
	switch v := value.(type) {
	case model.Vector:
		out := make([]Series, 0, len(v))
		for _, sample := range v {
			out = append(out, Series{
				Labels: metricLabels(sample.Metric),
				Values: []SamplePair{{
					Timestamp: sample.Timestamp.Time(),
					Value:     float64(sample.Value),
				}},
			})
		}
		return out
	case model.Matrix:
		out := make([]Series, 0, len(v))
		for _, stream := range v {
			values := make([]SamplePair, 0, len(stream.Values))
			for _, pair := range stream.Values {
				values = append(values, SamplePair{
					Timestamp: pair.Timestamp.Time(),
					Value:     float64(pair.Value),
				})
			}
			out = append(out, Series{Labels: metricLabels(stream.Metric), Values: values})
		}
		return out
	case *model.Scalar:
		return []Series{{
			Labels: map[string]string{},
			Values: []SamplePair{{Timestamp: v.Timestamp.Time(), Value: float64(v.Value)}},
		}}
	}
	return nil
}

func metricLabels(metric model.Metric) map[string]string {
	labels := make(map[string]string, len(metric))
	for name, val := range metric {
		labels[string(name)] = string(val)
	}
	return labels
}

func logWarnings(expr string, warnings v1.Warnings) {
	if len(warnings) > 0 {
		log.Debug().Str("expr", expr).Str("warnings", strings.Join(warnings, "; ")).Msg("Query returned warnings")
	}
}
