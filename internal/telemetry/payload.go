package telemetry

import (
	"runtime"
	"strings"
	"time"
)

// componentType identifies this service to the Local API.
const componentType = "guestbookd"

// MetricLabel identifies optional dimensions for a metric item.
type MetricLabel struct {
	Origin          string `json:"origin,omitempty"`
	RemediationType string `json:"remediation_type,omitempty"`
}

// Metric is a single usage metric value.
type Metric struct {
	Name   string      `json:"name"`
	Value  int64       `json:"value"`
	Unit   string      `json:"unit"`
	Labels MetricLabel `json:"labels,omitempty"`
}

// OSInfo identifies the runtime operating system.
type OSInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MetaInfo carries window and timestamp metadata for the payload.
type MetaInfo struct {
	WindowSizeSeconds   int64 `json:"window_size_seconds"`
	UtcStartupTimestamp int64 `json:"utc_startup_timestamp"`
	UtcNowTimestamp     int64 `json:"utc_now_timestamp"`
}

// RemediationComponent is the top-level remediation component entry.
type RemediationComponent struct {
	Type     string   `json:"type"`
	Version  string   `json:"version"`
	OS       OSInfo   `json:"os"`
	Features []string `json:"features"`
	Meta     MetaInfo `json:"meta"`
	Metrics  []Metric `json:"metrics"`
}

// MetricsPayload is the request body sent to /v1/usage-metrics.
type MetricsPayload struct {
	RemediationComponents []RemediationComponent `json:"remediation_components"`
}

// Window is one push window's worth of counts.
type Window struct {
	Start     time.Time
	Seconds   int64
	Processed int64
	Dropped   int64
}

// BuildMetricsPayloadAt wraps w in the single remediation component this
// service reports, stamped with now.
func BuildMetricsPayloadAt(version string, w Window, now time.Time) MetricsPayload {
	comp := RemediationComponent{
		Type:     componentType,
		Version:  normalizeVersion(version),
		OS:       OSInfo{Name: runtime.GOOS, Version: runtime.GOARCH},
		Features: []string{},
		Meta: MetaInfo{
			WindowSizeSeconds:   w.Seconds,
			UtcStartupTimestamp: w.Start.UTC().Unix(),
			UtcNowTimestamp:     now.UTC().Unix(),
		},
		Metrics: w.metrics(),
	}
	return MetricsPayload{RemediationComponents: []RemediationComponent{comp}}
}

// metrics lists processed first. dropped follows only when non-zero and is
// attributed to CrowdSec ban decisions, the only remediation applied.
func (w Window) metrics() []Metric {
	out := []Metric{requests("processed", w.Processed, MetricLabel{})}
	if w.Dropped > 0 {
		out = append(out, requests("dropped", w.Dropped, MetricLabel{Origin: "crowdsec", RemediationType: "ban"}))
	}
	return out
}

func requests(name string, n int64, labels MetricLabel) Metric {
	return Metric{Name: name, Value: n, Unit: "request", Labels: labels}
}

// normalizeVersion prefixes a bare semver with "v"; an unset version
// reports as "vdev".
func normalizeVersion(version string) string {
	switch v := strings.TrimSpace(version); {
	case v == "":
		return "vdev"
	case strings.HasPrefix(v, "v"):
		return v
	default:
		return "v" + v
	}
}
