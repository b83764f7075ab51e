package messaging

import (
	"context"
	"strings"
	"time"
)

// healthSubject has no responders; a "no responders" reply still proves a
// round trip to the server.
const healthSubject = "_SOD.health.ping"

// HealthStatus is reported under "messaging" by /healthz.
type HealthStatus struct {
	Connected bool    `json:"connected"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// CheckClientHealth reports whether client is connected and how long a
// round trip to the broker takes.
func CheckClientHealth(ctx context.Context, client Client) HealthStatus {
	if client == nil {
		return HealthStatus{Error: "message bus not configured"}
	}
	if !client.IsConnected() {
		return HealthStatus{Error: "not connected to message bus"}
	}

	start := time.Now()
	_, err := client.Request(ctx, healthSubject, nil, 2*time.Second)
	status := HealthStatus{
		Connected: true,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil && !isNoResponders(err) {
		status.Error = "health ping failed: " + err.Error()
	}
	return status
}

// isNoResponders matches on text so this package stays broker agnostic.
func isNoResponders(err error) bool {
	return strings.Contains(err.Error(), "no responders")
}
