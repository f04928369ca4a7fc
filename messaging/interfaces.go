package messaging

import "time"

// MetricsCollector collects handler metrics
type MetricsCollector interface {
	// RecordMessage records one handler invocation
	RecordMessage(messageType string, duration time.Duration, success bool, errorType string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordMessage does nothing
func (n *NoOpMetricsCollector) RecordMessage(messageType string, duration time.Duration, success bool, errorType string) {
}
