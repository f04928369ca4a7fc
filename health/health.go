package health

import (
	"context"
)

// State is the reported health state
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateAlive    State = "alive"
)

// Status is the health report served over HTTP
type Status struct {
	Status         State  `json:"status"`
	Service        string `json:"service"`
	Version        string `json:"version"`
	QueueConnected bool   `json:"rabbitmq_connected"`
}

// ConnectionProbe reports live queue connectivity
type ConnectionProbe interface {
	IsHealthy() bool
}

// ProbeFunc adapts a function to ConnectionProbe
type ProbeFunc func() bool

func (f ProbeFunc) IsHealthy() bool {
	return f()
}

// Projector turns connection state into health reports. It never fails.
type Projector struct {
	probe   ConnectionProbe
	service string
	version string
}

// NewProjector creates a projector for the named service
func NewProjector(probe ConnectionProbe, service, version string) *Projector {
	return &Projector{
		probe:   probe,
		service: service,
		version: version,
	}
}

// CheckHealth reports healthy iff the queue connection is up right now
func (p *Projector) CheckHealth(ctx context.Context) Status {
	connected := p.probe.IsHealthy()

	state := StateDegraded
	if connected {
		state = StateHealthy
	}

	return Status{
		Status:         state,
		Service:        p.service,
		Version:        p.version,
		QueueConnected: connected,
	}
}

// Liveness always reports alive and does not probe the queue
func (p *Projector) Liveness() Status {
	return Status{
		Status:  StateAlive,
		Service: p.service,
		Version: p.version,
	}
}
