package api

import (
	"time"

	"github.com/skobkin/jobmon/internal/gpu"
	"github.com/skobkin/jobmon/internal/sampler"
)

// RunInfo describes the supervised run for the live API.
type RunInfo struct {
	RunID      string    `json:"run_id"`
	Command    []string  `json:"command"`
	State      string    `json:"state"`
	PID        int       `json:"pid,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	IntervalMS int64     `json:"interval_ms"`
	Samples    int       `json:"samples"`
}

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int64           `json:"interval_ms"`
	Run        RunInfo         `json:"run"`
	GPUs       []gpu.Info      `json:"gpus"`
	Sources    []string        `json:"sources"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(run RunInfo, gpus []gpu.Info, sources []string, features map[string]bool) HelloMessage {
	if gpus == nil {
		gpus = []gpu.Info{}
	}
	if sources == nil {
		sources = []string{}
	}
	return HelloMessage{
		Type:       "hello",
		IntervalMS: run.IntervalMS,
		Run:        run,
		GPUs:       gpus,
		Sources:    sources,
		Features:   features,
	}
}

// StatsMessage wraps a recorded sample for transport.
type StatsMessage struct {
	Type string `json:"type"`
	sampler.Sample
}

// NewStatsMessage constructs a stats payload.
func NewStatsMessage(sample sampler.Sample) StatsMessage {
	return StatsMessage{
		Type:   "stats",
		Sample: sample,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
