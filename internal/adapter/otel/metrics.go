package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "arbiter"

// Metrics holds the arbiter core metric instruments.
type Metrics struct {
	EpisodesFinalized metric.Int64Counter
	EpisodesDeclined  metric.Int64Counter
	EpisodesErrored   metric.Int64Counter
	Escalations       metric.Int64Counter
	RoundsPerEpisode  metric.Int64Histogram
	FusedConfidence   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.EpisodesFinalized, err = meter.Int64Counter("arbiter.episodes.finalized",
		metric.WithDescription("Number of episodes that reached a finalized answer"))
	if err != nil {
		return nil, err
	}

	m.EpisodesDeclined, err = meter.Int64Counter("arbiter.episodes.declined",
		metric.WithDescription("Number of episodes declined by the safety gate"))
	if err != nil {
		return nil, err
	}

	m.EpisodesErrored, err = meter.Int64Counter("arbiter.episodes.errored",
		metric.WithDescription("Number of episodes that ended in error"))
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("arbiter.escalations",
		metric.WithDescription("Number of episodes escalated to the worker pool"))
	if err != nil {
		return nil, err
	}

	m.RoundsPerEpisode, err = meter.Int64Histogram("arbiter.episode.rounds",
		metric.WithDescription("Reflection rounds completed per episode"))
	if err != nil {
		return nil, err
	}

	m.FusedConfidence, err = meter.Float64Histogram("arbiter.episode.confidence",
		metric.WithDescription("Final fused confidence per episode"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
