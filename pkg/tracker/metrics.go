package tracker

// MetricsRecorder is the pluggable metrics sink used by the engine and the
// Redis adapter. It mirrors the shape of a typical StatsD/Datadog client so
// that adapting an existing one only requires a thin wrapper.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NoOpMetricsRecorder discards everything. It is the default recorder so
// that hot paths never need a nil check.
type NoOpMetricsRecorder struct{}

func (NoOpMetricsRecorder) Add(name string, value float64, tags map[string]string)     {}
func (NoOpMetricsRecorder) Observe(name string, value float64, tags map[string]string) {}
