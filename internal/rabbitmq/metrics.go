package rabbitmq

import "time"

// Metric names reported by the channel pool.
const (
	MetricBorrowLatency   = "channel_pool_borrow"
	MetricBorrowTimeouts  = "channel_pool_borrow_timeouts"
	MetricBorrowFailures  = "channel_pool_borrow_failures"
	MetricChannelsCreated = "channel_pool_channels_created"
	MetricChannelsClosed  = "channel_pool_channels_discarded"
	MetricOpenChannels    = "channel_pool_open_channels"
	MetricIdleChannels    = "channel_pool_idle_channels"
	MetricWaiters         = "channel_pool_waiters"
)

// MetricsRecorder receives pool measurements. Implementations must be safe
// for concurrent use.
type MetricsRecorder interface {
	ObserveTimer(name string, d time.Duration)
	IncCounter(name string)
	SetGauge(name string, value float64)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTimer(string, time.Duration) {}
func (nopRecorder) IncCounter(string)                  {}
func (nopRecorder) SetGauge(string, float64)           {}

// NopMetrics discards every measurement.
var NopMetrics MetricsRecorder = nopRecorder{}
