package model

import (
	"fmt"
	"math"
)

// MetricKey names one additive usage counter of a Session.
type MetricKey string

const (
	MetricCPUDuration     MetricKey = "cpu_duration"
	MetricCPUCount        MetricKey = "cpu_count"
	MetricMemory          MetricKey = "memory"
	MetricNetworkInbound  MetricKey = "network_inbound"
	MetricNetworkOutbound MetricKey = "network_outbound"
)

// MetricKeys lists every usage key in reporting order.
var MetricKeys = []MetricKey{
	MetricCPUDuration,
	MetricCPUCount,
	MetricMemory,
	MetricNetworkInbound,
	MetricNetworkOutbound,
}

var counterAccessors = map[MetricKey]func(*Session) *Counter{
	MetricCPUDuration:     func(s *Session) *Counter { return &s.CPUSeconds },
	MetricCPUCount:        func(s *Session) *Counter { return &s.CPUCount },
	MetricMemory:          func(s *Session) *Counter { return &s.MemoryBytes },
	MetricNetworkInbound:  func(s *Session) *Counter { return &s.NetworkInBytes },
	MetricNetworkOutbound: func(s *Session) *Counter { return &s.NetworkOutBytes },
}

// ParseMetricKey validates a configured metric key.
func ParseMetricKey(s string) (MetricKey, error) {
	key := MetricKey(s)
	if _, ok := counterAccessors[key]; !ok {
		return "", fmt.Errorf("unknown metric key %q", s)
	}
	return key, nil
}

// Counter is an additive usage total. The zero value means "never observed".
type Counter struct {
	Value float64
	Valid bool
}

// Observed returns a counter holding v.
func Observed(v float64) Counter {
	return Counter{Value: v, Valid: true}
}

// Add accumulates a non-negative delta. Negative and NaN deltas are rejected.
func (c *Counter) Add(delta float64) error {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return fmt.Errorf("invalid usage delta %v", delta)
	}
	if delta < 0 {
		return fmt.Errorf("negative usage delta %v", delta)
	}
	c.Value += delta
	c.Valid = true
	return nil
}

// Get returns the value and whether it was ever observed.
func (c Counter) Get() (float64, bool) {
	return c.Value, c.Valid
}
