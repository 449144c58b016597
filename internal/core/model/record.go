package model

import "time"

// MetricRecord is one aggregated value pushed to the flavor-hours accounting service.
type MetricRecord struct {
	MetricDefinitionID string
	PeriodStart        time.Time
	PeriodEnd          time.Time
	User               string
	Group              string
	Value              float64
}

// Period is a reporting window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) String() string {
	return p.Start.UTC().Format(time.RFC3339) + "/" + p.End.UTC().Format(time.RFC3339)
}
