package formatter

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

// SummaryFormatter prints the totals of an aggregation run.
type SummaryFormatter struct{}

func NewSummaryFormatter() *SummaryFormatter {
	return &SummaryFormatter{}
}

// Format writes period range, per-metric totals and per-group totals of records.
func (f *SummaryFormatter) Format(w io.Writer, records []model.MetricRecord) error {
	var b strings.Builder
	b.WriteString(strings.Repeat("=", 60) + "\n")
	b.WriteString("Accounting Summary Report\n")
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	if len(records) == 0 {
		b.WriteString("No records to summarize\n\n")
		b.WriteString(strings.Repeat("=", 60) + "\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	first, last := records[0].PeriodStart, records[0].PeriodEnd
	byMetric := map[string]decimal.Decimal{}
	byGroup := map[string]decimal.Decimal{}
	users := map[string]struct{}{}
	for _, r := range records {
		if r.PeriodStart.Before(first) {
			first = r.PeriodStart
		}
		if r.PeriodEnd.After(last) {
			last = r.PeriodEnd
		}
		v := decimal.NewFromFloat(r.Value)
		byMetric[r.MetricDefinitionID] = byMetric[r.MetricDefinitionID].Add(v)
		byGroup[r.Group] = byGroup[r.Group].Add(v)
		users[r.User] = struct{}{}
	}

	fmt.Fprintf(&b, "Period: %s to %s\n", util.FormatISO(first), util.FormatISO(last))
	fmt.Fprintf(&b, "Records: %s  Users: %s\n\n",
		util.FormatNumber(int64(len(records))), util.FormatNumber(int64(len(users))))

	writeTotals(&b, "Metric Totals:", byMetric)
	b.WriteString("\n")
	writeTotals(&b, "Group Totals:", byGroup)
	b.WriteString("\n" + strings.Repeat("=", 60) + "\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func writeTotals(b *strings.Builder, title string, totals map[string]decimal.Decimal) {
	keys := make([]string, 0, len(totals))
	width := 0
	for k := range totals {
		keys = append(keys, k)
		width = max(width, util.GetDisplayWidth(k))
	}
	sort.Strings(keys)

	b.WriteString(title + "\n")
	for _, k := range keys {
		fmt.Fprintf(b, "  %s  %s\n", util.PadString(k, width, true), totals[k].StringFixed(3))
	}
}
