package formatter

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

type CSVFormatter struct{}

func NewCSVFormatter() *CSVFormatter {
	return &CSVFormatter{}
}

var csvHeaders = []string{
	"id", "site", "machine", "namespace", "global_user_name", "primary_group", "fqan", "flavor",
	"image_id", "status", "start_time", "end_time", "wall_seconds", "cpu_seconds", "cpu_count",
	"memory_bytes", "network_in_bytes", "network_out_bytes", "processed",
}

func (f *CSVFormatter) Format(w io.Writer, sessions []*model.Session) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeaders); err != nil {
		return err
	}
	for _, s := range sessions {
		record := []string{
			s.ID, s.Site, s.Machine, s.Namespace, s.GlobalUserName, s.PrimaryGroup, s.FQAN, s.Flavor,
			s.ImageID, string(s.Status),
			csvTime(s.StartTime), csvTime(s.EndTime),
			strconv.FormatFloat(s.WallSeconds, 'f', -1, 64),
			csvCounter(s.CPUSeconds), csvCounter(s.CPUCount), csvCounter(s.MemoryBytes),
			csvCounter(s.NetworkInBytes), csvCounter(s.NetworkOutBytes),
			strconv.FormatBool(s.Processed),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return util.FormatISO(t)
}

func csvCounter(c model.Counter) string {
	v, ok := c.Get()
	if !ok {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
