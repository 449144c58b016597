package formatter

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
)

const (
	CloudHeader = "APEL-cloud-message: v0.4"
	JobHeader   = "APEL-individual-job-message: v0.3"

	recordSeparator = "\n%%\n"
)

// APELOptions carries the site constants stamped on every record.
type APELOptions struct {
	// Format is "cloud" or "job".
	Format             string
	CloudType          string
	ComputeService     string
	DefaultVO          string
	DefaultCPUCount    float64
	SubmitHost         string
	InfrastructureType string
}

// APELFormatter renders sessions as APEL key/value messages.
type APELFormatter struct {
	opts APELOptions
}

func NewAPELFormatter(opts APELOptions) (*APELFormatter, error) {
	switch opts.Format {
	case "", "cloud":
		opts.Format = "cloud"
	case "job":
	default:
		return nil, fmt.Errorf("unknown APEL format %q", opts.Format)
	}
	return &APELFormatter{opts: opts}, nil
}

// Header returns the message header line.
func (f *APELFormatter) Header() string {
	if f.opts.Format == "job" {
		return JobHeader
	}
	return CloudHeader
}

// Record renders one session. Sessions without identity or start time are not valid
// records.
func (f *APELFormatter) Record(s *model.Session) (Record, bool) {
	if s.ID == "" || !s.HasStart() {
		return nil, false
	}
	if f.opts.Format == "job" {
		return f.jobRecord(s), true
	}
	if s.Status == model.StatusUnknown {
		return nil, false
	}
	return f.cloudRecord(s), true
}

func (f *APELFormatter) cloudRecord(s *model.Session) Record {
	b := &recordBuilder{}
	b.str("VMUUID", s.ID)
	b.str("SiteName", s.Site)
	b.str("MachineName", s.Machine)
	b.str("GlobalUserName", s.GlobalUserName)
	b.str("FQAN", f.fqan(s))
	b.str("Status", string(s.Status))
	b.num("StartTime", s.StartTime.Unix())
	if s.HasEnd() {
		b.num("EndTime", s.EndTime.Unix())
	}
	b.num("SuspendDuration", 0)
	b.num("WallDuration", int64(s.WallSeconds))
	b.dec("CpuDuration", s.CPUSeconds)
	b.dec("CpuCount", f.cpuCount(s))
	b.trunc("NetworkInbound", s.NetworkInBytes)
	b.trunc("NetworkOutbound", s.NetworkOutBytes)
	b.trunc("Memory", s.MemoryBytes)
	b.num("Disk", 0)
	b.str("ImageId", s.ImageID)
	b.str("CloudType", f.opts.CloudType)
	b.str("CloudComputeService", f.opts.ComputeService)
	b.num("PublicIPCount", 0)
	return b.rec
}

func (f *APELFormatter) jobRecord(s *model.Session) Record {
	b := &recordBuilder{}
	b.str("Site", s.Site)
	b.str("SubmitHost", f.opts.SubmitHost)
	b.str("MachineName", s.Machine)
	b.str("Queue", s.Namespace)
	b.str("LocalJobId", s.ID)
	b.str("GlobalUserName", s.GlobalUserName)
	b.str("FQAN", f.fqan(s))
	b.num("WallDuration", int64(s.WallSeconds))
	b.trunc("CpuDuration", s.CPUSeconds)
	if cpus := f.cpuCount(s); cpus.Valid {
		b.num("Processors", decimal.NewFromFloat(cpus.Value).Ceil().IntPart())
	}
	b.num("StartTime", s.StartTime.Unix())
	if s.HasEnd() {
		b.num("EndTime", s.EndTime.Unix())
	}
	b.str("InfrastructureType", f.opts.InfrastructureType)
	b.trunc("MemoryReal", s.MemoryBytes)
	return b.rec
}

// fqan falls back to the default VO so raw dumps still carry an owner.
func (f *APELFormatter) fqan(s *model.Session) string {
	if s.FQAN != "" {
		return s.FQAN
	}
	return f.opts.DefaultVO
}

func (f *APELFormatter) cpuCount(s *model.Session) model.Counter {
	if s.CPUCount.Valid || f.opts.DefaultCPUCount <= 0 {
		return s.CPUCount
	}
	return model.Observed(f.opts.DefaultCPUCount)
}

// Batch renders a full message and returns it with the number of records it holds.
// Invalid sessions are skipped. The message has no trailing newline.
func (f *APELFormatter) Batch(sessions []*model.Session) (string, int) {
	records := make([]string, 0, len(sessions))
	for _, s := range sessions {
		rec, ok := f.Record(s)
		if !ok {
			continue
		}
		records = append(records, rec.String())
	}
	return f.Header() + "\n" + strings.Join(records, recordSeparator), len(records)
}

// Format writes the batch for sessions to w.
func (f *APELFormatter) Format(w io.Writer, sessions []*model.Session) error {
	msg, _ := f.Batch(sessions)
	_, err := io.WriteString(w, msg+"\n")
	return err
}

// FormatDecimal renders v rounded to 3 decimals in its shortest form, keeping at least one
// fractional digit. Rounding works on the binary value, so 1.0005 renders as 1.0.
func FormatDecimal(v float64) string {
	s := strings.TrimRight(strconv.FormatFloat(v, 'f', 3, 64), "0")
	if strings.HasSuffix(s, ".") {
		s += "0"
	}
	return s
}

type recordBuilder struct {
	rec Record
}

func (b *recordBuilder) str(key, value string) {
	if value == "" {
		return
	}
	b.rec = append(b.rec, Field{Key: key, Value: value})
}

func (b *recordBuilder) num(key string, value int64) {
	b.rec = append(b.rec, Field{Key: key, Value: strconv.FormatInt(value, 10)})
}

func (b *recordBuilder) trunc(key string, c model.Counter) {
	if v, ok := c.Get(); ok {
		b.num(key, int64(v))
	}
}

func (b *recordBuilder) dec(key string, c model.Counter) {
	if v, ok := c.Get(); ok {
		b.rec = append(b.rec, Field{Key: key, Value: FormatDecimal(v)})
	}
}
