package formatter

import (
	"io"
	"time"

	"github.com/bytedance/sonic"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
)

type JSONFormatter struct{}

func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

// SessionJSON is the dump shape of a session. Unobserved counters and unset times are null.
type SessionJSON struct {
	ID              string     `json:"id"`
	Site            string     `json:"site,omitempty"`
	Machine         string     `json:"machine,omitempty"`
	Namespace       string     `json:"namespace,omitempty"`
	GlobalUserName  string     `json:"global_user_name,omitempty"`
	PrimaryGroup    string     `json:"primary_group,omitempty"`
	FQAN            string     `json:"fqan,omitempty"`
	Flavor          string     `json:"flavor,omitempty"`
	ImageID         string     `json:"image_id,omitempty"`
	Status          string     `json:"status"`
	StartTime       *time.Time `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	WallSeconds     float64    `json:"wall_seconds"`
	CPUSeconds      *float64   `json:"cpu_seconds"`
	CPUCount        *float64   `json:"cpu_count"`
	MemoryBytes     *float64   `json:"memory_bytes"`
	NetworkInBytes  *float64   `json:"network_in_bytes"`
	NetworkOutBytes *float64   `json:"network_out_bytes"`
	Processed       bool       `json:"processed"`
}

// ToJSON converts a session to its dump shape.
func ToJSON(s *model.Session) SessionJSON {
	out := SessionJSON{
		ID:              s.ID,
		Site:            s.Site,
		Machine:         s.Machine,
		Namespace:       s.Namespace,
		GlobalUserName:  s.GlobalUserName,
		PrimaryGroup:    s.PrimaryGroup,
		FQAN:            s.FQAN,
		Flavor:          s.Flavor,
		ImageID:         s.ImageID,
		Status:          string(s.Status),
		StartTime:       optionalTime(s.StartTime),
		EndTime:         optionalTime(s.EndTime),
		WallSeconds:     s.WallSeconds,
		CPUSeconds:      optionalCounter(s.CPUSeconds),
		CPUCount:        optionalCounter(s.CPUCount),
		MemoryBytes:     optionalCounter(s.MemoryBytes),
		NetworkInBytes:  optionalCounter(s.NetworkInBytes),
		NetworkOutBytes: optionalCounter(s.NetworkOutBytes),
		Processed:       s.Processed,
	}
	if out.Status == "" {
		out.Status = "unknown"
	}
	return out
}

func (f *JSONFormatter) Format(w io.Writer, sessions []*model.Session) error {
	out := make([]SessionJSON, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ToJSON(s))
	}
	data, err := sonic.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func optionalCounter(c model.Counter) *float64 {
	v, ok := c.Get()
	if !ok {
		return nil
	}
	return &v
}
