package formatter

import (
	"io"
	"strings"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
)

// Field is one "Key: value" line of an APEL record.
type Field struct {
	Key   string
	Value string
}

// Record is an ordered list of fields.
type Record []Field

// String renders the record as newline separated "Key: value" lines.
func (r Record) String() string {
	lines := make([]string, 0, len(r))
	for _, f := range r {
		lines = append(lines, f.Key+": "+f.Value)
	}
	return strings.Join(lines, "\n")
}

// Get returns the value of key.
func (r Record) Get(key string) (string, bool) {
	for _, f := range r {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// SessionFormatter writes sessions for operators.
type SessionFormatter interface {
	Format(w io.Writer, sessions []*model.Session) error
}

// NewSessionFormatter returns the formatter for an output name: table, json or csv.
func NewSessionFormatter(output string) (SessionFormatter, bool) {
	switch output {
	case "table", "":
		return NewTableFormatter(), true
	case "json":
		return NewJSONFormatter(), true
	case "csv":
		return NewCSVFormatter(), true
	}
	return nil, false
}
