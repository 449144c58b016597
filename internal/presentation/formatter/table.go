package formatter

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

type TableFormatter struct {
	headers []string
	// MaxWidth caps the rendered table width; zero means the terminal width.
	MaxWidth int
}

func NewTableFormatter() *TableFormatter {
	return &TableFormatter{
		headers: []string{
			"Session", "User", "VO", "Flavor", "Status",
			"Start", "End", "Wall", "CPU (s)", "Memory", "Net In", "Net Out",
		},
	}
}

// flexible columns shrink, in this order, when the table is wider than allowed.
var flexibleColumns = []int{1, 2, 0, 3}

func (f *TableFormatter) Format(w io.Writer, sessions []*model.Session) error {
	rows := make([][]string, 0, len(sessions))
	var wall, cpu float64
	for _, s := range sessions {
		rows = append(rows, f.row(s))
		wall += s.WallSeconds
		cpu += s.CPUSeconds.Value
	}
	total := []string{
		"Total", fmt.Sprintf("%d sessions", len(sessions)), "", "", "", "", "",
		util.FormatDuration(time.Duration(wall * float64(time.Second))),
		util.FormatNumber(int64(cpu)), "", "", "",
	}

	widths := f.calculateColumnWidths(append(rows, total))

	var b strings.Builder
	f.printBorder(&b, widths, "top")
	f.printRow(&b, f.headers, widths)
	f.printBorder(&b, widths, "middle")
	for _, row := range rows {
		f.printRow(&b, row, widths)
	}
	f.printBorder(&b, widths, "middle")
	f.printRow(&b, total, widths)
	f.printBorder(&b, widths, "bottom")

	_, err := io.WriteString(w, b.String())
	return err
}

func (f *TableFormatter) row(s *model.Session) []string {
	tp := util.GetTimeProvider()
	end := "-"
	if s.HasEnd() {
		end = tp.Format(s.EndTime, "2006-01-02 15:04")
	}
	start := "-"
	if s.HasStart() {
		start = tp.Format(s.StartTime, "2006-01-02 15:04")
	}
	status := string(s.Status)
	if status == "" {
		status = "unknown"
	}
	if s.Processed {
		status += "*"
	}
	return []string{
		s.ID,
		s.GlobalUserName,
		s.FQAN,
		s.Flavor,
		status,
		start,
		end,
		util.FormatDuration(s.Wall()),
		counterString(s.CPUSeconds, FormatDecimal),
		counterString(s.MemoryBytes, util.FormatBytes),
		counterString(s.NetworkInBytes, util.FormatBytes),
		counterString(s.NetworkOutBytes, util.FormatBytes),
	}
}

func counterString(c model.Counter, format func(float64) string) string {
	v, ok := c.Get()
	if !ok {
		return "-"
	}
	return format(v)
}

// calculateColumnWidths sizes columns to their content, then shrinks flexible columns
// until the table fits the allowed width.
func (f *TableFormatter) calculateColumnWidths(rows [][]string) []int {
	widths := make([]int, len(f.headers))
	for i, header := range f.headers {
		widths[i] = util.GetDisplayWidth(header)
	}
	for _, row := range rows {
		for i, value := range row {
			if w := util.GetDisplayWidth(value); w > widths[i] {
				widths[i] = w
			}
		}
	}

	limit := f.MaxWidth
	if limit <= 0 {
		limit = util.TerminalWidth()
	}
	const minFlexible = 8
	for _, col := range flexibleColumns {
		excess := tableWidth(widths) - limit
		if excess <= 0 {
			break
		}
		shrink := min(excess, widths[col]-minFlexible)
		if shrink > 0 {
			widths[col] -= shrink
		}
	}
	return widths
}

func tableWidth(widths []int) int {
	total := 1
	for _, w := range widths {
		total += w + 3
	}
	return total
}

func (f *TableFormatter) printBorder(b *strings.Builder, widths []int, borderType string) {
	var left, middle, right string
	switch borderType {
	case "top":
		left, middle, right = "┌", "┬", "┐"
	case "middle":
		left, middle, right = "├", "┼", "┤"
	case "bottom":
		left, middle, right = "└", "┴", "┘"
	}

	b.WriteString(left)
	for i, width := range widths {
		b.WriteString(strings.Repeat("─", width+2))
		if i < len(widths)-1 {
			b.WriteString(middle)
		}
	}
	b.WriteString(right + "\n")
}

// printRow left-aligns text columns and right-aligns the numeric ones.
func (f *TableFormatter) printRow(b *strings.Builder, values []string, widths []int) {
	b.WriteString("│")
	for i, value := range values {
		value = util.TruncateString(value, widths[i])
		leftAlign := i < 7
		b.WriteString(" " + util.PadString(value, widths[i], leftAlign) + " │")
	}
	b.WriteString("\n")
}
