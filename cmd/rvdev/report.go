package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/rvdev/internal/hv"
	"github.com/tinyrange/rvdev/internal/machine"
)

var (
	headerStyle = ansi.Style{}.Bold()
	okStyle     = ansi.Style{}.ForegroundColor(ansi.Green)
	dimStyle    = ansi.Style{}.Faint()
)

// table renders left-aligned columns. Cells may carry ANSI styling; widths
// are measured on the visible text.
type table struct {
	header []string
	rows   [][]string
	styled bool
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) write(w io.Writer) error {
	widths := make([]int, len(t.header))
	measure := func(row []string) {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], ansi.StringWidth(cell))
			}
		}
	}
	measure(t.header)
	for _, row := range t.rows {
		measure(row)
	}

	line := func(row []string, style *ansi.Style) error {
		var sb strings.Builder
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			if !t.styled {
				cell = ansi.Strip(cell)
			}
			pad := widths[i] - ansi.StringWidth(cell)
			if style != nil && t.styled {
				cell = style.Styled(cell)
			}
			sb.WriteString(cell)
			if i < len(row)-1 {
				sb.WriteString(strings.Repeat(" ", pad+2))
			}
		}
		sb.WriteByte('\n')
		_, err := io.WriteString(w, sb.String())
		return err
	}

	if err := line(t.header, &headerStyle); err != nil {
		return err
	}
	for _, row := range t.rows {
		if err := line(row, nil); err != nil {
			return err
		}
	}
	return nil
}

func accessWidths(mask uint8) string {
	var parts []string
	for sizeLog2 := hv.Size8Log2; sizeLog2 <= hv.Size64Log2; sizeLog2++ {
		if mask&(1<<sizeLog2) != 0 {
			parts = append(parts, fmt.Sprint(8*hv.SizeBytes(sizeLog2)))
		}
	}
	return strings.Join(parts, "/")
}

func writeDeviceMap(w io.Writer, m *machine.Machine, styled bool) error {
	t := &table{header: []string{"DEVICE", "BASE", "END", "SIZE", "WIDTHS"}, styled: styled}
	for _, d := range m.Bus().Devices() {
		t.add(
			d.Name,
			fmt.Sprintf("0x%08x", d.Base),
			dimStyle.Styled(fmt.Sprintf("0x%08x", d.Base+d.Size-1)),
			fmt.Sprintf("0x%x", d.Size),
			accessWidths(d.SupportedSizes),
		)
	}
	return t.write(w)
}

func writeStats(w io.Writer, stats machine.WorkloadStats, styled bool) error {
	sources := make([]int, 0, len(stats.Counters))
	for s := range stats.Counters {
		sources = append(sources, s)
	}
	sort.Ints(sources)

	t := &table{header: []string{"SOURCE", "CONTEXT", "PRIORITY", "COUNTER"}, styled: styled}
	for _, s := range sources {
		context := "S"
		if s%2 == 0 {
			context = "M"
		}
		t.add(
			fmt.Sprint(s),
			context,
			fmt.Sprint(1+s%7),
			okStyle.Styled(fmt.Sprint(stats.Counters[s])),
		)
	}
	if err := t.write(w); err != nil {
		return err
	}

	rate := 0.0
	if stats.Duration > 0 {
		rate = float64(stats.Handled) / stats.Duration.Seconds()
	}
	_, err := fmt.Fprintf(w, "\nhandled %d events in %s (%.0f/s); claims M=%d S=%d, empty %d, cas retries %d\n",
		stats.Handled, stats.Duration.Round(time.Millisecond), rate,
		stats.Claims[0], stats.Claims[1], stats.EmptyClaims, stats.CASRetries)
	return err
}
