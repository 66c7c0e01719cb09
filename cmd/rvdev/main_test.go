package main

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
)

func TestParseSources(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "3", want: []int{3}},
		{in: "1,2, 5", want: []int{1, 2, 5}},
		{in: "8-11,9", want: []int{8, 9, 10, 11}},
		{in: "0", wantErr: true},
		{in: "32", wantErr: true},
		{in: "5-3", wantErr: true},
		{in: "x", wantErr: true},
		{in: "1-y", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseSources(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseSources(%q) = %v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseSources(%q): %v", tt.in, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("parseSources(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	all, err := parseSources("")
	if err != nil || len(all) != 31 || all[0] != 1 || all[30] != 31 {
		t.Fatalf("default sources = %v, %v", all, err)
	}
}

func TestTableAlignsStyledCells(t *testing.T) {
	for _, styled := range []bool{false, true} {
		tbl := &table{header: []string{"A", "B"}, styled: styled}
		tbl.add(okStyle.Styled("long-cell"), "x")
		tbl.add("s", "y")

		var buf bytes.Buffer
		if err := tbl.write(&buf); err != nil {
			t.Fatalf("write: %v", err)
		}

		out := buf.String()
		if !styled && out != ansi.Strip(out) {
			t.Fatalf("unstyled output contains escape sequences: %q", out)
		}

		lines := strings.Split(strings.TrimSuffix(ansi.Strip(out), "\n"), "\n")
		want := []string{
			"A          B",
			"long-cell  x",
			"s          y",
		}
		if !reflect.DeepEqual(lines, want) {
			t.Fatalf("styled=%v table:\n%s", styled, strings.Join(lines, "\n"))
		}
	}
}

func TestAccessWidths(t *testing.T) {
	if got := accessWidths(1 << 2); got != "32" {
		t.Fatalf("accessWidths(32-bit) = %q", got)
	}
	if got := accessWidths(0x0f); got != "8/16/32/64" {
		t.Fatalf("accessWidths(all) = %q", got)
	}
}
