package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"golang.org/x/term"

	"github.com/tinyrange/rvdev/internal/config"
	"github.com/tinyrange/rvdev/internal/devices/plic"
	"github.com/tinyrange/rvdev/internal/machine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rvdev: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "machine description (YAML)")
	events := flag.Int("events", 1000, "interrupts raised per source")
	sourceList := flag.String("sources", "", "PLIC sources to drive, e.g. 1,2,8-15 (default: all)")
	snapshotPath := flag.String("snapshot", "", "write a snapshot after the run")
	restorePath := flag.String("restore", "", "restore a snapshot before the run")
	dump := flag.Bool("dump", false, "print the device map and exit")
	writeConfig := flag.String("write-config", "", "write the effective config to a file and exit")
	timeout := flag.Duration("timeout", 5*time.Minute, "abort the run after this long")
	debug := flag.Bool("debug", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `rvdev - RISC-V interrupt controller and device bus exerciser

USAGE:
  rvdev [flags]

Builds a machine with RAM, boot flash, a PLIC and a system controller, then
raises interrupts from one goroutine per PLIC source while a hart goroutine
claims and completes them over the bus. Each handled interrupt bumps a
per-source counter in RAM. The hart powers the machine off when done.

FLAGS:
`)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
EXAMPLES:
  rvdev                                  Run 1000 events on all 31 sources
  rvdev -sources 1-4 -events 10000       Hammer four sources
  rvdev -dump                            Show the device map
  rvdev -write-config machine.yaml       Write the default layout as YAML
  rvdev -config machine.yaml -snapshot state.snap
  rvdev -restore state.snap              Continue counting from a snapshot
`)
	}
	flag.Parse()

	if flag.NArg() != 0 {
		flag.Usage()
		return fmt.Errorf("unexpected arguments: %s", strings.Join(flag.Args(), " "))
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	fs := afero.NewOsFs()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(fs, *configPath)
		if err != nil {
			return err
		}
	}

	if *writeConfig != "" {
		if err := config.Write(fs, *writeConfig, cfg); err != nil {
			return err
		}
		slog.Info("wrote config", "path", *writeConfig)
		return nil
	}

	sources, err := parseSources(*sourceList)
	if err != nil {
		return err
	}

	interactive := term.IsTerminal(int(os.Stdout.Fd()))

	var bars []*progressbar.ProgressBar
	opts := machine.Options{FS: fs}
	if interactive {
		opts.ImageProgress = func(name string, size int64) io.Writer {
			bar := progressbar.DefaultBytes(size, "load "+filepath.Base(name))
			bars = append(bars, bar)
			return bar
		}
	}

	m, err := machine.New(cfg, opts)
	if err != nil {
		return err
	}
	defer m.Close()

	for _, bar := range bars {
		bar.Finish()
	}

	if *dump {
		return writeDeviceMap(os.Stdout, m, interactive)
	}

	if *restorePath != "" {
		if err := m.RestoreSnapshotFile(fs, *restorePath); err != nil {
			return fmt.Errorf("restore %s: %w", *restorePath, err)
		}
		slog.Info("restored snapshot", "path", *restorePath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	total := len(sources) * *events
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("events"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetVisibility(interactive),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	stats, err := machine.RunWorkload(ctx, m, machine.WorkloadConfig{
		Sources:  sources,
		Events:   *events,
		Progress: func(n int) { bar.Add(n) },
	})
	bar.Finish()
	if err != nil {
		return err
	}

	slog.Info("workload finished",
		"handled", stats.Handled,
		"duration", stats.Duration.Round(time.Millisecond),
		"resets", m.Resets())

	if err := writeStats(os.Stdout, stats, interactive); err != nil {
		return err
	}

	if *snapshotPath != "" {
		if err := m.SaveSnapshotFile(fs, *snapshotPath); err != nil {
			return fmt.Errorf("snapshot %s: %w", *snapshotPath, err)
		}
		slog.Info("wrote snapshot", "path", *snapshotPath)
	}

	return nil
}

// parseSources parses a comma separated list of source ids and ranges.
// An empty list selects every source.
func parseSources(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		all := make([]int, 0, plic.InterruptCount)
		for i := 1; i <= plic.InterruptCount; i++ {
			all = append(all, i)
		}
		return all, nil
	}

	var out []int
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")

		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid source %q", part)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("invalid source range %q", part)
			}
		}
		if first < 1 || last > plic.InterruptCount || first > last {
			return nil, fmt.Errorf("source %q out of range 1-%d", part, plic.InterruptCount)
		}

		for id := first; id <= last; id++ {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}
