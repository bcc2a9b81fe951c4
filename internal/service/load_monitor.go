package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"

	"ingest-queue/internal/config"

	"github.com/prometheus/procfs"
)

// LoadChecker decides whether the host is too busy to start work.
type LoadChecker interface {
	Overloaded(ctx context.Context) bool
}

// LoadFunc adapts a function to LoadChecker.
type LoadFunc func(ctx context.Context) bool

func (f LoadFunc) Overloaded(ctx context.Context) bool { return f(ctx) }

// NeverOverloaded is a LoadChecker that always admits work.
var NeverOverloaded LoadChecker = LoadFunc(func(context.Context) bool { return false })

// SystemLoad reads the 1-minute load average and the process RSS from /proc.
// Readings that cannot be taken count as not overloaded.
type SystemLoad struct {
	cfg         config.Load
	cores       int
	memoryLimit int64
	log         *slog.Logger

	loadAvg func() (float64, error)
	rss     func() (int64, error)
}

// NewSystemLoad creates a SystemLoad. The memory ceiling is cfg.MemoryLimit,
// or GOMEMLIMIT when that is unset; with neither, only the load average counts.
func NewSystemLoad(cfg config.Load, log *slog.Logger) (*SystemLoad, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}

	limit := cfg.MemoryLimit
	if limit <= 0 {
		if l := debug.SetMemoryLimit(-1); l != math.MaxInt64 {
			limit = l
		}
	}

	return &SystemLoad{
		cfg:         cfg,
		cores:       runtime.NumCPU(),
		memoryLimit: limit,
		log:         log,
		loadAvg: func() (float64, error) {
			avg, err := fs.LoadAvg()
			if err != nil {
				return 0, err
			}
			return avg.Load1, nil
		},
		rss: func() (int64, error) {
			self, err := fs.Self()
			if err != nil {
				return 0, err
			}
			stat, err := self.Stat()
			if err != nil {
				return 0, err
			}
			return int64(stat.ResidentMemory()), nil
		},
	}, nil
}

func (l *SystemLoad) Overloaded(ctx context.Context) bool {
	if load1, err := l.loadAvg(); err != nil {
		l.log.DebugContext(ctx, "load average unavailable", slog.String("error", err.Error()))
	} else if perCore := load1 / float64(max(l.cores, 1)); perCore > l.cfg.LoadThreshold {
		l.log.InfoContext(ctx, "host overloaded",
			slog.Float64("load_per_core", perCore),
			slog.Float64("threshold", l.cfg.LoadThreshold),
		)
		return true
	}

	if l.memoryLimit <= 0 {
		return false
	}

	rss, err := l.rss()
	if err != nil {
		l.log.DebugContext(ctx, "memory usage unavailable", slog.String("error", err.Error()))
		return false
	}
	if used := float64(rss) / float64(l.memoryLimit); used > l.cfg.MemoryThreshold {
		l.log.InfoContext(ctx, "memory pressure",
			slog.Int64("rss_bytes", rss),
			slog.Int64("limit_bytes", l.memoryLimit),
			slog.Float64("threshold", l.cfg.MemoryThreshold),
		)
		return true
	}
	return false
}
