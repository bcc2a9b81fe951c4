package service

import (
	"context"
	"errors"
	"testing"

	"ingest-queue/internal/config"
	"ingest-queue/internal/logger"

	"github.com/stretchr/testify/assert"
)

func newFakeSystemLoad(load1 float64, rss, limit int64, cores int) *SystemLoad {
	return &SystemLoad{
		cfg:         config.DefaultLoad(),
		cores:       cores,
		memoryLimit: limit,
		log:         logger.NewNope(),
		loadAvg:     func() (float64, error) { return load1, nil },
		rss:         func() (int64, error) { return rss, nil },
	}
}

func TestSystemLoad_Overloaded(t *testing.T) {
	const gib = 1 << 30

	tests := []struct {
		name  string
		load  *SystemLoad
		wants bool
	}{
		{"idle", newFakeSystemLoad(0.2, gib/10, gib, 4), false},
		{"load at threshold", newFakeSystemLoad(2.0, 0, gib, 4), false},
		{"load above threshold", newFakeSystemLoad(2.1, 0, gib, 4), true},
		{"memory at threshold", newFakeSystemLoad(0, gib*6/10, gib, 4), false},
		{"memory above threshold", newFakeSystemLoad(0, gib*7/10, gib, 4), true},
		{"no memory ceiling", newFakeSystemLoad(0, 100*gib, 0, 4), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wants, tt.load.Overloaded(context.Background()))
		})
	}
}

func TestSystemLoad_ReadErrorsAreNotOverload(t *testing.T) {
	l := newFakeSystemLoad(0, 0, 1<<30, 4)
	l.loadAvg = func() (float64, error) { return 0, errors.New("no /proc") }
	l.rss = func() (int64, error) { return 0, errors.New("no /proc") }

	assert.False(t, l.Overloaded(context.Background()))
}

func TestLoadFunc(t *testing.T) {
	var checker LoadChecker = LoadFunc(func(context.Context) bool { return true })
	assert.True(t, checker.Overloaded(context.Background()))
	assert.False(t, NeverOverloaded.Overloaded(context.Background()))
}
