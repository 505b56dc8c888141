package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

type slowWorker struct {
	finished atomic.Bool
	err      error
}

func (w *slowWorker) Run(ctx context.Context) error {
	<-ctx.Done()
	// still draining after the signal
	time.Sleep(20 * time.Millisecond)
	w.finished.Store(true)
	if w.err != nil {
		return w.err
	}
	return ctx.Err()
}

func TestStartWorkerIsJoined(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	w := &slowWorker{}
	startWorker(ctx, &wg, "reconciler", w, logger)

	cancel()
	wg.Wait()

	assert.True(t, w.finished.Load())
	assert.Empty(t, hook.AllEntries(), "a cancelled worker is a clean stop")
}

func TestStartWorkerLogsFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "reconciler", &slowWorker{err: errors.New("reader closed")}, logger)

	cancel()
	wg.Wait()

	entry := hook.LastEntry()
	if assert.NotNil(t, entry) {
		assert.Equal(t, logrus.ErrorLevel, entry.Level)
		assert.Equal(t, "reconciler", entry.Data["worker"])
	}
}
