package util

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// RunFlag is the process-wide run state. It starts out running and is
// cleared once, by the signal watcher.
type RunFlag struct {
	stopped atomic.Bool
}

func NewRunFlag() *RunFlag {
	return new(RunFlag)
}

func (f *RunFlag) Running() bool {
	return !f.stopped.Load()
}

func (f *RunFlag) Stop() {
	f.stopped.Store(true)
}

// WatchSignal clears flag on SIGINT or SIGTERM. The watcher does nothing
// else: the reactor notices at its next wakeup and unwinds on its own.
func WatchSignal(flag *RunFlag) (cancel func()) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-signalChan:
			flag.Stop()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(signalChan)
		close(done)
	}
}
