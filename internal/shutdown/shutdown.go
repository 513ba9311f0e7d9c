// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shutdown turns SIGTERM/SIGINT into a bounded graceful shutdown.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrTimeout is returned by Wait when the shutdown tasks did not finish in time.
var ErrTimeout = errors.New("shutdown tasks did not complete in time")

// Handler coordinates a graceful shutdown.
type Handler interface {
	// Shutdown triggers a graceful shutdown programmatically.
	Shutdown()
	// ShuttingDown quickly checks if a shutdown is in progress.
	ShuttingDown() bool
	// Context is cancelled as soon as the shutdown starts.
	Context() context.Context
	// Wait blocks until the shutdown tasks are complete and returns their error.
	Wait() error
}

type gracefulShutdown struct {
	ctx          context.Context
	cancel       context.CancelFunc
	quit         chan os.Signal
	shuttingDown chan struct{}
	done         chan struct{}
	err          error
	log          *zap.SugaredLogger
	once         sync.Once
}

// New starts listening for SIGINT and SIGTERM. onShutdown runs once the
// first signal (or Shutdown call) arrives and gets timeout to complete.
func New(timeout time.Duration, log *zap.SugaredLogger, onShutdown func(ctx context.Context) error) Handler {
	if log == nil {
		log = zap.S()
	}
	ctx, cancel := context.WithCancel(context.Background())
	gs := &gracefulShutdown{
		ctx:          ctx,
		cancel:       cancel,
		quit:         make(chan os.Signal, 1),
		shuttingDown: make(chan struct{}),
		done:         make(chan struct{}),
		log:          log,
	}

	signal.Notify(gs.quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer close(gs.done)
		defer signal.Stop(gs.quit)

		sig := <-gs.quit
		gs.once.Do(func() { close(gs.shuttingDown) })
		gs.cancel()
		gs.log.Infow("Received signal, shutting down", "signal", sig.String())

		if onShutdown == nil {
			return
		}

		gs.log.Infow("Waiting for shutdown tasks to complete", "timeout", timeout)
		tasksCtx, cancelTasks := context.WithTimeout(context.Background(), timeout)
		defer cancelTasks()

		result := make(chan error, 1)
		go func() {
			result <- onShutdown(tasksCtx)
		}()

		select {
		case err := <-result:
			if err != nil {
				gs.log.Errorw("Error during shutdown", "error", err)
			}
			gs.err = err
		case <-tasksCtx.Done():
			gs.log.Errorw("Shutdown tasks did not complete in time", "timeout", timeout)
			gs.err = ErrTimeout
		}
	}()

	return gs
}

func (gs *gracefulShutdown) ShuttingDown() bool {
	select {
	case <-gs.shuttingDown:
		return true
	default:
		return false
	}
}

func (gs *gracefulShutdown) Shutdown() {
	// Only send a SIGTERM signal if we are not already shutting down.
	if gs.ShuttingDown() {
		return
	}
	select {
	case gs.quit <- syscall.SIGTERM:
	default:
	}
}

func (gs *gracefulShutdown) Context() context.Context {
	return gs.ctx
}

func (gs *gracefulShutdown) Wait() error {
	<-gs.done
	if gs.err == nil {
		gs.log.Info("Shutdown tasks completed. Ready to exit.")
	}

	return gs.err
}
