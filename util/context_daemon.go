package util

import (
	"context"
	"sync"

	"github.com/kestrelnet/kestrel/util/logging"
	"github.com/rs/zerolog"
)

// ContextDaemon wraps a long-running callback with start/stop lifecycle; the
// callback exits when its context is canceled.
type ContextDaemon struct {
	*logging.Logging
	callback   func(context.Context) error
	cancelfunc func()
	donech     chan struct{}
	sync.Mutex
}

func NewContextDaemon(name string, callback func(context.Context) error) *ContextDaemon {
	return &ContextDaemon{
		Logging: logging.NewLogging(func(zctx zerolog.Context) zerolog.Context {
			return zctx.Str("module", "context-daemon").Str("daemon", name)
		}),
		callback: callback,
	}
}

func (dm *ContextDaemon) IsStarted() bool {
	dm.Lock()
	defer dm.Unlock()

	return dm.cancelfunc != nil
}

func (dm *ContextDaemon) Start(ctx context.Context) error {
	_, err := dm.Wait(ctx)
	if err != nil {
		return err
	}

	dm.Log().Debug().Msg("started")

	return nil
}

// Wait starts the callback and returns the channel carrying its exit error.
func (dm *ContextDaemon) Wait(ctx context.Context) (<-chan error, error) {
	dm.Lock()
	defer dm.Unlock()

	if dm.cancelfunc != nil {
		return nil, ErrDaemonAlreadyStarted.Call()
	}

	nctx, cancel := context.WithCancel(ctx)
	dm.cancelfunc = cancel
	dm.donech = make(chan struct{})

	errch := make(chan error, 1)

	go func() {
		err := dm.callback(nctx)

		cancel()
		close(dm.donech)

		errch <- err
		close(errch)
	}()

	return errch, nil
}

func (dm *ContextDaemon) Stop() error {
	dm.Lock()

	if dm.cancelfunc == nil {
		dm.Unlock()

		return ErrDaemonAlreadyStopped.Call()
	}

	cancel := dm.cancelfunc
	donech := dm.donech
	dm.cancelfunc = nil
	dm.donech = nil

	dm.Unlock()

	cancel()
	<-donech

	dm.Log().Debug().Msg("stopped")

	return nil
}
