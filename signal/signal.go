// Package signal turns interrupt signals and internal shutdown requests into
// a single shutdown channel.
package signal

import (
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// started guards against more than one interceptor per process, since every
// interceptor would receive each signal.
var started atomic.Bool

// Interceptor collects shutdown triggers. The first trigger starts the
// shutdown, later ones are only logged.
type Interceptor struct {
	interruptChannel chan os.Signal

	shutdownRequestChannel chan struct{}

	// quit is closed when the shutdown starts.
	quit chan struct{}

	// shutdownChannel is closed once the handler exited.
	shutdownChannel chan struct{}
}

// Intercept starts catching SIGINT, SIGTERM and SIGQUIT. It may only be
// called once.
func Intercept() (*Interceptor, error) {
	if !started.CompareAndSwap(false, true) {
		return nil, errors.New("intercept already started")
	}

	i := &Interceptor{
		interruptChannel:       make(chan os.Signal, 1),
		shutdownRequestChannel: make(chan struct{}),
		quit:                   make(chan struct{}),
		shutdownChannel:        make(chan struct{}),
	}

	signal.Notify(
		i.interruptChannel, os.Interrupt, syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	go i.mainInterruptHandler()

	return i, nil
}

// mainInterruptHandler waits for the first signal or shutdown request.
//
// NOTE: MUST be run as a goroutine.
func (i *Interceptor) mainInterruptHandler() {
	defer signal.Stop(i.interruptChannel)

	var isShutdown bool
	shutdown := func() {
		if isShutdown {
			log.Infof("Already shutting down...")
			return
		}
		isShutdown = true
		log.Infof("Shutting down...")

		close(i.quit)
	}

	for {
		select {
		case sig := <-i.interruptChannel:
			log.Infof("Received %v", sig)
			shutdown()

		case <-i.shutdownRequestChannel:
			log.Infof("Received shutdown request.")
			shutdown()

		case <-i.quit:
			log.Infof("Gracefully shutting down.")
			close(i.shutdownChannel)
			return
		}
	}
}

// Alive returns false once the shutdown started.
func (i *Interceptor) Alive() bool {
	select {
	case <-i.quit:
		return false
	default:
		return true
	}
}

// RequestShutdown starts a graceful shutdown from within the process.
func (i *Interceptor) RequestShutdown() {
	select {
	case i.shutdownRequestChannel <- struct{}{}:
	case <-i.quit:
	}
}

// ShutdownChannel returns the channel closed once the shutdown started and
// the handler exited.
func (i *Interceptor) ShutdownChannel() <-chan struct{} {
	return i.shutdownChannel
}
