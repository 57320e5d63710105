// Package monitoring serves the collected metrics to Prometheus.
package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// readHeaderTimeout bounds the time a scraper may take to send its request
// headers.
const readHeaderTimeout = 10 * time.Second

// Exporter serves the metrics of a registry on /metrics.
type Exporter struct {
	listen   string
	gatherer prometheus.Gatherer

	mtx      sync.Mutex
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewExporter creates an exporter for the default registry, which holds the
// metrics of every package as well as the process and Go runtime metrics.
func NewExporter(listen string) *Exporter {
	return &Exporter{
		listen:   listen,
		gatherer: prometheus.DefaultGatherer,
	}
}

// Start opens the listener and serves the metrics in the background.
func (e *Exporter) Start() error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.server != nil {
		return errors.New("exporter already started")
	}

	listener, err := net.Listen("tcp", e.listen)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		e.gatherer, promhttp.HandlerOpts{},
	))

	e.listener = listener
	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		err := e.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter stopped: %v", err)
		}
	}()

	log.Infof("Prometheus exporter started on %v/metrics", listener.Addr())

	return nil
}

// Addr returns the address the exporter listens on, or nil before Start.
func (e *Exporter) Addr() net.Addr {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if e.listener == nil {
		return nil
	}

	return e.listener.Addr()
}

// Stop shuts the server down, waiting for running scrapes until ctx is done.
func (e *Exporter) Stop(ctx context.Context) error {
	e.mtx.Lock()
	server := e.server
	e.mtx.Unlock()

	if server == nil {
		return nil
	}

	err := server.Shutdown(ctx)
	e.wg.Wait()

	return err
}
