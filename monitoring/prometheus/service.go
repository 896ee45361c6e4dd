// Package prometheus exposes the node's metrics and service health over
// HTTP.
package prometheus

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/aleph-im/aleph-node/runtime"
)

var log = logrus.WithField("prefix", "metrics")

// Service serves /metrics and /healthz on its own listener.
type Service struct {
	server   *http.Server
	registry *runtime.ServiceRegistry
	failure  error
}

// NewService builds the metrics endpoint. The registry, when set, backs
// the health report.
func NewService(addr string, registry *runtime.ServiceRegistry) *Service {
	s := &Service{registry: registry}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthz)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Service) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	code := http.StatusOK
	body := ""
	for kind, status := range s.registry.Statuses() {
		if status == nil {
			body += fmt.Sprintf("%s: OK\n", kind)
			continue
		}
		code = http.StatusInternalServerError
		body += fmt.Sprintf("%s: %v\n", kind, status)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// Start serves until Stop is called.
func (s *Service) Start() {
	log.WithField("address", s.server.Addr).Info("Starting metrics endpoint")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.failure = err
			log.WithError(err).Error("Could not serve metrics endpoint")
		}
	}()
}

// Stop shuts the listener down, letting in-flight scrapes finish.
func (s *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status reports a listener failure, if any.
func (s *Service) Status() error {
	return s.failure
}
