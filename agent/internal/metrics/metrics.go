package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// Metrics holds the agent counters. A nil *Metrics records nothing.
type Metrics struct {
	stageCycles     *prometheus.CounterVec
	applyAttempts   *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	downloadedBytes prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	promFactory := promauto.With(reg)
	return &Metrics{
		stageCycles: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "update_agent_stage_cycles_total",
				Help: "Stage cycles run by the update agent labelled by outcome",
			},
			[]string{"outcome"},
		),
		applyAttempts: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "update_agent_apply_attempts_total",
				Help: "Apply cycles run by the update agent labelled by outcome",
			},
			[]string{"outcome"},
		),
		httpRequests: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "update_agent_http_requests_total",
				Help: "HTTP requests made by the update agent labelled by host and status",
			},
			[]string{"host", "status"},
		),
		downloadedBytes: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "update_agent_downloaded_bytes_total",
			Help: "Response body bytes read by the update agent",
		}),
	}
}

func (m *Metrics) StageCycle(outcome string) {
	if m == nil {
		return
	}
	m.stageCycles.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (m *Metrics) ApplyAttempt(outcome string) {
	if m == nil {
		return
	}
	m.applyAttempts.With(prometheus.Labels{"outcome": outcome}).Inc()
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// RoundTripper counts requests by host and status and the body bytes read from responses
func (m *Metrics) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if m == nil {
		return next
	}

	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		labels := prometheus.Labels{
			"host": req.Host,
			// a transport error has no status
			"status": "0",
		}
		if labels["host"] == "" && req.URL != nil {
			labels["host"] = req.URL.Host
		}

		res, err := next.RoundTrip(req)
		if res != nil {
			labels["status"] = strconv.Itoa(res.StatusCode)
			if res.Body != nil {
				res.Body = &countingBody{ReadCloser: res.Body, counter: m.downloadedBytes}
			}
		}

		m.httpRequests.With(labels).Inc()
		return res, err
	})
}

type countingBody struct {
	io.ReadCloser
	counter prometheus.Counter
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.counter.Add(float64(n))
	}
	return n, err
}

// Serve exposes the gatherer on addr under /metrics until ctx is done
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return serve(ctx, listener, gatherer)
}

func serve(ctx context.Context, listener net.Listener, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("failed to shut down metrics server: %v", err)
		}
	}()

	log.Infof("serving metrics on %s/metrics", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
