// Package metrics exposes the Prometheus series the Agent and Proxy
// publish over their optional metrics_addr HTTP listener (spec.md §6
// ambient observability stack).
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TunnelsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shroudtun_tunnels_accepted_total",
		Help: "Tunnels that completed authentication successfully",
	})
	TunnelsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shroudtun_tunnels_rejected_total",
		Help: "Tunnels rejected during auth, by AuthResponse status",
	}, []string{"reason"})
	ActiveSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shroudtun_active_sessions",
		Help: "Established sessions currently relaying, by user",
	}, []string{"user"})
	ConnectResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shroudtun_connect_results_total",
		Help: "ConnectResponse outcomes, by status",
	}, []string{"status"})
	BytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shroudtun_bytes_total",
		Help: "Relayed bytes, by user and direction",
	}, []string{"user", "dir"})
	FrameErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shroudtun_frame_errors_total",
		Help: "Fatal tunnel errors, by cause",
	}, []string{"cause"})
	PoolIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shroudtun_pool_idle_tunnels",
		Help: "Agent's idle prewarmed tunnel count",
	})
	PoolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shroudtun_pool_in_use_tunnels",
		Help: "Agent's checked-out tunnel count",
	})
)

func init() {
	prometheus.MustRegister(
		TunnelsAccepted, TunnelsRejected, ActiveSessions,
		ConnectResults, BytesTotal, FrameErrors, PoolIdle, PoolInUse,
	)
}

// Serve starts the /metrics HTTP endpoint and blocks until ctx is
// cancelled or the listener fails. addr == "" disables it entirely
// (callers should not invoke Serve in that case).
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
