package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"go.viam.com/ekffusion/fusion"
	"go.viam.com/ekffusion/logging"
)

// SnapshotFunc returns the current estimate for the /state endpoint.
type SnapshotFunc func() fusion.Snapshot

// Server serves the stream, the latest estimate and metrics over HTTP.
type Server struct {
	addr     string
	hub      *Hub
	gatherer prometheus.Gatherer
	snapshot SnapshotFunc
	logger   logging.Logger
}

// NewServer returns a server listening on addr. gatherer and snapshot may be nil, which disables
// /metrics and /state respectively.
func NewServer(addr string, hub *Hub, gatherer prometheus.Gatherer, snapshot SnapshotFunc, logger logging.Logger) *Server {
	return &Server{addr: addr, hub: hub, gatherer: gatherer, snapshot: snapshot, logger: logger}
}

type stateResponse struct {
	Ticks       uint64          `json:"ticks"`
	State       []float64       `json:"state"`
	Covariance  []float64       `json:"covariance"`
	ImuActive   bool            `json:"imu_active"`
	WheelActive bool            `json:"wheel_active"`
	LidarActive bool            `json:"lidar_active"`
	Latest      json.RawMessage `json:"latest,omitempty"`
}

// Handler returns the routes:
//
//	GET /healthz   liveness
//	GET /ws        websocket stream of published estimates
//	GET /latest    last published estimate
//	GET /state     current state, covariance and sensor activation
//	GET /metrics   prometheus metrics
func (s *Server) Handler() http.Handler {
	mux := goji.NewMux()
	mux.HandleFunc(pat.Get("/healthz"), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte("ok"))
		utils.UncheckedError(err)
	})
	mux.Handle(pat.Get("/ws"), s.hub)
	mux.HandleFunc(pat.Get("/latest"), func(w http.ResponseWriter, r *http.Request) {
		latest := s.hub.Latest()
		if latest == nil {
			http.Error(w, "nothing published yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write(latest)
		utils.UncheckedError(err)
	})
	if s.snapshot != nil {
		mux.HandleFunc(pat.Get("/state"), s.serveState)
	}
	if s.gatherer != nil {
		mux.Handle(pat.Get("/metrics"), promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) serveState(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	resp := stateResponse{
		Ticks:       snap.Ticks,
		State:       snap.State.RawVector().Data,
		Covariance:  snap.Covariance.RawMatrix().Data,
		ImuActive:   snap.ImuActive,
		WheelActive: snap.WheelActive,
		LidarActive: snap.LidarActive,
		Latest:      s.hub.Latest(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warnw("cannot write state", "error", err)
	}
}

// ListenAndServe serves until ctx is done, then shuts the server down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %q", s.addr)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Addr:              listener.Addr().String(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Handler:           s.Handler(),
	}

	utils.PanicCapturingGo(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorw("error shutting down", "error", err)
		}
	})

	s.logger.Infow("serving", "url", "http://"+listener.Addr().String())
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
