package metrics

import (
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

// Server exposes the /metrics endpoint on its own listener. The cache core
// never depends on it; observability is read-only.
type Server struct {
	address string
	logger  types.Logger
	manager types.MetricsManager
	server  *fasthttp.Server
	running int32
}

func NewServer(logger types.Logger, manager types.MetricsManager, address string) *Server {
	return &Server{
		address: address,
		logger:  logger,
		manager: manager,
	}
}

func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return types.ErrAlreadyRunning
	}

	handler := s.manager.Handler()

	s.server = &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/metrics":
				handler(ctx)
			default:
				ctx.SetStatusCode(fasthttp.StatusNotFound)
			}
		},
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(s.address); err != nil {
			if atomic.LoadInt32(&s.running) == 1 {
				s.logger.Error("Metrics server failed", zap.Error(err))
			}
		}
	}()

	s.logger.Info("Metrics server started", zap.String("address", s.address))
	return nil
}

func (s *Server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return types.ErrNotRunning
	}

	if s.server != nil {
		return s.server.Shutdown()
	}
	return nil
}

func (s *Server) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}
