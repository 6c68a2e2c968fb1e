package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dalid/internal/api"
	"github.com/dokzlo13/dalid/internal/config"
)

// APIService serves the REST API, including /health and /ready.
type APIService struct {
	cfg    *config.Config
	router *api.Router
	server *http.Server
}

// NewAPIService creates a new APIService.
func NewAPIService(cfg *config.Config, coord api.Coordinator, disp api.Dispatcher, history api.History) *APIService {
	return &APIService{
		cfg:    cfg,
		router: api.NewRouter(coord, disp, history, cfg.API.CORSOrigins),
	}
}

// Start begins the API server if enabled.
func (s *APIService) Start(ctx context.Context, onFatalError func(error)) {
	if !s.cfg.API.Enabled {
		log.Info().Msg("REST API disabled")
		return
	}

	s.server = &http.Server{
		Addr:    s.cfg.API.Addr(),
		Handler: s.router.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("Starting API server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server error")
			if onFatalError != nil {
				onFatalError(err)
			}
		}
	}()
}
