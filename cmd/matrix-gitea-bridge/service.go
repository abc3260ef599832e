// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/matrix-gitea-bridge/pkg/bridge"
	"github.com/aiku/matrix-gitea-bridge/pkg/config"
	"github.com/aiku/matrix-gitea-bridge/pkg/gitea"
	"github.com/aiku/matrix-gitea-bridge/pkg/sessionstore"
)

const shutdownTimeout = 15 * time.Second

// networkFactory creates the homeserver connection of an enabled bridge.
type networkFactory func(name string, cfg *bridge.BridgeConfig, log zerolog.Logger) (bridge.ChatNetwork, error)

func appserviceFactory(name string, cfg *bridge.BridgeConfig, log zerolog.Logger) (bridge.ChatNetwork, error) {
	return bridge.NewAppserviceNetwork(name, cfg, log)
}

type instance struct {
	router  *bridge.Router
	webhook *gitea.WebhookHandler
}

// service runs every configured bridge instance and the shared webhook
// listener.
type service struct {
	cfg       *config.Config
	log       zerolog.Logger
	instances map[string]*instance
	order     []string

	server *http.Server
}

func newService(cfg *config.Config, store sessionstore.Store, newNetwork networkFactory, log zerolog.Logger) (*service, error) {
	s := &service{
		cfg:       cfg,
		log:       log,
		instances: make(map[string]*instance, len(cfg.Bridges)),
	}
	for _, name := range cfg.Bridges {
		bridgeCfg, err := bridge.LoadConfig(cfg.ConfigsDir, name)
		if err != nil {
			return nil, fmt.Errorf("bridge %s: %w", name, err)
		}
		bridgeLog := log.With().Str("bridge", name).Logger()
		var network bridge.ChatNetwork
		if bridgeCfg.Enabled {
			if network, err = newNetwork(name, bridgeCfg, log); err != nil {
				return nil, fmt.Errorf("bridge %s: %w", name, err)
			}
		}
		// A disabled router never touches its network, so it gets none.
		router := bridge.NewRouter(name, bridgeCfg, network, store, gitea.NewProcessor(bridgeLog), log)
		s.instances[name] = &instance{
			router:  router,
			webhook: gitea.NewWebhookHandler(bridgeCfg.Bridge.Secret, router, bridgeLog),
		}
		s.order = append(s.order, name)
	}
	return s, nil
}

// start brings all bridges up concurrently. Bridges are independent: one
// failing does not stop the others, and the joined startup errors are
// returned for reporting.
func (s *service) start(ctx context.Context) error {
	errs := make([]error, len(s.order))
	var eg errgroup.Group
	for i, name := range s.order {
		router := s.instances[name].router
		eg.Go(func() error {
			if err := router.Start(ctx); err != nil {
				errs[i] = fmt.Errorf("bridge %s: %w", name, err)
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

// running counts the bridges in StateRunning.
func (s *service) running() int {
	var n int
	for _, inst := range s.instances {
		if inst.router.State() == bridge.StateRunning {
			n++
		}
	}
	return n
}

func (s *service) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.log.With().Str("component", "webhook_server").Logger()))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Handled webhook request")
	}))
	r.Post("/bridges/{name}/webhook", s.handleWebhook)
	r.Get("/healthz", s.handleHealth)
	return r
}

func (s *service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instances[chi.URLParam(r, "name")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	inst.webhook.ServeHTTP(w, r)
}

type healthResponse struct {
	Healthy bool                    `json:"healthy"`
	Bridges map[string]bridge.State `json:"bridges"`
}

// handleHealth reports the state of every bridge. It answers 503 when an
// enabled bridge is not running.
func (s *service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Healthy: true, Bridges: make(map[string]bridge.State, len(s.instances))}
	for name, inst := range s.instances {
		state := inst.router.State()
		resp.Bridges[name] = state
		if state != bridge.StateRunning && state != bridge.StateDisabled {
			resp.Healthy = false
		}
	}
	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// serve starts the webhook listener on addr.
func (s *service) serve(ctx context.Context, addr string) (net.Addr, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Err(err).Msg("Webhook listener stopped")
		}
	}()
	s.log.Info().Stringer("addr", ln.Addr()).Msg("Webhook listener started")
	return ln.Addr(), nil
}

// stop closes the webhook listener, then stops every bridge concurrently.
func (s *service) stop(ctx context.Context) error {
	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop webhook listener: %w", err))
		}
	}
	var eg errgroup.Group
	for _, name := range s.order {
		router := s.instances[name].router
		eg.Go(func() error {
			if err := router.Stop(ctx); err != nil {
				return fmt.Errorf("bridge %s: %w", name, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
