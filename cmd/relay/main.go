package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.uber.org/fx"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/config"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/relay"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("load .env")
	}
	cfg, err := config.LoadRelay(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("bad relay configuration")
	}
	if err := config.SetupLogging(cfg.Logging, os.Stderr); err != nil {
		log.Fatal().Err(err).Msg("bad logging configuration")
	}

	fx.New(
		fx.Supply(cfg),
		fx.Provide(
			newDirectory,
			newRelay,
			newRouter,
			newHTTPServer,
		),
		fx.Invoke(registerLifecycle),
		fx.NopLogger,
	).Run()
}

func newDirectory() *relay.Directory { return relay.NewDirectory(relay.DefaultCapacity) }

func newRelay(cfg config.Relay, dir *relay.Directory) *relay.Server {
	return relay.NewServer(dir, relay.Options{
		AllowOrigins:     cfg.AllowOrigins,
		RoomListInterval: cfg.RoomListInterval,
	})
}

func newRouter(cfg config.Relay, s *relay.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors(cfg.AllowOrigins))

	r.Get("/ws", s.ServeWS)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Registry(), promhttp.HandlerOpts{}))
	return r
}

func newHTTPServer(cfg config.Relay, h http.Handler) *http.Server {
	return &http.Server{Addr: ":" + cfg.Port, Handler: h}
}

func registerLifecycle(lc fx.Lifecycle, srv *http.Server, s *relay.Server) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Str("component", "relay").Err(err).Msg("http server stopped")
				}
			}()
			go func() { _ = s.Run(runCtx) }()
			log.Info().Str("component", "relay").Str("addr", srv.Addr).Msg("relay listening")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			if err := s.Close(); err != nil {
				log.Debug().Str("component", "relay").Err(err).Msg("close client sockets")
			}
			return srv.Shutdown(ctx)
		},
	})
}

func cors(allow []string) func(http.Handler) http.Handler {
	allowSet := map[string]struct{}{}
	for _, a := range allow {
		if a != "" {
			allowSet[a] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				if _, ok := allowSet[origin]; ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
