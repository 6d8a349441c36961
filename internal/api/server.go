package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/auth"
	"github.com/lorawan-server/lorawan-ns-core/internal/config"
	"github.com/lorawan-server/lorawan-ns-core/internal/network"
	"github.com/lorawan-server/lorawan-ns-core/internal/validation"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// Control is the set of operator operations the API exposes
type Control interface {
	ResetCache() network.ControlResult
	CloseConnection(ctx context.Context, devEUI lorawan.EUI64) network.ControlResult
	SendCloudToDevice(ctx context.Context, devEUI lorawan.EUI64, req network.CloudToDeviceRequest) (network.ControlResult, error)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

type claimsKey struct{}

// RESTServer represents the operator REST API server
type RESTServer struct {
	config    *config.Config
	control   Control
	auth      *auth.JWTManager
	validator *validation.Validator
	checks    map[string]HealthCheck
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, control Control, jwtManager *auth.JWTManager) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		control:   control,
		auth:      jwtManager,
		validator: validation.NewValidator(),
		checks:    make(map[string]HealthCheck),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// AddHealthCheck registers a dependency checked by the health endpoint
func (s *RESTServer) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// Handler returns the root handler, used by tests
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	if s.config.API.RequestTimeout > 0 {
		s.router.Use(middleware.Timeout(s.config.API.RequestTimeout))
	}

	origins := s.config.API.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe starts the server and returns nil once it was shut down
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr

	log.Info().Str("addr", addr).Msg("Starting REST API server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || token == "" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			log.Debug().Err(err).Msg("Rejected access token")
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// operator returns the name of the authenticated operator of r
func operator(r *http.Request) string {
	if claims, ok := r.Context().Value(claimsKey{}).(*auth.Claims); ok {
		return claims.Operator
	}
	return ""
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("requestID", middleware.GetReqID(r.Context())).
				Msg("HTTP request")
		}()
		next.ServeHTTP(ww, r)
	})
}
