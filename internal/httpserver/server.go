package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/EchoPBX/agentweb-bridge/internal/config"
	"github.com/EchoPBX/agentweb-bridge/internal/hostview"
	"github.com/EchoPBX/agentweb-bridge/internal/jwt"
	"github.com/EchoPBX/agentweb-bridge/internal/launcher"
	"github.com/EchoPBX/agentweb-bridge/internal/permission"
	"github.com/EchoPBX/agentweb-bridge/pkg/sdk"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/invopop/jsonschema"
	"go.uber.org/zap"
)

type Server struct {
	log *zap.Logger
	bus sdk.Bus
	r   *chi.Mux
	up  websocket.Upgrader

	mu   sync.RWMutex
	cfg  *config.Config
	deps hostview.Deps
	jwt  *jwt.Validator
}

// New builds the router. d carries what every bridge session shares; its
// Cfg, Log and Bus are filled from the other arguments.
func New(cfg *config.Config, log *zap.Logger, bus sdk.Bus, d hostview.Deps) *Server {
	d.Cfg, d.Log, d.Bus = cfg, log.Named("hostview"), bus
	if d.Registry == nil {
		d.Registry = hostview.NewRegistry()
	}
	if d.Resolver == nil {
		d.Resolver = &launcher.Resolver{DefaultURL: cfg.Launcher.DefaultURL, DefaultToken: cfg.Launcher.DefaultToken, Log: log}
	}
	v, err := jwt.NewValidator(cfg.Auth.JWTPublicKeys, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		log.Warn("jwt keys not loaded, auth disabled", zap.Error(err))
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	s := &Server{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		r:    r,
		deps: d,
		jwt:  v,
		up:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.routes()
	return s
}

func (s *Server) Router() http.Handler { return s.r }

func (s *Server) Sessions() *hostview.Registry { return s.deps.Registry }

// Reload swaps the configuration for sessions opened from now on.
func (s *Server) Reload(cfg *config.Config) {
	policy, err := permission.ParsePolicy(cfg.Permissions.Policy)
	if err != nil {
		s.log.Warn("reload: keeping permission policy", zap.Error(err))
	}
	v, err := jwt.NewValidator(cfg.Auth.JWTPublicKeys, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		s.log.Warn("reload: keeping jwt keys", zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.deps.Cfg = cfg
	if policy != nil {
		s.deps.Policy = policy
	}
	if v != nil {
		s.jwt = v
	}
	resolver := *s.deps.Resolver
	resolver.DefaultURL = cfg.Launcher.DefaultURL
	resolver.DefaultToken = cfg.Launcher.DefaultToken
	s.deps.Resolver = &resolver
}

func (s *Server) snapshot() (*config.Config, hostview.Deps, *jwt.Validator) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.deps, s.jwt
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.deps.Metrics != nil {
		s.r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	s.r.Get("/v1/info", s.auth(func(w http.ResponseWriter, r *http.Request) {
		cfg, d, _ := s.snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"name":       "agentweb-bridge",
			"time":       time.Now().UTC(),
			"objectName": cfg.Bridge.ObjectName,
			"receiver":   cfg.Bridge.Receiver,
			"sessions":   d.Registry.Len(),
		})
	}))

	s.r.Get("/v1/schema/envelope", func(w http.ResponseWriter, r *http.Request) {
		rf := &jsonschema.Reflector{ExpandedStruct: true}
		writeJSON(w, http.StatusOK, rf.Reflect(&sdk.Envelope{}))
	})

	s.r.Post("/v1/launch", s.launch)

	s.r.Get("/v1/sessions", s.auth(s.sessions))

	s.r.Route("/v1/grants", func(r chi.Router) {
		r.Get("/", s.auth(s.listGrants))
		r.Delete("/{capability}", s.auth(s.revokeGrant))
	})

	s.r.Get("/v1/bridge", s.bridge)

	s.r.Get("/v1/events", s.auth(s.events))
}

func (s *Server) launch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	_, d, _ := s.snapshot()
	writeJSON(w, http.StatusOK, d.Resolver.Resolve(r.Context(), req.URL, req.Token))
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	_, d, _ := s.snapshot()
	type entry struct {
		ID     string `json:"id"`
		Status any    `json:"status,omitempty"`
	}
	out := []entry{}
	for _, sess := range d.Registry.List() {
		e := entry{ID: sess.ID()}
		if st, err := sess.Status(r.Context()); err == nil {
			e.Status = st
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listGrants(w http.ResponseWriter, r *http.Request) {
	_, d, _ := s.snapshot()
	if d.Store == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	grants, err := d.Store.List(r.Context())
	if err != nil {
		s.log.Warn("list grants", zap.Error(err))
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

func (s *Server) revokeGrant(w http.ResponseWriter, r *http.Request) {
	c := permission.Capability(chi.URLParam(r, "capability"))
	if !c.Valid() {
		http.Error(w, "unknown capability", http.StatusNotFound)
		return
	}
	_, d, _ := s.snapshot()
	if d.Store == nil {
		http.Error(w, "no store", http.StatusServiceUnavailable)
		return
	}
	if err := d.Store.Revoke(r.Context(), c); err != nil {
		s.log.Warn("revoke grant", zap.Error(err))
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// bridge upgrades a webview shell and runs its session until it goes away.
func (s *Server) bridge(w http.ResponseWriter, r *http.Request) {
	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	_, d, _ := s.snapshot()
	q := r.URL.Query()
	hostview.Serve(r.Context(), conn, hostview.Launch{URL: q.Get("url"), Token: q.Get("token")}, d)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	ch := s.bus.Subscribe()

	go func() {
		defer func() {
			s.bus.Unsubscribe(ch)
			_ = conn.Close()
		}()
		for ev := range ch {
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("ws write error", zap.Error(err))
				return
			}
		}
	}()

	// Reads only to notice the client leaving.
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.bus.Unsubscribe(ch)
			return
		}
	}
}

// auth is a no-op when no verification keys are configured. Browsers cannot
// set headers on a WebSocket handshake, so access_token is also accepted.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _, v := s.snapshot()
		if !v.Enabled() {
			next(w, r)
			return
		}
		tok := r.Header.Get("Authorization")
		if tok == "" {
			tok = r.URL.Query().Get("access_token")
		}
		if tok == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		tok = strings.TrimPrefix(tok, "Bearer ")
		if _, err := v.Verify(tok); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
