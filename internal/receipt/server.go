package receipt

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// OwnerHeader carries the owner ID when basic auth is not configured.
const OwnerHeader = "X-Owner-ID"

// BasicAuth holds basic authentication credentials for one user
type BasicAuth struct {
	Username string
	Password string
}

// ServerConfig configures authentication and upload limits
type ServerConfig struct {
	// Users enables basic auth. The username becomes the owner ID.
	Users []BasicAuth

	// UploadRate is the per-owner upload rate in requests per second. Zero disables limiting.
	UploadRate  float64
	UploadBurst int
}

// ParseAuthUsers parses "user:pass,user2:pass2"
func ParseAuthUsers(s string) ([]BasicAuth, error) {
	var users []BasicAuth
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		username, password, ok := strings.Cut(pair, ":")
		if !ok || username == "" {
			return nil, fmt.Errorf("invalid auth user %q, expected user:pass", pair)
		}
		users = append(users, BasicAuth{Username: username, Password: password})
	}
	return users, nil
}

// Server handles HTTP requests for jobs and receipts
type Server struct {
	service *Service
	users   map[string]string
	limiter *ownerLimiter
	mux     *http.ServeMux
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, cfg ServerConfig) *Server {
	return NewServerWithMux(service, cfg, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, cfg ServerConfig, mux *http.ServeMux) *Server {
	users := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u.Password
	}
	s := &Server{
		service: service,
		users:   users,
		limiter: newOwnerLimiter(cfg.UploadRate, cfg.UploadBurst),
		mux:     mux,
	}
	s.registerRoutes()
	return s
}

// authenticate resolves the request's owner from basic auth, or from the
// owner header when no users are configured
func (s *Server) authenticate(r *http.Request) (string, bool) {
	if len(s.users) == 0 {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		return owner, owner != ""
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		return "", false
	}
	expected, known := s.users[username]
	if !known || subtle.ConstantTimeCompare([]byte(password), []byte(expected)) != 1 {
		return "", false
	}
	return username, true
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, owner string)

// requireAuth resolves the owner or rejects the request
func (s *Server) requireAuth(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := s.authenticate(r)
		if !ok {
			if len(s.users) > 0 {
				w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Intake"`)
			}
			jsonError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, owner)
	}
}

// rateLimited applies the per-owner upload limit
func (s *Server) rateLimited(next ownerHandler) ownerHandler {
	return func(w http.ResponseWriter, r *http.Request, owner string) {
		if !s.limiter.allow(owner) {
			w.Header().Set("Retry-After", "1")
			jsonError(w, "Too many uploads, slow down", http.StatusTooManyRequests)
			return
		}
		next(w, r, owner)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/jobs/{id}/receipt", s.requireAuth(s.handleRecordJob))
	s.mux.HandleFunc("GET /api/jobs/{id}", s.requireAuth(s.handleGetJob))
	s.mux.HandleFunc("DELETE /api/jobs/{id}", s.requireAuth(s.handleCancelJob))
	s.mux.HandleFunc("GET /api/jobs", s.requireAuth(s.handleListJobs))
	s.mux.HandleFunc("POST /api/jobs", s.requireAuth(s.rateLimited(s.handleUpload)))

	s.mux.HandleFunc("GET /api/receipts/export", s.requireAuth(s.handleExportReceipts))
	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireAuth(s.handleDeleteReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}
