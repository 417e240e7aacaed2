// Package api serves the side-channel request/response API that sits next to
// the streaming connection: pairing, token refresh, state snapshots and
// session actions.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/user/termlink/internal/db"
	"github.com/user/termlink/internal/session"
)

// Sessions is the session service as the API sees it.
type Sessions interface {
	Create(ctx context.Context, req session.CreateRequest) (session.Info, error)
	Kill(ctx context.Context, id string) error
	Resize(id string, cols, rows int)
	Capture(id string) (string, error)
	List() []session.Info
	Snapshot() session.State
}

// Authority issues and validates tokens.
type Authority interface {
	Pair(ctx context.Context, code, label string) (*db.Token, error)
	Refresh(ctx context.Context, token string) (*db.Token, error)
	Validate(ctx context.Context, token string) bool
}

type handler struct {
	sessions Sessions
	auth     Authority
	logger   *slog.Logger
}

func NewRouter(sessions Sessions, authority Authority, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{sessions: sessions, auth: authority, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/pair", h.pair)

	protected := http.NewServeMux()
	protected.HandleFunc("POST /api/token/refresh", h.refreshToken)
	protected.HandleFunc("GET /api/state", h.getState)
	protected.HandleFunc("POST /api/actions", h.executeAction)
	mux.Handle("/api/", authMiddleware(authority)(protected))

	return jsonMiddleware(corsMiddleware(mux))
}

func authMiddleware(authority Authority) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			token := bearerToken(r)
			if token == "" || !authority.Validate(r.Context(), token) {
				jsonError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(withToken(r.Context(), token)))
		})
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

type tokenKey struct{}

func withToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func tokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
