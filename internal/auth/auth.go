// Package auth resolves the user behind each request to the operation log
// service, either from an OIDC session cookie or from a fixed development
// user.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"drawsync/internal/config"
)

type contextKey string

const (
	userIDContextKey contextKey = "auth.user_id"

	CallbackPath = "/auth/callback"
	LogoutPath   = "/auth/logout"
)

type Opt func(*Manager)

func WithLogger(logger *zap.Logger) Opt {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithPublicPaths lists paths served without a session, e.g. health and
// metrics endpoints.
func WithPublicPaths(paths ...string) Opt {
	return func(m *Manager) {
		for _, p := range paths {
			m.public[p] = struct{}{}
		}
	}
}

type Manager struct {
	oidcConfig    *baseliboidc.OidcConfiguration
	sessionStore  *sessions.CookieStore
	cookieOptions *sessions.Options
	fallbackURL   string
	public        map[string]struct{}
	logger        *zap.Logger
}

func NewManager(cfg config.OIDC, opts ...Opt) (*Manager, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, errors.New("oidc issuer, client id, and redirect url are required")
	}
	masterKey, err := parseSessionKey(cfg.SessionKey)
	if err != nil {
		return nil, err
	}
	hashKey, blockKey := deriveCookieKeys(masterKey)
	store := sessions.NewCookieStore(hashKey, blockKey)
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 30 * 24 * time.Hour
	}
	options := &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	store.Options = options
	store.MaxAge(options.MaxAge)

	m := &Manager{
		oidcConfig:    baseliboidc.CreateOidcConfiguration(cfg.IssuerURL, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL),
		sessionStore:  store,
		cookieOptions: options,
		fallbackURL:   "/",
		public:        map[string]struct{}{CallbackPath: {}},
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Handler mounts the login callback and logout routes on mux and returns mux
// wrapped so that every non-public request carries a session user.
func (m *Manager) Handler(mux *http.ServeMux) http.Handler {
	mux.Handle(CallbackPath, m.callbackHandler())
	mux.HandleFunc(LogoutPath, m.handleLogout)
	skipper := func(r *http.Request) bool {
		_, ok := m.public[r.URL.Path]
		return ok
	}
	authenticated := m.oidcConfig.CreateOidcAuthenticationMiddleware(m.isAuthenticated, skipper)(mux)
	return m.withUser(authenticated)
}

func (m *Manager) callbackHandler() http.Handler {
	delegate := baseliboidc.CreateSTDSessionBasedOidcDelegate(m.handleIDToken, m.fallbackURL)
	return m.oidcConfig.CreateOidcCallbackHandler(delegate)
}

func (m *Manager) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err == nil {
		session.Options = cloneOptions(m.cookieOptions)
		session.Options.MaxAge = -1
		_ = session.Save(r, w)
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (m *Manager) withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID, ok := m.userIDFromSession(r); ok {
			r = r.WithContext(ContextWithUserID(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Manager) isAuthenticated(r *http.Request) bool {
	_, ok := m.userIDFromSession(r)
	return ok
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	value := ctx.Value(userIDContextKey)
	userID, ok := value.(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// DevUserMiddleware runs every request as userID. It stands in for OIDC when
// no issuer is configured.
func DevUserMiddleware(userID string) func(http.Handler) http.Handler {
	if userID == "" {
		userID = "dev-user"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := ContextWithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m *Manager) handleIDToken(w http.ResponseWriter, r *http.Request, idToken *oidc.IDToken) error {
	var claims struct {
		Subject string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return err
	}
	if claims.Subject == "" {
		return errors.New("id token missing sub claim")
	}
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return err
	}
	session.Options = cloneOptions(m.cookieOptions)
	session.Values["user_id"] = claims.Subject
	m.logger.Info("user logged in", zap.String("user_id", claims.Subject))
	return session.Save(r, w)
}

func (m *Manager) userIDFromSession(r *http.Request) (string, bool) {
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return "", false
	}
	value, ok := session.Values["user_id"]
	if !ok {
		return "", false
	}
	userID, ok := value.(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

// parseSessionKey accepts base64 or raw keys of at least 32 bytes. An empty
// key yields a random one, so sessions do not survive a restart.
func parseSessionKey(raw string) ([]byte, error) {
	if raw == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	trimmed := strings.TrimSpace(raw)
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		if len(decoded) < 32 {
			return nil, errors.New("session key must decode to at least 32 bytes")
		}
		return decoded, nil
	}
	if len(trimmed) < 32 {
		return nil, errors.New("session key must be at least 32 characters or base64")
	}
	return []byte(trimmed), nil
}

func deriveCookieKeys(masterKey []byte) ([]byte, []byte) {
	hashKey := hmacSHA256(masterKey, []byte("auth"))
	blockKey := hmacSHA256(masterKey, []byte("enc"))
	return hashKey, blockKey
}

func hmacSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func cloneOptions(opts *sessions.Options) *sessions.Options {
	if opts == nil {
		return &sessions.Options{}
	}
	copy := *opts
	return &copy
}
