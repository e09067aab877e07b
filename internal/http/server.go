package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"whagate/internal/config"
	"whagate/internal/domain"
	"whagate/internal/integrations/telegram"
	"whagate/internal/integrations/webhook"
	"whagate/internal/provider"
	"whagate/internal/session"
	storepkg "whagate/internal/store"
	"whagate/internal/throttle"
)

const bcryptCost = 12

type contextKey string

const contextKeyAccount contextKey = "account"

type Server struct {
	cfg      config.Config
	store    storepkg.Store
	registry *session.Registry
	throttle *throttle.Limiter
	notifier *telegram.Notifier
	webhook  *webhook.Client
	media    MediaFetcher
	log      zerolog.Logger
}

func NewServer(
	cfg config.Config,
	store storepkg.Store,
	registry *session.Registry,
	limiter *throttle.Limiter,
	notifier *telegram.Notifier,
	webhookClient *webhook.Client,
	log zerolog.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		throttle: limiter,
		notifier: notifier,
		webhook:  webhookClient,
		media:    newMediaFetcher(cfg.MediaFetchTimeout, cfg.MediaMaxBytes),
		log:      log.With().Str("component", "http").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Post("/auth/login", s.handleLogin)
	r.Post("/accounts/admins", s.handleRegisterAdmin)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireAuth)
		protected.Get("/auth/me", s.handleMe)

		protected.Get("/accounts", s.handleListAccounts)
		protected.Get("/accounts/pending", s.handlePendingAdmins)
		protected.Post("/accounts", s.handleCreateUser)
		protected.Post("/accounts/super-admins", s.handleRegisterSuperAdmin)
		protected.Get("/accounts/{username}", s.handleGetAccount)
		protected.Post("/accounts/{username}/toggle", s.handleToggleActive)
		protected.Post("/accounts/{username}/token", s.handleRegenerateToken)
		protected.Delete("/accounts/{username}", s.handleDeleteAccount)

		protected.Get("/accounts/{username}/pairing-code", s.handlePairingCode)
		protected.Get("/accounts/{username}/paired", s.handlePaired)
		protected.Post("/accounts/{username}/messages", s.handleSendMessage)
		protected.Post("/accounts/{username}/logout", s.handleLogout)
		protected.Post("/accounts/{username}/reset", s.handleForceReset)

		protected.Get("/events", s.handleListEvents)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	source := clientIP(r)
	if err := s.throttle.Allow(source); err != nil {
		var limited *throttle.RateLimitedError
		if errors.As(err, &limited) {
			seconds := int(limited.RetryAfter.Round(time.Second) / time.Second)
			s.emitEvent(r.Context(), domain.EventLoginThrottled, "", map[string]interface{}{
				"source":              source,
				"retry_after_seconds": seconds,
			})
			_ = s.notifier.Notifyf(r.Context(), "Login throttled for %s, retry in %ds.", source, seconds)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":               limited.Error(),
				"retry_after_seconds": seconds,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "throttle failure")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := s.store.AccountByUsername(req.Username)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.signToken(acct)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
		"type":       "Bearer",
		"account":    acct,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	acct, _ := accountFromContext(r.Context())
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	actor, _ := accountFromContext(r.Context())
	filter := domain.AccountFilter{Role: domain.Role(strings.ToUpper(r.URL.Query().Get("role")))}
	switch actor.Role {
	case domain.RoleSuperAdmin:
	case domain.RoleAdmin:
		filter.CreatedBy = actor.ID
	default:
		writeError(w, http.StatusForbidden, "not allowed to list accounts")
		return
	}
	accounts, err := s.store.ListAccounts(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

func (s *Server) handlePendingAdmins(w http.ResponseWriter, r *http.Request) {
	actor, _ := accountFromContext(r.Context())
	if actor.Role != domain.RoleSuperAdmin {
		writeError(w, http.StatusForbidden, "not allowed")
		return
	}
	accounts, err := s.store.ListAccounts(domain.AccountFilter{Pending: true})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list pending admins")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

type registerRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (req registerRequest) validate() error {
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return errors.New("username, email and password are required")
	}
	return nil
}

func (s *Server) handleRegisterAdmin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Admins register themselves but stay inactive until a super admin
	// approves them.
	acct, err := s.createAccount(req, domain.RoleAdmin, false, "")
	if err != nil {
		s.writeAccountError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleRegisterSuperAdmin(w http.ResponseWriter, r *http.Request) {
	actor, _ := accountFromContext(r.Context())
	if actor.Role != domain.RoleSuperAdmin {
		writeError(w, http.StatusForbidden, "not allowed")
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := s.createAccount(req, domain.RoleSuperAdmin, true, actor.ID)
	if err != nil {
		s.writeAccountError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := accountFromContext(r.Context())
	if actor.Role != domain.RoleSuperAdmin && actor.Role != domain.RoleAdmin {
		writeError(w, http.StatusForbidden, "not allowed")
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := s.createAccount(req, domain.RoleUser, true, actor.ID)
	if err != nil {
		s.writeAccountError(w, err)
		return
	}
	s.emitEvent(r.Context(), domain.EventAccountCreated, acct.ID, map[string]interface{}{
		"username":   acct.Username,
		"role":       acct.Role,
		"created_by": actor.Username,
	})
	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) createAccount(req registerRequest, role domain.Role, active bool, createdBy string) (domain.Account, error) {
	if err := req.validate(); err != nil {
		return domain.Account{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return domain.Account{}, err
	}
	acct := domain.Account{
		Username:     req.Username,
		Email:        req.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		PasswordHash: string(hash),
		Role:         role,
		IsActive:     active,
		CreatedBy:    createdBy,
	}
	if role != domain.RoleUser {
		acct.APIToken = uuid.NewString()
	}
	return s.store.CreateAccount(acct)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	rec, found := s.store.SessionRecord(acct.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": acct,
		"paired":  found && rec.Connected,
	})
}

func (s *Server) handleToggleActive(w http.ResponseWriter, r *http.Request) {
	actor, _ := accountFromContext(r.Context())
	target, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	switch actor.Role {
	case domain.RoleSuperAdmin:
		if target.Role == domain.RoleSuperAdmin {
			writeError(w, http.StatusForbidden, "not allowed to toggle this account")
			return
		}
	case domain.RoleAdmin:
		if target.Role != domain.RoleUser {
			writeError(w, http.StatusForbidden, "not allowed to toggle this account")
			return
		}
	default:
		writeError(w, http.StatusForbidden, "not allowed")
		return
	}
	target.IsActive = !target.IsActive
	if err := s.store.UpdateAccount(target); err != nil {
		s.writeAccountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) handleRegenerateToken(w http.ResponseWriter, r *http.Request) {
	actor, _ := accountFromContext(r.Context())
	if actor.Role != domain.RoleSuperAdmin {
		writeError(w, http.StatusForbidden, "not allowed")
		return
	}
	target, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	if target.Role != domain.RoleAdmin && target.Role != domain.RoleSuperAdmin {
		writeError(w, http.StatusBadRequest, "account does not carry an api token")
		return
	}
	target.APIToken = uuid.NewString()
	if err := s.store.UpdateAccount(target); err != nil {
		s.writeAccountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_token": target.APIToken})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	actor, _ := accountFromContext(r.Context())
	target, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	switch actor.Role {
	case domain.RoleSuperAdmin:
		if target.Role == domain.RoleSuperAdmin {
			writeError(w, http.StatusForbidden, "not allowed to delete a super admin")
			return
		}
	case domain.RoleAdmin:
		if target.Role != domain.RoleUser {
			writeError(w, http.StatusForbidden, "not allowed to delete this account")
			return
		}
	default:
		writeError(w, http.StatusForbidden, "not allowed")
		return
	}

	if sup, found := s.registry.Get(target.ID); found {
		if err := sup.Logout(r.Context()); err != nil {
			s.log.Warn().Err(err).Str("account_id", target.ID).Msg("logout during account delete failed")
		}
		s.registry.Remove(target.ID)
	}
	_ = s.store.DeleteSessionRecord(target.ID)
	if err := s.store.DeleteAccount(target.ID); err != nil {
		s.writeAccountError(w, err)
		return
	}
	s.emitEvent(r.Context(), domain.EventAccountDeleted, target.ID, map[string]interface{}{
		"username":   target.Username,
		"deleted_by": actor.Username,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	if !acct.IsActive {
		writeError(w, http.StatusForbidden, "account is inactive")
		return
	}
	if rec, found := s.store.SessionRecord(acct.ID); found && rec.Connected {
		writeError(w, http.StatusConflict, "account is already paired")
		return
	}
	sup, err := s.registry.GetOrCreate(r.Context(), acct.ID)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	code, present := sup.PairingCode()
	var body interface{}
	if present {
		body = code
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pairing_code": body})
}

func (s *Server) handlePaired(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	rec, found := s.store.SessionRecord(acct.ID)
	paired := found && rec.Connected
	writeJSON(w, http.StatusOK, map[string]bool{
		"paired":        paired,
		"needs_pairing": !paired,
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	if !acct.IsActive {
		writeError(w, http.StatusForbidden, "account is inactive")
		return
	}
	var req struct {
		To        string `json:"to"`
		Text      string `json:"text"`
		MediaURL  string `json:"media_url,omitempty"`
		MediaType string `json:"media_type,omitempty"`
		FileName  string `json:"file_name,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.To) == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "to and text are required")
		return
	}

	// A session must have been paired before: without a connected record the
	// provider send path is never touched.
	rec, found := s.store.SessionRecord(acct.ID)
	if !found || !rec.Connected {
		writeError(w, http.StatusConflict, "no active session for this account")
		return
	}

	sup, err := s.registry.GetOrCreate(r.Context(), acct.ID)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	if !sup.WaitUntilReady(r.Context(), s.cfg.SendReadyTimeout) {
		// The original contract: a session that cannot come up within the
		// wait is torn down so the next attempt starts clean.
		if err := sup.Logout(r.Context()); err != nil {
			s.log.Warn().Err(err).Str("account_id", acct.ID).Msg("logout after ready timeout failed")
		}
		s.registry.Remove(acct.ID)
		writeError(w, http.StatusConflict, "session not ready within wait")
		return
	}

	var attachment *provider.Attachment
	if req.MediaURL != "" {
		att, err := s.media.Fetch(r.Context(), req.MediaURL, req.MediaType, req.FileName)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to fetch media: "+err.Error())
			return
		}
		attachment = att
	}

	if err := sup.Send(r.Context(), req.To, req.Text, attachment, s.cfg.MessageFooter); err != nil {
		s.writeSessionError(w, err)
		return
	}
	event := s.emitEvent(r.Context(), domain.EventMessageSent, acct.ID, map[string]interface{}{
		"to":        req.To,
		"has_media": attachment != nil,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"event_id": event.ID,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	sup, found := s.registry.Get(acct.ID)
	if !found {
		// No live supervisor in this process; reconcile the durable record.
		if rec, exists := s.store.SessionRecord(acct.ID); exists && rec.Connected {
			rec.Connected = false
			rec.Blob = ""
			_ = s.store.UpsertSessionRecord(rec)
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	if err := sup.Logout(r.Context()); err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.registry.Remove(acct.ID)
	event := s.emitEvent(r.Context(), domain.EventSessionLoggedOut, acct.ID, map[string]interface{}{
		"username": acct.Username,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"event_id": event.ID,
	})
}

func (s *Server) handleForceReset(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromPath(w, r)
	if !ok {
		return
	}
	sup, found := s.registry.Get(acct.ID)
	var err error
	if found {
		err = sup.ForceReset(r.Context())
	} else {
		// A fresh supervisor is already a clean slate.
		_, err = s.registry.GetOrCreate(r.Context(), acct.ID)
	}
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	event := s.emitEvent(r.Context(), domain.EventSessionReset, acct.ID, map[string]interface{}{
		"username": acct.Username,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"event_id": event.ID,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	actor, _ := accountFromContext(r.Context())
	if actor.Role != domain.RoleSuperAdmin && actor.Role != domain.RoleAdmin {
		writeError(w, http.StatusForbidden, "not allowed")
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 20)
	events := s.store.ListEvents(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) emitEvent(ctx context.Context, eventType domain.EventType, accountID string, payload map[string]interface{}) domain.Event {
	event := s.store.AppendEvent(eventType, accountID, payload)
	go func(evt domain.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WebhookTimeout+10*time.Second)
		defer cancel()
		if err := s.webhook.Publish(ctx, evt); err != nil {
			s.log.Warn().Err(err).Str("event_id", evt.ID).Msg("webhook publish failed")
		}
	}(event)
	return event
}

func (s *Server) signToken(acct domain.Account) (string, time.Time, error) {
	expiresAt := time.Now().UTC().Add(s.cfg.TokenTTL)
	claims := jwt.MapClaims{
		"sub":  acct.Username,
		"uid":  acct.ID,
		"role": string(acct.Role),
		"exp":  expiresAt.Unix(),
		"iat":  time.Now().UTC().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid claims")
			return
		}
		uid, _ := claims["uid"].(string)
		acct, err := s.store.AccountByID(uid)
		if err != nil || !acct.IsActive {
			writeError(w, http.StatusUnauthorized, "account not found or inactive")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyAccount, acct)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accountFromPath resolves the {username} path parameter, writing a 404 when
// the account does not exist. Unknown accounts never get a supervisor.
func (s *Server) accountFromPath(w http.ResponseWriter, r *http.Request) (domain.Account, bool) {
	username := chi.URLParam(r, "username")
	acct, err := s.store.AccountByUsername(username)
	if err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return domain.Account{}, false
	}
	return acct, true
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotReady):
		writeError(w, http.StatusConflict, "session not ready")
	case errors.Is(err, session.ErrInitializationExhausted):
		writeError(w, http.StatusBadGateway, "session initialization failed after retries")
	case errors.Is(err, session.ErrDeliveryFailed):
		writeError(w, http.StatusBadGateway, "message delivery failed")
	case errors.Is(err, session.ErrLogoutFailed):
		writeError(w, http.StatusBadGateway, "logout failed; retry or force reset")
	case errors.Is(err, storepkg.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeAccountError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storepkg.ErrConflict):
		writeError(w, http.StatusConflict, "username or email already in use")
	case errors.Is(err, storepkg.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func accountFromContext(ctx context.Context) (domain.Account, bool) {
	acct, ok := ctx.Value(contextKeyAccount).(domain.Account)
	return acct, ok
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
