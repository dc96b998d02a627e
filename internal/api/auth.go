package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/toolhunt/toolhunt/internal/apperr"
	"github.com/toolhunt/toolhunt/internal/db/models"
	"github.com/toolhunt/toolhunt/internal/vault"
)

const (
	sessionCookie = "toolhunt_session"
	stateCookie   = "toolhunt_oauth_state"
	sessionTTL    = 7 * 24 * time.Hour
)

type contextKey string

const userKey contextKey = "user"

// handleLogin starts the upstream OAuth code flow.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.oauth.AuthCodeURL(state), http.StatusFound)
}

// handleCallback finishes the flow: verify state, exchange the code, fetch
// the upstream identity, persist the user and credential, set the session.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	stateParam := r.URL.Query().Get("state")
	cookie, err := r.Cookie(stateCookie)
	if err != nil || stateParam == "" || stateParam != cookie.Value {
		s.writeError(w, fmt.Errorf("invalid oauth state: %w", apperr.ErrNotAuthenticated))
		return
	}

	tok, err := s.oauth.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		s.writeError(w, fmt.Errorf("%v: %w", err, apperr.ErrNotAuthenticated))
		return
	}

	info, err := s.client.FetchUser(r.Context(), tok.AccessToken)
	if err != nil {
		s.writeError(w, err)
		return
	}

	user := models.User{
		ID:       info.ID.String(),
		Username: info.Username,
		Email:    info.Email,
	}
	err = s.db.WithContext(r.Context()).
		Where("id = ?", user.ID).
		Assign(map[string]any{"username": user.Username, "email": user.Email}).
		FirstOrCreate(&user).Error
	if err != nil {
		s.writeError(w, fmt.Errorf("upsert user: %w", err))
		return
	}

	err = s.vault.Store(r.Context(), user.ID, vault.Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	session, err := s.signSession(user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session,
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
	})
}

func (s *Server) signSession(userID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
	})
	return token.SignedString([]byte(s.cfg.SessionSecret))
}

// requireUser resolves the session cookie to a user row and stores it on the
// request context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			s.writeError(w, apperr.ErrNotAuthenticated)
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err = jwt.ParseWithClaims(cookie.Value, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.SessionSecret), nil
		})
		if err != nil || claims.Subject == "" {
			s.writeError(w, fmt.Errorf("invalid session: %w", apperr.ErrNotAuthenticated))
			return
		}

		var user models.User
		if err := s.db.WithContext(r.Context()).First(&user, "id = ?", claims.Subject).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				s.writeError(w, apperr.ErrNotAuthenticated)
				return
			}
			s.writeError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, &user)))
	})
}

func currentUser(ctx context.Context) *models.User {
	user, _ := ctx.Value(userKey).(*models.User)
	return user
}
