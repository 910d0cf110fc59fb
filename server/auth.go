package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"videoCaption/core"
	"videoCaption/storage"
)

type ctxKey string

const userIDKey ctxKey = "userID"

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterHandler creates a user account and returns a token for it.
func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if _, err := mail.ParseAddress(creds.Email); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid email", "A valid email address is required")
		return
	}
	if len(creds.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Invalid password", "Password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Registration failed", err.Error())
		return
	}
	user := &core.User{
		ID:           core.NewID(),
		Email:        strings.ToLower(creds.Email),
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.records.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, http.StatusConflict, "Email already registered", creds.Email)
			return
		}
		writeError(w, http.StatusInternalServerError, "Registration failed", err.Error())
		return
	}

	token, err := s.issueToken(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Token generation failed", err.Error())
		return
	}
	s.log.Info().Str("user_id", user.ID).Msg("user registered")
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	user, err := s.records.GetUserByEmail(r.Context(), creds.Email)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials", "Email or password is incorrect")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials", "Email or password is incorrect")
		return
	}

	token, err := s.issueToken(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Token generation failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

// MeHandler returns the authenticated user's profile.
func (s *Server) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.records.GetUser(r.Context(), userID(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unknown user", "Token subject does not exist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

// LogoutHandler exists for client symmetry. Tokens are stateless; the client
// discards its copy.
func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Logout successful",
		"detail":  "Delete the token from client storage",
	})
}

func (s *Server) issueToken(userID string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.cfg.JWTExpiryMinutes) * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

// requireAuth validates the Bearer token and stashes the user ID in the
// request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing token", "Authorization: Bearer <token> header is required")
			return
		}

		token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "Invalid token", "Token is expired or malformed")
			return
		}
		claims := token.Claims.(*jwt.RegisteredClaims)
		if claims.Subject == "" {
			writeError(w, http.StatusUnauthorized, "Invalid token", "Token carries no subject")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, claims.Subject)))
	}
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}
