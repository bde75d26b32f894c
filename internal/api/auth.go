package api

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/erazemk/custody/internal/auth"
	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/ledger"
	"github.com/erazemk/custody/internal/model"
	"github.com/erazemk/custody/internal/store"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	DB     *db.DB
	Ledger *ledger.Ledger
	Tokens *auth.Tokens
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// session describes who an operator acts as. Holder is nil for accounts
// that may administer but not take custody.
type session struct {
	Token  string        `json:"token,omitempty"`
	User   *model.User   `json:"user"`
	Holder *model.Holder `json:"holder,omitempty"`
}

// loginResponse is the body of a successful login.
type loginResponse = session

type profile struct {
	session
	Holding []model.Location `json:"holding"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// newSession resolves the holder an account is linked to.
func newSession(ctx context.Context, q db.Querier, user *model.User) (*session, error) {
	s := &session{User: user}
	if user.HolderID == nil {
		return s, nil
	}
	h, err := store.GetHolder(ctx, q, *user.HolderID)
	if err != nil {
		return nil, err
	}
	if h != nil && h.DeletedAt == nil {
		s.Holder = h
	}
	return s, nil
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil || req.Username == "" || req.Password == "" {
		jsonError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := store.GetUserByUsername(r.Context(), h.DB, req.Username)
	if err != nil {
		slog.Error("failed to look up user", "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil || !passwordMatches(user, req.Password) {
		slog.Warn("login failed", "username", req.Username, "remote", r.RemoteAddr)
		jsonError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s, err := newSession(r.Context(), h.DB, user)
	if err != nil {
		slog.Error("failed to resolve holder", "user", user.Username, "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if s.Token, err = h.Tokens.Issue(user); err != nil {
		slog.Error("failed to issue token", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	slog.Info("user logged in", "user", user.Username, "role", user.Role, "linked", s.Holder != nil)
	jsonResponse(w, http.StatusOK, s)
}

// Me handles GET /api/auth/me: the account, its holder and what that holder
// currently has in custody.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.DB)
	if !ok {
		return
	}
	s, err := newSession(r.Context(), h.DB, user)
	if err != nil {
		slog.Error("failed to resolve holder", "user", user.Username, "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}

	p := profile{session: *s, Holding: []model.Location{}}
	if s.Holder != nil {
		locs, err := h.Ledger.HeldBy(r.Context(), s.Holder.ID)
		if err != nil {
			ledgerError(w, err, "list custody")
			return
		}
		if locs != nil {
			p.Holding = locs
		}
	}
	jsonResponse(w, http.StatusOK, p)
}

// Logout handles POST /api/auth/logout. The presented token stays revoked
// until it would have expired anyway.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	if claims == nil {
		jsonError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	if err := store.RevokeToken(r.Context(), h.DB, claims.ID, claims.ExpiresAt.Time); err != nil {
		slog.Error("failed to revoke token", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to log out")
		return
	}

	slog.Info("user logged out", "user", claims.Username)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// ChangePassword handles PUT /api/auth/password.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil || req.CurrentPassword == "" {
		jsonError(w, http.StatusBadRequest, "current and new password required")
		return
	}
	if err := model.ValidatePassword(req.NewPassword); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, ok := currentUser(w, r, h.DB)
	if !ok {
		return
	}
	if !passwordMatches(user, req.CurrentPassword) {
		jsonError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	if err := store.UpdateUserPassword(r.Context(), h.DB, user.ID, string(hash)); err != nil {
		slog.Error("failed to update password", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to update password")
		return
	}

	slog.Info("user changed own password", "user", user.Username)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "password updated"})
}

func passwordMatches(user *model.User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}
