package handler

import (
	"encoding/json"
	"net/http"

	"github.com/credstack/credd/internal/http/middleware"
	"github.com/credstack/credd/internal/http/response"
	"github.com/credstack/credd/internal/observability"
	"github.com/credstack/credd/internal/service"
)

type AuthHandler struct {
	auth     service.Authenticator
	verifier service.Verifier
}

func NewAuthHandler(auth service.Authenticator, verifier service.Verifier) *AuthHandler {
	return &AuthHandler{auth: auth, verifier: verifier}
}

type registerRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := h.auth.Register(r.Context(), service.RegisterInput{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	observability.Audit(r, "auth.register", "user_id", user.ID)
	response.JSON(w, r, http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.auth.Login(r.Context(), req.Email, req.Password, r.UserAgent(), clientIP(r))
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	observability.Audit(r, "auth.login", "user_id", res.User.ID)
	response.JSON(w, r, http.StatusOK, res)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.auth.Refresh(r.Context(), req.RefreshToken, r.UserAgent(), clientIP(r))
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		response.FromError(w, r, err)
		return
	}
	observability.Audit(r, "auth.logout")
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if err := h.verifier.VerifyEmail(r.Context(), token); err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "verified"})
}

type emailRequest struct {
	Email string `json:"email"`
}

func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.verifier.ForgotPassword(r.Context(), req.Email); err != nil {
		response.FromError(w, r, err)
		return
	}
	// Always the same answer, whether or not the address is known.
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.verifier.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		response.FromError(w, r, err)
		return
	}
	observability.Audit(r, "auth.password_reset")
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "password_reset"})
}

func (h *AuthHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.verifier.SendOTP(r.Context(), req.Email); err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.verifier.VerifyOTP(r.Context(), req.Email, req.Code); err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "verified"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity", nil)
		return
	}
	var req changePasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.auth.ChangePassword(r.Context(), identity.ID, req.CurrentPassword, req.NewPassword); err != nil {
		response.FromError(w, r, err)
		return
	}
	observability.Audit(r, "auth.password_change", "user_id", identity.ID)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "password_changed"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION", "malformed request body", nil)
		return false
	}
	return true
}
