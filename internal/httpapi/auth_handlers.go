package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"spikeshield.io/internal/audit"
	"spikeshield.io/internal/auth"
)

type challengeRequest struct {
	Address string `json:"address"`
}

type challengeResponse struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

type tokenRequest struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthChallenge hands out the message the wallet has to sign.
func (a *API) handleAuthChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req challengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	msg, exp := a.challenges.Issue(addr)
	writeJSON(w, http.StatusOK, challengeResponse{Message: msg, ExpiresAt: exp})
}

// handleAuthToken exchanges a signed challenge for a bearer token. With dev
// tokens enabled the signature may be omitted.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	method := "signature"
	switch {
	case strings.TrimSpace(req.Signature) == "" && a.opts.DevTokens:
		method = "dev"
	case strings.TrimSpace(req.Signature) == "":
		writeError(w, r, http.StatusBadRequest, "signature is required")
		return
	default:
		if err := auth.VerifySignature(addr, req.Message, req.Signature); err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		if err := a.challenges.Consume(addr, req.Message); err != nil {
			if errors.Is(err, auth.ErrUnknownChallenge) {
				unauthorized(w, r, err.Error())
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
	}

	token, expiresAt, err := auth.GenerateToken(addr, a.opts.TokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	ctx := auth.ContextWithAddress(r.Context(), addr)
	_ = audit.LogEvent(ctx, "auth.token.issued", map[string]any{
		"method":     method,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		Address:   addr.Hex(),
		ExpiresAt: expiresAt,
	})
}
