package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"spikeshield.io/internal/asset"
	"spikeshield.io/internal/obs"
	"spikeshield.io/internal/pool"
)

// handlePoolError maps ledger and asset failures to status codes. The body
// carries the ledger's reason string.
func handlePoolError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pool.ErrNotOracle):
		writeErrorCode(w, r, http.StatusForbidden, "not_oracle", err.Error())
	case errors.Is(err, pool.ErrNotOwner):
		writeErrorCode(w, r, http.StatusForbidden, "not_owner", err.Error())
	case errors.Is(err, pool.ErrInvalidPolicyID):
		writeErrorCode(w, r, http.StatusNotFound, "invalid_policy_id", err.Error())
	case errors.Is(err, pool.ErrPolicyNotActive):
		writeErrorCode(w, r, http.StatusConflict, "policy_not_active", err.Error())
	case errors.Is(err, pool.ErrPolicyExpired):
		writeErrorCode(w, r, http.StatusConflict, "policy_expired", err.Error())
	case errors.Is(err, pool.ErrReentrantCall):
		writeErrorCode(w, r, http.StatusConflict, "reentrant_call", err.Error())
	case errors.Is(err, pool.ErrInsufficientPoolBalance):
		writeErrorCode(w, r, http.StatusPaymentRequired, "insufficient_pool_balance", err.Error())
	case errors.Is(err, asset.ErrInsufficientBalance):
		writeErrorCode(w, r, http.StatusPaymentRequired, "insufficient_balance", err.Error())
	case errors.Is(err, asset.ErrInsufficientAllowance):
		writeErrorCode(w, r, http.StatusPaymentRequired, "insufficient_allowance", err.Error())
	case errors.Is(err, asset.ErrOverflow):
		writeErrorCode(w, r, http.StatusBadRequest, "overflow", err.Error())
	default:
		obs.Component("httpapi").Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("unhandled error")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorCode(w, r, code, statusCode(code), msg)
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

// statusCode turns "Payment Required" into "payment_required".
func statusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ReplaceAll(strings.ToLower(text), " ", "_")
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, errors.New(field + " is required")
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.New(field + " is not a valid address")
	}
	return common.HexToAddress(raw), nil
}
