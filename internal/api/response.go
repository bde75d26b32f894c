package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/erazemk/custody/internal/ledger"
	"github.com/erazemk/custody/internal/registry"
)

// jsonResponse writes a JSON response with the given status code.
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("encoding response", "error", err)
		}
	}
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// decodeJSON decodes a JSON request body into the given target.
func decodeJSON(r *http.Request, target any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(target)
}

// pathID parses a numeric URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// ledgerStatus maps a ledger rejection kind to an HTTP status.
func ledgerStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrItemNotFound),
		errors.Is(err, ledger.ErrHolderNotFound),
		errors.Is(err, ledger.ErrNotTracked):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrNotCurrentOwner),
		errors.Is(err, ledger.ErrNotRecipient):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrSelfTransfer),
		errors.Is(err, ledger.ErrInvalidSplit),
		errors.Is(err, registry.ErrInvalidItem):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrTransferPending),
		errors.Is(err, ledger.ErrAlreadyConfirmed),
		errors.Is(err, ledger.ErrNothingToConfirm),
		errors.Is(err, ledger.ErrItemRetired),
		errors.Is(err, ledger.ErrAlreadyTracked),
		errors.Is(err, ledger.ErrConcurrentModification):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// ledgerError writes err as a JSON error. Rejections carry their kind so
// clients can branch on it; anything else is logged and hidden.
func ledgerError(w http.ResponseWriter, err error, action string) {
	status := ledgerStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("failed to "+action, "error", err)
		jsonError(w, status, "failed to "+action)
		return
	}

	kind := ledger.KindName(err)
	if errors.Is(err, registry.ErrInvalidItem) {
		kind = "invalid_item"
	}
	jsonResponse(w, status, map[string]string{
		"error": err.Error(),
		"kind":  kind,
	})
}
