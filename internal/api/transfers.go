package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/ledger"
	"github.com/erazemk/custody/internal/model"
	"github.com/erazemk/custody/internal/store"
)

// TransfersHandler handles transfer endpoints.
type TransfersHandler struct {
	DB     *db.DB
	Ledger *ledger.Ledger
}

type createTransferRequest struct {
	ItemID       int64  `json:"item_id"`
	FromHolderID int64  `json:"from_holder_id"`
	ToHolderID   int64  `json:"to_holder_id"`
	Remarks      string `json:"remarks"`
}

// maxListLimit caps GET /api/transfers.
const maxListLimit = 500

// Create handles POST /api/transfers.
func (h *TransfersHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, operator, ok := h.decodeTransfer(w, r)
	if !ok {
		return
	}

	rec, err := h.Ledger.InitiateTransfer(r.Context(), req.ItemID, req.FromHolderID, req.ToHolderID, operator, req.Remarks)
	if err != nil {
		ledgerError(w, err, "initiate transfer")
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("transfer initiated", "user", claims.Username,
		"item", rec.ItemName, "from", rec.FromHolderName, "to", rec.ToHolderName)
	jsonResponse(w, http.StatusCreated, rec)
}

// Check handles POST /api/transfers/check. It answers whether Create would
// accept the same body, without recording anything.
func (h *TransfersHandler) Check(w http.ResponseWriter, r *http.Request) {
	req, _, ok := h.decodeTransfer(w, r)
	if !ok {
		return
	}

	if err := h.Ledger.CanCreateTransfer(r.Context(), req.ItemID, req.FromHolderID, req.ToHolderID); err != nil {
		ledgerError(w, err, "check transfer")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// decodeTransfer reads a transfer request. The sender defaults to the
// operator's holder; only managers may send on behalf of another holder.
func (h *TransfersHandler) decodeTransfer(w http.ResponseWriter, r *http.Request) (createTransferRequest, int64, bool) {
	var req createTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return req, 0, false
	}
	if req.ItemID <= 0 || req.ToHolderID <= 0 {
		jsonError(w, http.StatusBadRequest, "item_id and to_holder_id are required")
		return req, 0, false
	}

	operator, ok := operatorHolder(w, r, h.DB)
	if !ok {
		return req, 0, false
	}
	if req.FromHolderID == 0 {
		req.FromHolderID = operator
	}
	if req.FromHolderID != operator && !model.RoleAtLeast(GetClaims(r.Context()).Role, model.RoleManager) {
		jsonError(w, http.StatusForbidden, "only managers may send on behalf of another holder")
		return req, 0, false
	}
	return req, operator, true
}

// List handles GET /api/transfers.
func (h *TransfersHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.TransferFilter

	for name, dst := range map[string]*int64{"item_id": &f.ItemID, "holder_id": &f.HolderID} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		*dst = id
	}

	if v := q.Get("status"); v != "" {
		status, err := model.ParseLocationStatus(v)
		if err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = status
	}
	f.ActiveOnly, _ = strconv.ParseBool(q.Get("active"))

	f.Limit = maxListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	transfers, err := store.ListTransfers(r.Context(), h.DB, f)
	if err != nil {
		slog.Error("failed to list transfers", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list transfers")
		return
	}
	if transfers == nil {
		transfers = []model.TransferRecord{}
	}
	jsonResponse(w, http.StatusOK, transfers)
}
