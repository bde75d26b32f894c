package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/ledger"
	"github.com/erazemk/custody/internal/model"
	"github.com/erazemk/custody/internal/store"
)

// HoldersHandler handles the holders directory.
type HoldersHandler struct {
	DB     *db.DB
	Ledger *ledger.Ledger
}

type holderRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// List handles GET /api/holders.
func (h *HoldersHandler) List(w http.ResponseWriter, r *http.Request) {
	holderType := r.URL.Query().Get("type")
	holders, err := store.ListHolders(r.Context(), h.DB, holderType)
	if err != nil {
		slog.Error("failed to list holders", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list holders")
		return
	}
	if holders == nil {
		holders = []model.Holder{}
	}
	jsonResponse(w, http.StatusOK, holders)
}

// Create handles POST /api/holders.
func (h *HoldersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req holderRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" || req.Type == "" {
		jsonError(w, http.StatusBadRequest, "name and type required")
		return
	}
	if !model.ValidHolderType(req.Type) {
		jsonError(w, http.StatusBadRequest, "type must be person, location, lab, or customer")
		return
	}

	holder, err := store.CreateHolder(r.Context(), h.DB, req.Name, req.Type)
	if err != nil {
		slog.Error("failed to create holder", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to create holder")
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("holder created", "user", claims.Username, "holder", holder.Name, "type", holder.Type)
	jsonResponse(w, http.StatusCreated, holder)
}

// Get handles GET /api/holders/{id}.
func (h *HoldersHandler) Get(w http.ResponseWriter, r *http.Request) {
	holder, ok := h.load(w, r)
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, holder)
}

// Update handles PUT /api/holders/{id}. Only the name can change.
func (h *HoldersHandler) Update(w http.ResponseWriter, r *http.Request) {
	holder, ok := h.load(w, r)
	if !ok {
		return
	}

	var req holderRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		jsonError(w, http.StatusBadRequest, "name required")
		return
	}
	if holder.Type == model.HolderTypeSystem {
		jsonError(w, http.StatusForbidden, "system holders cannot be changed")
		return
	}

	if err := store.UpdateHolder(r.Context(), h.DB, holder.ID, req.Name); err != nil {
		slog.Error("failed to update holder", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to update holder")
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("holder renamed", "user", claims.Username, "holder_id", holder.ID, "from", holder.Name, "to", req.Name)
	holder.Name = req.Name
	jsonResponse(w, http.StatusOK, holder)
}

// Delete handles DELETE /api/holders/{id}.
func (h *HoldersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	holder, ok := h.load(w, r)
	if !ok {
		return
	}
	if holder.Type == model.HolderTypeSystem {
		jsonError(w, http.StatusForbidden, "system holders cannot be deleted")
		return
	}

	if err := store.DeleteHolder(r.Context(), h.DB, holder.ID); err != nil {
		if errors.Is(err, store.ErrHolderHasCustody) {
			jsonError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("failed to delete holder", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to delete holder")
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("holder deleted", "user", claims.Username, "holder", holder.Name)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "holder deleted"})
}

// Items handles GET /api/holders/{id}/items: everything currently in the
// holder's custody, confirmed or still in transit to it.
func (h *HoldersHandler) Items(w http.ResponseWriter, r *http.Request) {
	holder, ok := h.load(w, r)
	if !ok {
		return
	}

	locs, err := h.Ledger.HeldBy(r.Context(), holder.ID)
	if err != nil {
		ledgerError(w, err, "list holder items")
		return
	}
	if locs == nil {
		locs = []model.Location{}
	}
	jsonResponse(w, http.StatusOK, locs)
}

func (h *HoldersHandler) load(w http.ResponseWriter, r *http.Request) (*model.Holder, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid holder id")
		return nil, false
	}

	holder, err := store.GetHolder(r.Context(), h.DB, id)
	if err != nil {
		slog.Error("failed to get holder", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to get holder")
		return nil, false
	}
	if holder == nil || holder.DeletedAt != nil {
		jsonError(w, http.StatusNotFound, "holder not found")
		return nil, false
	}
	return holder, true
}
