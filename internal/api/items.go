package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/imaging"
	"github.com/erazemk/custody/internal/ledger"
	"github.com/erazemk/custody/internal/model"
	"github.com/erazemk/custody/internal/registry"
	"github.com/erazemk/custody/internal/store"
)

// ItemsHandler handles item registration, custody queries and splits.
type ItemsHandler struct {
	DB       *db.DB
	Ledger   *ledger.Ledger
	Registry *registry.Registry
}

type intakeRequest struct {
	registry.NewItem
	FromHolderID int64  `json:"from_holder_id"`
	ToHolderID   int64  `json:"to_holder_id"`
	Confirmed    bool   `json:"confirmed"`
	Remarks      string `json:"remarks"`
}

type intakeResponse struct {
	Item     *model.Item           `json:"item"`
	Transfer *model.TransferRecord `json:"transfer"`
}

type updateItemRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type splitRequest struct {
	Children []registry.NewItem `json:"children"`
}

type splitResponse struct {
	Children  []model.Item           `json:"children"`
	Transfers []model.TransferRecord `json:"transfers"`
}

type confirmRequest struct {
	HolderID int64 `json:"holder_id"`
}

// List handles GET /api/items.
func (h *ItemsHandler) List(w http.ResponseWriter, r *http.Request) {
	kind := model.ItemKind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		jsonError(w, http.StatusBadRequest, "kind must be parcel or stone")
		return
	}
	includeRetired, _ := strconv.ParseBool(r.URL.Query().Get("retired"))

	items, err := store.ListItems(r.Context(), h.DB, kind, includeRetired)
	if err != nil {
		slog.Error("failed to list items", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	if items == nil {
		items = []model.Item{}
	}
	jsonResponse(w, http.StatusOK, items)
}

// Intake handles POST /api/items. The item is registered and its first
// custody record written together. The sender defaults to the operator's
// holder and the recipient to the sender.
func (h *ItemsHandler) Intake(w http.ResponseWriter, r *http.Request) {
	operator, ok := operatorHolder(w, r, h.DB)
	if !ok {
		return
	}

	var req intakeRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" {
		req.Kind = model.ItemKindParcel
	}
	if req.FromHolderID == 0 {
		req.FromHolderID = operator
	}
	if req.ToHolderID == 0 {
		req.ToHolderID = req.FromHolderID
	}

	var opts []ledger.SeedOption
	if req.Confirmed {
		opts = append(opts, ledger.SeedConfirmed())
	}
	if req.Remarks != "" {
		opts = append(opts, ledger.SeedRemarks(req.Remarks))
	}

	item, rec, err := h.Registry.Intake(r.Context(), req.NewItem, req.FromHolderID, req.ToHolderID, operator, opts...)
	if err != nil {
		ledgerError(w, err, "register item")
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("item intake", "user", claims.Username, "item", item.Name, "item_id", item.ID, "holder", req.ToHolderID)
	jsonResponse(w, http.StatusCreated, intakeResponse{Item: item, Transfer: rec})
}

// Get handles GET /api/items/{id}: the item, where it is, and what it was
// split into.
func (h *ItemsHandler) Get(w http.ResponseWriter, r *http.Request) {
	item, ok := h.load(w, r)
	if !ok {
		return
	}

	var location *model.Location
	if !item.Retired() {
		loc, err := h.Ledger.CurrentLocation(r.Context(), item.ID)
		switch {
		case err == nil:
			location = loc
		case !errors.Is(err, ledger.ErrNotTracked):
			ledgerError(w, err, "get item location")
			return
		}
	}

	children, err := store.ListChildren(r.Context(), h.DB, item.ID)
	if err != nil {
		slog.Error("failed to list child items", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to get item")
		return
	}
	if children == nil {
		children = []model.Item{}
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"item":     item,
		"location": location,
		"children": children,
	})
}

// Update handles PUT /api/items/{id}.
func (h *ItemsHandler) Update(w http.ResponseWriter, r *http.Request) {
	item, ok := h.load(w, r)
	if !ok {
		return
	}

	var req updateItemRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		jsonError(w, http.StatusBadRequest, "name required")
		return
	}

	if err := store.UpdateItem(r.Context(), h.DB, item.ID, req.Name, req.Description); err != nil {
		slog.Error("failed to update item", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to update item")
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("item updated", "user", claims.Username, "item_id", item.ID, "item", req.Name)
	item.Name, item.Description = req.Name, req.Description
	jsonResponse(w, http.StatusOK, item)
}

// Location handles GET /api/items/{id}/location.
func (h *ItemsHandler) Location(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	loc, err := h.Ledger.CurrentLocation(r.Context(), id)
	if err != nil {
		ledgerError(w, err, "get item location")
		return
	}
	jsonResponse(w, http.StatusOK, loc)
}

// History handles GET /api/items/{id}/history.
func (h *ItemsHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	history, err := h.Ledger.History(r.Context(), id)
	if err != nil {
		ledgerError(w, err, "get item history")
		return
	}
	if history == nil {
		history = []model.TransferRecord{}
	}
	jsonResponse(w, http.StatusOK, history)
}

// Confirm handles POST /api/items/{id}/confirm. Operators confirm as their
// own holder; managers may name the receiving holder instead.
func (h *ItemsHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	id, holderID, ok := h.confirmTarget(w, r)
	if !ok {
		return
	}

	rec, err := h.Ledger.ConfirmReceivedBy(r.Context(), id, holderID)
	if err != nil {
		ledgerError(w, err, "confirm receipt")
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("receipt confirmed", "user", claims.Username, "item_id", id, "holder", holderID)
	jsonResponse(w, http.StatusOK, rec)
}

// CheckConfirm handles GET /api/items/{id}/confirm: whether the operator's
// holder could confirm the item now.
func (h *ItemsHandler) CheckConfirm(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	holderID, ok := operatorHolder(w, r, h.DB)
	if !ok {
		return
	}

	if err := h.Ledger.CanConfirmReceived(r.Context(), id, holderID); err != nil {
		ledgerError(w, err, "check confirmation")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// Split handles POST /api/items/{id}/split.
func (h *ItemsHandler) Split(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	operator, ok := operatorHolder(w, r, h.DB)
	if !ok {
		return
	}

	var req splitRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	children, recs, err := h.Registry.Split(r.Context(), id, req.Children, operator)
	if err != nil {
		ledgerError(w, err, "split item")
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("item split", "user", claims.Username, "item_id", id, "children", len(children))
	jsonResponse(w, http.StatusCreated, splitResponse{Children: children, Transfers: recs})
}

// UploadImage handles PUT /api/items/{id}/image.
func (h *ItemsHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	item, ok := h.load(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, imaging.MaxUploadBytes+1<<10)
	if err := r.ParseMultipartForm(imaging.MaxUploadBytes); err != nil {
		jsonError(w, http.StatusBadRequest, "file too large or invalid multipart form")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "image file required")
		return
	}
	defer file.Close()

	photo, err := imaging.Process(file)
	if err != nil {
		switch {
		case errors.Is(err, imaging.ErrTooLarge):
			jsonError(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, imaging.ErrUnsupportedFormat):
			jsonError(w, http.StatusUnsupportedMediaType, err.Error())
		default:
			jsonError(w, http.StatusBadRequest, "invalid image")
		}
		return
	}

	if err := store.SetItemImage(r.Context(), h.DB, item.ID, photo.Data, photo.MIME); err != nil {
		slog.Error("failed to save image", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to save image")
		return
	}

	claims := GetClaims(r.Context())
	slog.Info("item photo uploaded", "user", claims.Username, "item_id", item.ID,
		"width", photo.Width, "height", photo.Height, "bytes", len(photo.Data))
	jsonResponse(w, http.StatusOK, map[string]any{
		"message": "image uploaded",
		"width":   photo.Width,
		"height":  photo.Height,
	})
}

// GetImage handles GET /api/items/{id}/image.
func (h *ItemsHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	data, mime, err := store.GetItemImage(r.Context(), h.DB, id)
	if err != nil {
		slog.Error("failed to get image", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to get image")
		return
	}
	if data == nil {
		jsonError(w, http.StatusNotFound, "no image")
		return
	}

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(data)
}

func (h *ItemsHandler) load(w http.ResponseWriter, r *http.Request) (*model.Item, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return nil, false
	}

	item, err := store.GetItem(r.Context(), h.DB, id)
	if err != nil {
		slog.Error("failed to get item", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to get item")
		return nil, false
	}
	if item == nil {
		jsonError(w, http.StatusNotFound, "item not found")
		return nil, false
	}
	return item, true
}

// confirmTarget resolves the item and the holder confirming it.
func (h *ItemsHandler) confirmTarget(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return 0, 0, false
	}

	var req confirmRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid request body")
			return 0, 0, false
		}
	}

	if req.HolderID != 0 {
		if !model.RoleAtLeast(GetClaims(r.Context()).Role, model.RoleManager) {
			jsonError(w, http.StatusForbidden, "only managers may confirm for another holder")
			return 0, 0, false
		}
		return id, req.HolderID, true
	}

	holderID, ok := operatorHolder(w, r, h.DB)
	return id, holderID, ok
}
