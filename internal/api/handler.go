package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/savaki/itemstack/internal/dao/itemdao"
	apperrors "github.com/savaki/itemstack/internal/errors"
)

// Handler serves the items API
type Handler struct {
	items *itemdao.DAO
}

// DetailResponse is the error shape the service has always produced
type DetailResponse struct {
	Detail string `json:"detail"`
}

// MessageResponse carries the informational responses (welcome, delete)
type MessageResponse struct {
	Message string `json:"message"`
}

// itemInput is the request body for creating or replacing an item
type itemInput struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

// New creates a new Handler instance
func New(items *itemdao.DAO) *Handler {
	return &Handler{items: items}
}

// Routes configures all HTTP routes
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.handleWelcome)
	mux.HandleFunc("GET /items/{$}", h.handleList)
	mux.HandleFunc("POST /items/{$}", h.handleCreate)
	mux.HandleFunc("GET /items/{id}", h.handleGet)
	mux.HandleFunc("PUT /items/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /items/{id}", h.handleDelete)

	return mux
}

func (h *Handler) handleWelcome(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, http.StatusOK, MessageResponse{Message: "Welcome to the Serverless API"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.items.List(r.Context())
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	h.jsonResponse(w, http.StatusOK, items)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	input, ok := h.decodeItem(w, r)
	if !ok {
		return
	}

	item, err := h.items.Insert(r.Context(), itemdao.CreateInput{
		Name:        input.Name,
		Description: input.Description,
	})
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	h.jsonResponse(w, http.StatusCreated, item)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r)
	if !ok {
		h.errorResponse(w, http.StatusNotFound, "Item not found")
		return
	}

	item, err := h.items.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperrors.ErrItemNotFound) {
			h.errorResponse(w, http.StatusNotFound, "Item not found")
			return
		}
		h.serverError(w, r, err)
		return
	}

	h.jsonResponse(w, http.StatusOK, item)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r)
	if !ok {
		h.errorResponse(w, http.StatusNotFound, "Item not found")
		return
	}

	input, ok := h.decodeItem(w, r)
	if !ok {
		return
	}

	item, err := h.items.Update(r.Context(), id, itemdao.UpdateInput{
		Name:        input.Name,
		Description: input.Description,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrItemNotFound) {
			h.errorResponse(w, http.StatusNotFound, "Item not found")
			return
		}
		h.serverError(w, r, err)
		return
	}

	h.jsonResponse(w, http.StatusOK, item)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r)
	if !ok {
		h.errorResponse(w, http.StatusNotFound, "Item not found")
		return
	}

	if err := h.items.Delete(r.Context(), id); err != nil {
		if errors.Is(err, apperrors.ErrItemNotFound) {
			h.errorResponse(w, http.StatusNotFound, "Item not found")
			return
		}
		h.serverError(w, r, err)
		return
	}

	h.jsonResponse(w, http.StatusOK, MessageResponse{Message: "Item deleted successfully"})
}

// decodeItem reads and validates an item request body. On failure the error
// response has already been written.
func (h *Handler) decodeItem(w http.ResponseWriter, r *http.Request) (itemInput, bool) {
	var input itemInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return itemInput{}, false
	}
	if input.Name == "" {
		h.errorResponse(w, http.StatusBadRequest, "Field 'name' is required")
		return itemInput{}, false
	}
	return input, true
}

// itemID parses the {id} path value. An unparseable id names no item.
func itemID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// jsonResponse writes a JSON response
func (h *Handler) jsonResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// errorResponse writes an error JSON response
func (h *Handler) errorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.jsonResponse(w, statusCode, DetailResponse{Detail: message})
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	zerolog.Ctx(r.Context()).Error().Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("Request failed")
	h.errorResponse(w, http.StatusInternalServerError, "Internal server error")
}
