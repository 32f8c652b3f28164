package query

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"biblioteca/internal/catalog"
	"biblioteca/internal/httpx"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the assistant endpoints on r. mutating wraps the search
// endpoint, which writes to the query log.
func (h *Handler) Routes(r chi.Router, mutating ...func(http.Handler) http.Handler) {
	r.Get("/assistant/books/{id}/suggestions", h.HandleSuggestions)
	r.Get("/assistant/queries", h.HandleQueries)
	r.With(mutating...).Post("/assistant/search", h.HandleSearch)
}

func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	answer, err := h.service.Search(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrEmptyQuery) {
			httpx.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		httpx.RespondInternal(w, r, h.logger, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, answer)
}

func (h *Handler) HandleSuggestions(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "invalid book ID")
		return
	}

	answer, err := h.service.Suggest(r.Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			httpx.RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		httpx.RespondInternal(w, r, h.logger, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, answer)
}

func (h *Handler) HandleQueries(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			httpx.RespondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	queries, err := h.service.Queries(r.Context(), limit)
	if err != nil {
		httpx.RespondInternal(w, r, h.logger, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, queries)
}
