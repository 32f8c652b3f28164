// internal/catalog/handler.go
package catalog

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"biblioteca/internal/httpx"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the catalog endpoints on r. mutating wraps the write
// endpoints only.
func (h *Handler) Routes(r chi.Router, mutating ...func(http.Handler) http.Handler) {
	r.Get("/books", h.HandleListBooks)
	r.Get("/books/{id}", h.HandleGetBook)
	r.Get("/categories", h.HandleCategories)

	w := r.With(mutating...)
	w.Post("/books", h.HandleAddBooks)
	w.Post("/categories", h.HandleAddCategory)
}

// ParseFilter reads a book Filter from the query string.
func ParseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()

	available, err := httpx.OptionalBool(q.Get("available"))
	if err != nil {
		return Filter{}, err
	}
	from, err := httpx.OptionalDate(q.Get("published_from"))
	if err != nil {
		return Filter{}, err
	}
	to, err := httpx.OptionalDate(q.Get("published_to"))
	if err != nil {
		return Filter{}, err
	}

	return Filter{
		Text:          q.Get("q"),
		Category:      q.Get("category"),
		Available:     available,
		PublishedFrom: from,
		PublishedTo:   to,
	}, nil
}

func (h *Handler) HandleListBooks(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	books, err := h.service.ListBooks(r.Context(), filter)
	if err != nil {
		httpx.RespondInternal(w, r, h.logger, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, books)
}

func (h *Handler) HandleAddBooks(w http.ResponseWriter, r *http.Request) {
	input, many, err := httpx.DecodeOneOrMany[NewBook](r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	books, err := h.service.AddBooks(r.Context(), input)
	if err != nil {
		if errors.Is(err, ErrInvalidBook) {
			httpx.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		httpx.RespondInternal(w, r, h.logger, err)
		return
	}

	if many {
		httpx.RespondJSON(w, http.StatusCreated, books)
		return
	}
	httpx.RespondJSON(w, http.StatusCreated, books[0])
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "invalid book ID")
		return
	}

	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		httpx.RespondInternal(w, r, h.logger, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, book)
}

func (h *Handler) HandleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.service.Categories(r.Context())
	if err != nil {
		httpx.RespondInternal(w, r, h.logger, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, categories)
}

func (h *Handler) HandleAddCategory(w http.ResponseWriter, r *http.Request) {
	var req Category
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	category, err := h.service.AddCategory(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidBook) {
			httpx.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		httpx.RespondInternal(w, r, h.logger, err)
		return
	}

	httpx.RespondJSON(w, http.StatusCreated, category)
}
