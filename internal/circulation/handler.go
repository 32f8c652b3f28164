// internal/circulation/handler.go
package circulation

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"biblioteca/internal/httpx"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the circulation endpoints on r. mutating wraps the write
// endpoints only.
func (h *Handler) Routes(r chi.Router, mutating ...func(http.Handler) http.Handler) {
	r.Get("/books/{id}/availability", h.HandleAvailability)
	r.Get("/reservations", h.HandleListReservations)
	r.Get("/reservations/{id}", h.HandleGetReservation)
	r.Get("/admin/verify", h.HandleVerify)

	w := r.With(mutating...)
	w.Post("/books/{id}/reservations", h.HandleReserve)
	w.Post("/books/{id}/return", h.HandleReturn)
	w.Post("/reservations/{id}/cancel", h.HandleCancel)
	w.Post("/admin/reconcile", h.HandleReconcile)
}

// respondError maps engine errors to status codes.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		httpx.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyReserved),
		errors.Is(err, ErrNoActiveReservation),
		errors.Is(err, ErrNotActive),
		errors.Is(err, ErrNotDue):
		httpx.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrLockTimeout):
		httpx.RespondRetryLater(w, "book is busy, retry shortly")
	default:
		httpx.RespondInternal(w, r, h.logger, err)
	}
}

func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	bookID, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "invalid book ID")
		return
	}

	var req ReserveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.BookID = bookID

	reservation, err := h.service.Reserve(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	httpx.RespondJSON(w, http.StatusCreated, reservation)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	bookID, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "invalid book ID")
		return
	}

	reservation, err := h.service.Return(r.Context(), bookID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, reservation)
}

func (h *Handler) HandleAvailability(w http.ResponseWriter, r *http.Request) {
	bookID, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "invalid book ID")
		return
	}

	availability, err := h.service.CheckAvailability(r.Context(), bookID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, availability)
}

func (h *Handler) HandleListReservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter Filter
	if s := q.Get("status"); s != "" {
		status, err := ParseStatus(s)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	filter.BorrowerContact = q.Get("contact")
	if s := q.Get("book_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, "invalid book_id")
			return
		}
		filter.BookID = id
	}

	reservations, err := h.service.ListReservations(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, reservations)
}

func (h *Handler) HandleGetReservation(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "invalid reservation ID")
		return
	}

	reservation, err := h.service.GetReservation(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, reservation)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "invalid reservation ID")
		return
	}

	reservation, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, reservation)
}

func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	violations, err := h.service.Verify(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"consistent": len(violations) == 0,
		"violations": violations,
	})
}

func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	repaired, err := h.service.Reconcile(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]int{"repaired": repaired})
}
