package audit

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/audittrail/pkg/httputil"
)

// Handlers provides the read API over stored events and reviewer notes
type Handlers struct {
	repo Repository
}

// NewHandlers creates new audit handlers
func NewHandlers(repo Repository) *Handlers {
	return &Handlers{
		repo: repo,
	}
}

// RegisterRoutes registers audit routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/events", h.listEvents).Methods("GET")
	router.HandleFunc("/audit/events/{id}", h.getEvent).Methods("GET")
	router.HandleFunc("/audit/events/{id}/note", h.getNote).Methods("GET")
	router.HandleFunc("/audit/events/{id}/note", h.putNote).Methods("PUT")
	router.HandleFunc("/audit/export", h.exportEvents).Methods("GET")
}

// listEvents handles GET /audit/events
func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	filter := h.parseFilter(r)

	events, err := h.repo.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if events == nil {
		events = []*Event{}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// getEvent handles GET /audit/events/{id}
func (h *Handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	event, err := h.repo.Load(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "event not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, event)
}

// getNote handles GET /audit/events/{id}/note
func (h *Handlers) getNote(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	note, err := h.repo.LoadNote(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "note not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, note)
}

type noteRequest struct {
	Body string `json:"body"`
}

// putNote handles PUT /audit/events/{id}/note. The author is the actor in
// the request context.
func (h *Handlers) putNote(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	author := ActorFromContext(r.Context())
	if author == nil {
		httputil.WriteUnauthorized(w, "unauthenticated")
		return
	}

	var req noteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		httputil.WriteBadRequest(w, "note body is required")
		return
	}

	note := &Note{
		EventID:    id,
		AuthorID:   author.ID,
		AuthorName: author.Name,
		AuthorRole: author.Role,
		Body:       req.Body,
		IP:         author.IP,
	}
	err := h.repo.SaveNote(r.Context(), note)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "event not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, note)
}

// exportEvents handles GET /audit/export
func (h *Handlers) exportEvents(w http.ResponseWriter, r *http.Request) {
	filter := h.parseFilter(r)
	filter.Limit = httputil.QueryInt(r, "limit", 0)

	format := ExportFormat(httputil.QueryString(r, "format", string(ExportFormatJSON)))

	events, err := h.repo.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	data, err := Export(events, format)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	switch format {
	case ExportFormatCSV:
		httputil.WriteAttachment(w, "audit-events.csv", "text/csv", data)
	case ExportFormatNDJSON:
		httputil.WriteAttachment(w, "audit-events.ndjson", "application/x-ndjson", data)
	default:
		httputil.WriteAttachment(w, "audit-events.json", "application/json", data)
	}
}

// parseFilter parses search filter from query parameters. Malformed values
// are ignored.
func (h *Handlers) parseFilter(r *http.Request) SearchFilter {
	filter := SearchFilter{
		StartTime:       httputil.QueryTime(r, "start_time"),
		EndTime:         httputil.QueryTime(r, "end_time"),
		ActorID:         httputil.QueryInt64(r, "actor_id"),
		ActorName:       r.URL.Query().Get("actor_name"),
		Classifications: httputil.QueryList(r, "classification"),
		SubjectID:       r.URL.Query().Get("subject_id"),
		Limit:           httputil.QueryInt(r, "limit", 100),
		Offset:          httputil.QueryInt(r, "offset", 0),
		SortOrder:       httputil.QueryString(r, "sort_order", "desc"),
	}

	if kind, err := ParseSubjectKind(r.URL.Query().Get("subject_kind")); err == nil {
		filter.SubjectKind = kind
	}

	return filter
}
