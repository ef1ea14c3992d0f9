package httpapi

import (
	"net/http"
	"strings"
	"time"

	"accesscore.org/internal/store"
)

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureResource(w, r, "audit", "read") {
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.AuditFilter{
		ActorID:  strings.TrimSpace(q.Get("actor_id")),
		Resource: strings.TrimSpace(q.Get("resource")),
		Action:   strings.TrimSpace(q.Get("action")),
		Limit:    limit,
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filter.Until = t
	}

	entries, err := a.recorder.Query(r.Context(), filter)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"as_of": time.Now().UTC(),
	})
}

func (a *API) handleAuditSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureResource(w, r, "audit", "read") {
		return
	}
	term := r.URL.Query().Get("q")
	if strings.TrimSpace(term) == "" {
		writeError(w, r, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.recorder.Search(r.Context(), term, limit)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (a *API) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensureResource(w, r, "audit", "read") {
		return
	}
	q := r.URL.Query()
	filter := store.AuditFilter{
		ActorID:  strings.TrimSpace(q.Get("actor_id")),
		Resource: strings.TrimSpace(q.Get("resource")),
		Action:   strings.TrimSpace(q.Get("action")),
	}
	stats, err := a.recorder.Stats(r.Context(), filter)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
