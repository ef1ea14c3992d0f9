package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"accesscore.org/internal/obs"
	"accesscore.org/internal/store"
	"accesscore.org/internal/stream"
)

// Actor identifies who performed an audited action. The username is
// denormalized into every entry so the trail stays readable after the user
// record is deleted.
type Actor struct {
	ID       string
	Username string
}

// Request carries transport metadata attached to an entry when known.
type Request struct {
	RemoteAddr string
	UserAgent  string
}

// Recorder appends entries to the audit trail. Recording is advisory: a
// failed append is logged and counted but never surfaces to the caller, so
// the operation that triggered it cannot be failed by its own audit record.
type Recorder struct {
	store  store.Store
	broker *stream.Broker
}

// NewRecorder constructs a Recorder. The broker is optional; when present,
// every recorded entry is also published as an audit_recorded event.
func NewRecorder(st store.Store, broker *stream.Broker) *Recorder {
	return &Recorder{store: st, broker: broker}
}

// Success records a successful action.
func (r *Recorder) Success(ctx context.Context, actor Actor, action, resource, resourceID string, details store.Details) {
	r.Record(ctx, store.AuditEntry{
		ActorID:       actor.ID,
		ActorUsername: actor.Username,
		Action:        action,
		Resource:      resource,
		ResourceID:    resourceID,
		Details:       details,
		Success:       true,
	})
}

// Failure records a failed action together with the error text.
func (r *Recorder) Failure(ctx context.Context, actor Actor, action, resource, resourceID string, opErr error, details store.Details) {
	entry := store.AuditEntry{
		ActorID:       actor.ID,
		ActorUsername: actor.Username,
		Action:        action,
		Resource:      resource,
		ResourceID:    resourceID,
		Details:       details,
		Success:       false,
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	r.Record(ctx, entry)
}

// Record appends the entry, attaching request metadata from the context when
// present. Append errors are swallowed after logging.
func (r *Recorder) Record(ctx context.Context, entry store.AuditEntry) {
	if req, ok := requestFromContext(ctx); ok {
		if entry.RemoteAddr == "" {
			entry.RemoteAddr = req.RemoteAddr
		}
		if entry.UserAgent == "" {
			entry.UserAgent = req.UserAgent
		}
	}
	if err := r.store.Audit(ctx).Append(ctx, &entry); err != nil {
		obs.LogJSON("warn", "audit append failed", map[string]any{
			"action":   entry.Action,
			"resource": entry.Resource,
			"error":    err.Error(),
		})
		obs.IncAuditDropped()
		return
	}
	obs.IncAuditRecorded(entry.Resource, entry.Action)
	if r.broker != nil {
		r.broker.Publish(stream.Event{
			Type:     stream.TypeAuditRecorded,
			UserID:   entry.ActorID,
			Username: entry.ActorUsername,
			Payload: map[string]any{
				"entry_id": entry.ID,
				"action":   entry.Action,
				"resource": entry.Resource,
				"success":  entry.Success,
			},
		})
	}
}

// Query returns entries matching the filter, newest first.
func (r *Recorder) Query(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	return r.store.Audit(ctx).Query(ctx, f)
}

// Search returns entries whose action, resource, actor username, error text
// or detail values contain the term, case-insensitively. An empty term
// matches nothing.
func (r *Recorder) Search(ctx context.Context, term string, limit int) ([]store.AuditEntry, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil, nil
	}
	all, err := r.store.Audit(ctx).Query(ctx, store.AuditFilter{})
	if err != nil {
		return nil, err
	}
	var out []store.AuditEntry
	for _, e := range all {
		if matchesTerm(e, term) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func matchesTerm(e store.AuditEntry, term string) bool {
	for _, field := range []string{e.Action, e.Resource, e.ResourceID, e.ActorUsername, e.Error} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	for k, v := range e.Details {
		if strings.Contains(strings.ToLower(k), term) {
			return true
		}
		if strings.Contains(strings.ToLower(fmt.Sprint(v)), term) {
			return true
		}
	}
	return false
}

// Stats summarizes the retained trail.
type Stats struct {
	Total      int            `json:"total"`
	Successes  int            `json:"successes"`
	Failures   int            `json:"failures"`
	ByAction   map[string]int `json:"by_action"`
	ByResource map[string]int `json:"by_resource"`
	ByActor    map[string]int `json:"by_actor"`
	TopActions []string       `json:"top_actions"`
}

// Stats aggregates the entries matching the filter in a single pass. A
// zero filter covers the whole retained trail.
func (r *Recorder) Stats(ctx context.Context, f store.AuditFilter) (Stats, error) {
	f.Limit = 0
	all, err := r.store.Audit(ctx).Query(ctx, f)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		ByAction:   map[string]int{},
		ByResource: map[string]int{},
		ByActor:    map[string]int{},
	}
	for _, e := range all {
		st.Total++
		if e.Success {
			st.Successes++
		} else {
			st.Failures++
		}
		st.ByAction[e.Action]++
		st.ByResource[e.Resource]++
		if e.ActorUsername != "" {
			st.ByActor[e.ActorUsername]++
		}
	}
	st.TopActions = topKeys(st.ByAction, 5)
	return st, nil
}

func topKeys(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// context metadata ----------------------------------------------------------

type ctxKey string

const requestKey ctxKey = "audit_request"

// WithRequest attaches transport metadata so Record can stamp entries.
func WithRequest(ctx context.Context, req Request) context.Context {
	return context.WithValue(ctx, requestKey, req)
}

func requestFromContext(ctx context.Context) (Request, bool) {
	if ctx == nil {
		return Request{}, false
	}
	req, ok := ctx.Value(requestKey).(Request)
	return req, ok
}
