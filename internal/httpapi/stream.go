package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"accesscore.org/internal/authn"
	"accesscore.org/internal/stream"
)

// Stream handles Server-Sent Events for the live event feed. Callers may
// narrow delivery with ?types=user_joined,user_left and opt out of their own
// events with ?exclude_self=1.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.broker == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var opts []stream.SubscribeOption
	if userID, ok := authn.UserIDFromContext(ctx); ok {
		opts = append(opts, stream.AsUser(userID))
	}
	if v := r.URL.Query().Get("exclude_self"); v == "1" || v == "true" {
		opts = append(opts, stream.ExcludeSelf())
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("types")); raw != "" {
		opts = append(opts, stream.OnlyTypes(strings.Split(raw, ",")...))
	}

	ch := a.broker.Subscribe(ctx, opts...)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
