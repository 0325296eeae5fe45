package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"giftmarket.dev/internal/errs"
)

const keepAliveInterval = 20 * time.Second

// orderEvents streams the transitions of one order as Server-Sent Events,
// starting with the current snapshot.
func (a *API) orderEvents(w http.ResponseWriter, r *http.Request) {
	if a.deps.Feed == nil {
		writeError(w, r, errs.New(errs.KindNotFound, "streaming disabled"))
		return
	}
	actor, _ := actorFrom(r)
	o, err := a.deps.Orders.Get(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errs.New(errs.KindInternal, "streaming unsupported"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.deps.Feed.Subscribe(ctx, o.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "snapshot", o)
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case u, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, "transition", u)
			flusher.Flush()
			if u.State.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
}
