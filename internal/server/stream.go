package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"bountyline/internal/engine"
	"bountyline/internal/repo"
)

const (
	streamPollInterval = 500 * time.Millisecond
	streamBatch        = 100
)

// registerEventStream serves GET <base>/events/stream. Each connection
// receives events with ids above ?cursor (default: the latest id at connect
// time) as JSON text frames, filtered like /events.
func registerEventStream(r chi.Router, basePath string, e engine.Engine, logger *slog.Logger) {
	r.Get(path.Join(basePath, "events/stream"), func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		filters, ferr := eventFilters(q.Get("type"), q.Get("task_id"), q.Get("entity_kind"), q.Get("entity_id"))
		if ferr != nil {
			respondStatusError(w, ferr)
			return
		}
		var cursor int64
		if raw := q.Get("cursor"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": raw}))
				return
			}
			cursor = parsed
		} else {
			latest, err := e.Repo.LatestEventID(req.Context())
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			cursor = latest
		}

		conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
			OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
		})
		if err != nil {
			logger.Warn("event stream accept failed", "error", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		actor, _ := principalFromContext(req.Context())
		log := logger.With("component", "stream", "actor_id", actor.ActorID)
		log.Debug("event stream opened", "cursor", cursor)

		// Clients never send; CloseRead handles control frames and cancels
		// ctx once the peer goes away.
		ctx := conn.CloseRead(req.Context())
		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()
		for {
			cursor, err = pushEvents(ctx, conn, e, cursor, filters)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("event stream write failed", "error", err)
				}
				return
			}
			select {
			case <-ctx.Done():
				log.Debug("event stream closed")
				return
			case <-ticker.C:
			}
		}
	})
}

func pushEvents(ctx context.Context, conn *websocket.Conn, e engine.Engine, cursor int64, filters repo.EventFilters) (int64, error) {
	for {
		items, err := e.Repo.EventsAfter(ctx, streamBatch, cursor, filters)
		if err != nil {
			return cursor, err
		}
		for _, evt := range items {
			if err := wsjson.Write(ctx, conn, eventResponse(evt)); err != nil {
				return cursor, err
			}
			cursor = evt.ID
		}
		if len(items) < streamBatch {
			return cursor, nil
		}
	}
}
