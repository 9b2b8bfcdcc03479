package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/geoface/attendance-server-go/internal/errors"
	"github.com/geoface/attendance-server-go/internal/sse"
	"github.com/geoface/attendance-server-go/internal/util"
)

// EventSubscriber hands out per-identity event subscriptions.
type EventSubscriber interface {
	Subscribe(identity string) *sse.Client
	Unsubscribe(client *sse.Client)
}

type EventsHandler struct {
	broker   EventSubscriber
	verifier Verifier
}

func NewEventsHandler(broker EventSubscriber, verifier Verifier) *EventsHandler {
	return &EventsHandler{
		broker:   broker,
		verifier: verifier,
	}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := util.NormalizeIdentity(r.URL.Query().Get("identity"))
	if identity == "" {
		writeError(w, apperrors.MissingRequired("identity"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(identity)
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("identity", identity).
		Msg("sse connection established")

	// The first event carries the current snapshot so a late subscriber
	// does not wait for the next transition.
	connected := map[string]any{"identity": identity}
	if st := h.verifier.Status(); st.TeacherEmail == identity {
		connected["status"] = st
	}
	if err := h.sendEvent(w, flusher, "connected", connected); err != nil {
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("identity", identity).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("identity", identity).
				Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("identity", identity).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
