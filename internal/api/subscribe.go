package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// subscribeHandler streams committed change events for one provider or one
// patient over a websocket. Clients re-read state after reconnecting since
// events missed while disconnected are not replayed.
type subscribeHandler struct {
	hub *events.Hub
	log *zap.SugaredLogger
}

func (s *subscribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic, err := subscriptionTopic(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_subscription", err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(topic)
	defer sub.Close()
	s.log.Debugw("subscriber connected", "topic", topic)

	// The reader only keeps the deadline fresh and notices disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debugw("subscriber write failed", "topic", topic, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func subscriptionTopic(r *http.Request) (events.Topic, error) {
	q := r.URL.Query()
	providerID, patientID := q.Get("provider_id"), q.Get("patient_id")

	switch {
	case providerID != "" && patientID != "":
		return "", errors.New("subscribe to either provider_id or patient_id, not both")
	case providerID != "":
		id, err := uuid.Parse(providerID)
		if err != nil {
			return "", errors.New("provider_id must be a valid UUID")
		}
		return events.ProviderTopic(id), nil
	case patientID != "":
		id, err := uuid.Parse(patientID)
		if err != nil {
			return "", errors.New("patient_id must be a valid UUID")
		}
		return events.PatientTopic(id), nil
	}
	return "", errors.New("provider_id or patient_id is required")
}
