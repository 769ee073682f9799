package httpadapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/broadcast"
)

const (
	liveObserverBuffer = 32
	liveWriteTimeout   = 10 * time.Second
)

// liveMessage is one frame of the live status protocol.
type liveMessage struct {
	Type   string           `json:"type"`
	JobID  string           `json:"jobId,omitempty"`
	Status domain.JobStatus `json:"status,omitempty"`
	Data   map[string]any   `json:"data,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func (rt *Router) liveStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	server := websocket.Server{
		// Origin is not checked; access is guarded by the session token.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			rt.serveLive(conn, jobID)
		},
	}
	server.ServeHTTP(w, r)
}

func (rt *Router) serveLive(conn *websocket.Conn, jobID string) {
	r := conn.Request()
	logger := slog.Default().With("request_id", requestIDFromContext(r.Context()), "job_id", jobID)
	_ = conn.SetDeadline(time.Time{})

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	var writeMu sync.Mutex
	send := func(msg liveMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		return websocket.JSON.Send(conn, msg)
	}

	identity, err := rt.identity.Resolve(r)
	if err != nil {
		_ = send(liveMessage{Type: "error", Error: "Unauthorized"})
		return
	}

	// Subscribe before the snapshot read so no transition falls between them.
	observer := broadcast.NewChannelObserver(liveObserverBuffer)
	subID := rt.live.Subscribe(jobID, observer)
	defer func() {
		rt.live.Unsubscribe(jobID, subID)
		observer.Close()
	}()

	job, err := rt.query.Get(ctx, identity.OrganizationID, identity.UserID, jobID)
	if err != nil {
		message := "Internal error"
		if domain.IsKind(err, domain.ErrJobNotFound) {
			message = "Job not found"
		} else {
			logger.Error("live_status_lookup_failed", "error", err)
		}
		_ = send(liveMessage{Type: "error", Error: message})
		return
	}

	if rt.metrics != nil {
		rt.metrics.LiveChannelOpened()
		defer rt.metrics.LiveChannelClosed()
	}
	logger.Debug("live_status_opened", "organization_id", identity.OrganizationID)

	if err := send(liveMessage{
		Type:   string(domain.EventStatus),
		JobID:  job.ID,
		Status: job.Status,
		Data:   map[string]any{"status": job.Status},
	}); err != nil {
		return
	}

	go readLive(ctx, cancel, conn, send)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-observer.Events():
			if !ok {
				return
			}
			if staleForSnapshot(event, job) {
				logger.Debug("live_status_stale_skipped", "status", string(event.Status))
				continue
			}
			msg := liveMessage{
				Type:   string(event.Type),
				JobID:  event.JobID,
				Status: event.Status,
				Data:   event.Data,
			}
			if err := send(msg); err != nil {
				logger.Debug("live_status_send_failed", "error", err)
				return
			}
			if event.Type == domain.EventDeleted {
				return
			}
		}
	}
}

// readLive answers pings and ends the session when the client goes away.
// Frames that are not valid protocol messages are ignored.
func readLive(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, send func(liveMessage) error) {
	defer cancel()
	for ctx.Err() == nil {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			return
		}
		var msg liveMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := send(liveMessage{Type: "pong"}); err != nil {
				return
			}
		}
	}
}

// staleForSnapshot reports whether event was buffered during the snapshot read
// and describes an earlier state than the one already sent.
func staleForSnapshot(event domain.StatusEvent, snapshot *domain.Job) bool {
	if event.Type == domain.EventDeleted || event.Status == snapshot.Status {
		return false
	}
	if event.OccurredAt.IsZero() || snapshot.UpdatedAt.IsZero() {
		return false
	}
	return event.OccurredAt.Before(snapshot.UpdatedAt)
}
