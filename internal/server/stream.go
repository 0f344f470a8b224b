package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mirrorball/internal/model"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

type streamFrame struct {
	Type    string                   `json:"type"`
	Seq     uint64                   `json:"seq,omitempty"`
	Query   string                   `json:"query,omitempty"`
	Groups  []GroupView              `json:"groups,omitempty"`
	Changes []model.IssueChange      `json:"changes,omitempty"`
	Outcome *model.ResolutionOutcome `json:"outcome,omitempty"`
	SentAt  string                   `json:"sent_at"`
}

// handleStream pushes the filtered groups on every snapshot, plus every
// resolution outcome. The current view is sent right after the upgrade.
func (r *Runtime) handleStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	query := req.URL.Query().Get("q")
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		r.logger.Debug().Err(err).Msg("stream_upgrade_failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := r.broker.Subscribe()
	defer unsubscribe()
	r.logger.Debug().Str("query", query).Int("subscribers", r.broker.Subscribers()).Msg("stream_connected")

	// The client never sends anything we act on; reading detects close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if snapshot, ok := r.sync.Latest(); ok {
		if err := r.writeFrame(conn, r.groupsFrame(snapshot, nil, query)); err != nil {
			return
		}
	}

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			deadline := time.Now().Add(streamWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			var frame streamFrame
			switch event.Type {
			case StreamEventSnapshot:
				if event.Snapshot == nil {
					continue
				}
				frame = r.groupsFrame(*event.Snapshot, event.Changes, query)
			case StreamEventResolution:
				frame = streamFrame{Type: string(StreamEventResolution), Outcome: event.Outcome}
			default:
				continue
			}
			if err := r.writeFrame(conn, frame); err != nil {
				return
			}
		}
	}
}

func (r *Runtime) groupsFrame(snapshot model.Snapshot, changes []model.IssueChange, query string) streamFrame {
	return streamFrame{
		Type:    "groups",
		Seq:     snapshot.Seq,
		Query:   query,
		Groups:  r.groupViews(snapshot, query),
		Changes: changes,
	}
}

func (r *Runtime) writeFrame(conn *websocket.Conn, frame streamFrame) error {
	frame.SentAt = time.Now().UTC().Format(time.RFC3339Nano)
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}
