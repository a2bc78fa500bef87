package statusapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ClawdCity-Room/internal/core/bus"
	"ClawdCity-Room/internal/core/topic"
	"ClawdCity-Room/internal/model"
)

// NodeInfo is the part of the substrate the status routes report on.
type NodeInfo interface {
	PeerID() string
	ListenAddrs() []string
	ConnectedPeers() []string
}

type decodeFunc func(raw []byte) (any, bool, error)

type Server struct {
	node     NodeInfo
	bus      *bus.Bus
	registry *topic.Registry
	events   *topic.Topic[model.Event]
	channel  string
	gatherer prometheus.Gatherer
	streams  map[string]decodeFunc
}

func NewServer(node NodeInfo, b *bus.Bus, registry *topic.Registry, events *topic.Topic[model.Event], channel string, gatherer prometheus.Gatherer) *Server {
	return &Server{
		node:     node,
		bus:      b,
		registry: registry,
		events:   events,
		channel:  channel,
		gatherer: gatherer,
		streams:  make(map[string]decodeFunc),
	}
}

// AddStream exposes t at /api/topics/{tag}/stream.
func AddStream[T any](s *Server, t *topic.Topic[T]) {
	s.streams[t.Tag()] = func(raw []byte) (any, bool, error) {
		return t.Match(raw)
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/node", s.handleNode)
	mux.HandleFunc("/api/topics", s.handleTopics)
	mux.HandleFunc("/api/topics/", s.handleTopic)
	mux.HandleFunc("/api/events/ping", s.handlePing)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"peer_id":         s.node.PeerID(),
		"listen_addrs":    s.node.ListenAddrs(),
		"connected_peers": s.node.ConnectedPeers(),
		"channel":         s.channel,
		"bus_capacity":    s.bus.Capacity(),
	})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": s.registry.Tags()})
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/topics/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "stream" {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	decode, ok := s.streams[parts[0]]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown topic "+parts[0])
		return
	}
	s.handleStream(w, r, parts[0], decode)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Rand *uint8 `json:"rand"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Rand == nil {
		writeError(w, http.StatusBadRequest, "rand required")
		return
	}
	ev, err := model.NewPingEvent(*req.Rand)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.events.Publish(ev); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, tag string, decode decodeFunc) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	rx := s.bus.Subscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-rx.Ready():
		}
		raw, err := rx.TryRecv()
		var lagged *bus.LaggedError
		switch {
		case errors.As(err, &lagged):
			if _, err := fmt.Fprintf(w, "event: lagged\ndata: %d\n\n", lagged.Missed); err != nil {
				return
			}
			flusher.Flush()
			continue
		case errors.Is(err, bus.ErrEmpty):
			continue
		case err != nil:
			return
		}
		v, ok, err := decode(raw)
		if err != nil || !ok {
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("event: " + tag + "\ndata: " + string(data) + "\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
