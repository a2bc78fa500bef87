package statusapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"ClawdCity-Room/internal/core/bus"
	"ClawdCity-Room/internal/core/topic"
	"ClawdCity-Room/internal/metrics"
	"ClawdCity-Room/internal/model"
)

type fakeNode struct{}

func (fakeNode) PeerID() string           { return "12D3KooWFake" }
func (fakeNode) ListenAddrs() []string    { return []string{"/ip4/127.0.0.1/udp/4001/quic-v1"} }
func (fakeNode) ConnectedPeers() []string { return []string{"12D3KooWOther"} }

type fixture struct {
	bus    *bus.Bus
	pings  *topic.Topic[model.Ping]
	events *topic.Topic[model.Event]
	mux    *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New(bus.DefaultCapacity)
	reg := topic.NewRegistry()
	pings, err := topic.Bind(reg, b, model.PingKind)
	require.NoError(t, err)
	events, err := topic.Bind(reg, b, model.EventKind)
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	m := metrics.NewBridge("")
	require.NoError(t, m.Register(promReg))
	m.Outbound.Inc()

	s := NewServer(fakeNode{}, b, reg, events, "quic-the-room", promReg)
	AddStream(s, pings)
	AddStream(s, events)
	mux := http.NewServeMux()
	s.Register(mux)
	return &fixture{bus: b, pings: pings, events: events, mux: mux}
}

func TestNodeInfo(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/node", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		PeerID         string   `json:"peer_id"`
		Channel        string   `json:"channel"`
		ConnectedPeers []string `json:"connected_peers"`
		BusCapacity    int      `json:"bus_capacity"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "12D3KooWFake", body.PeerID)
	require.Equal(t, "quic-the-room", body.Channel)
	require.Equal(t, []string{"12D3KooWOther"}, body.ConnectedPeers)
	require.Equal(t, bus.DefaultCapacity, body.BusCapacity)

	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/node", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTopicsListsRegistry(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/topics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"topics":["event","ping"]}`, rec.Body.String())
}

func TestPostPingPublishesEvent(t *testing.T) {
	f := newFixture(t)
	sub := f.events.Subscribe()

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/events/ping", strings.NewReader(`{"rand":42}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, model.PingTag, ev.Topic)
	p, err := model.UnmarshalPing(ev.Data)
	require.NoError(t, err)
	require.Equal(t, uint8(42), p.Rand)
}

func TestPostPingValidation(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{`not json`, `{}`, `{"rand":300}`} {
		rec := httptest.NewRecorder()
		f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/events/ping", strings.NewReader(body)))
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	f.bus.Close()
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/events/ping", strings.NewReader(`{"rand":1}`)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownStream(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/topics/chat/stream", "/api/topics/ping", "/api/topics/ping/other"} {
		rec := httptest.NewRecorder()
		f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestStreamDeliversMatchingValues(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/topics/ping/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	ev, err := model.NewPingEvent(1)
	require.NoError(t, err)
	require.NoError(t, f.events.Publish(ev))
	require.NoError(t, f.pings.Publish(model.Ping{Rand: 5}))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	require.Equal(t, []string{"event: ping", `data: {"rand":5}`}, lines)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "room_bridge_outbound_total 1")
}
