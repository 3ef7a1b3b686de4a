package monitor

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldrig/internal/history"
	"fieldrig/internal/metrics"
	"fieldrig/internal/model"
	"fieldrig/internal/reliable"
)

func startTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	s := NewServer(cfg)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func TestLatestEndpoint(t *testing.T) {
	latest := func() any {
		return map[string]any{"current": 12.5, "node": "coil"}
	}
	s := startTestServer(t, Config{Latest: latest})

	resp, err := http.Get("http://" + s.Addr() + "/api/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 12.5, got["current"])
	assert.Equal(t, "coil", got["node"])
}

func TestHistoryEndpoint(t *testing.T) {
	entries := []history.Entry{
		{Node: "coil", Verb: "manual-actuate", Corr: "c-2", Outcome: "acked"},
		{Node: "coil", Verb: "query-status", Corr: "c-1", Outcome: "timeout"},
	}
	recent := func(n int) ([]history.Entry, error) {
		if n < len(entries) {
			return entries[:n], nil
		}
		return entries, nil
	}
	s := startTestServer(t, Config{Recent: recent})

	resp, err := http.Get("http://" + s.Addr() + "/api/history?n=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []history.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "c-2", got[0].Corr)

	bad, err := http.Get("http://" + s.Addr() + "/api/history?n=zero")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHistoryDisabledWithoutSource(t *testing.T) {
	s := startTestServer(t, Config{})
	resp, err := http.Get("http://" + s.Addr() + "/api/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	mx := metrics.New(reg)
	mx.DatagramsIn.WithLabelValues("coil-current").Add(3)

	s := startTestServer(t, Config{Gatherer: reg})
	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "fieldrig_channel_datagrams_in_total"), "expected namespaced counter in exposition")
}

func TestWebsocketPush(t *testing.T) {
	s := startTestServer(t, Config{})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	s.PublishSample("current", model.Sample{Value: 42.5, Seq: 7})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame struct {
		Type   string  `json:"type"`
		Stream string  `json:"stream"`
		Value  float64 `json:"value"`
		Seq    uint32  `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(msg, &frame))
	assert.Equal(t, "sample", frame.Type)
	assert.Equal(t, "current", frame.Stream)
	assert.Equal(t, 42.5, frame.Value)
	assert.Equal(t, uint32(7), frame.Seq)

	s.PublishHealth("solenoid", reliable.Lost)
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	var hf struct {
		Type  string `json:"type"`
		Node  string `json:"node"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(msg, &hf))
	assert.Equal(t, "health", hf.Type)
	assert.Equal(t, "solenoid", hf.Node)
	assert.Equal(t, "lost", hf.State)
}

func TestWebsocketDropsDeadClient(t *testing.T) {
	s := startTestServer(t, Config{})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	// The write path notices the closed peer and evicts it.
	require.Eventually(t, func() bool {
		s.PublishSample("current", model.Sample{Value: 1})
		return s.ClientCount() == 0
	}, 2*time.Second, 50*time.Millisecond)
}
