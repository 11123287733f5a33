package server

import (
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeslice-go/internal/config"
	"timeslice-go/internal/types"
)

func TestHandleConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Start = 1
	cfg.End = 9
	cfg.Port = 9999
	srv := New(cfg, nil)

	rec := httptest.NewRecorder()
	srv.handleConfig(rec, httptest.NewRequest("GET", "/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "export", payload["mode"])
	assert.Equal(t, 1.0, payload["start"])
	assert.Equal(t, 9.0, payload["end"])
	assert.Equal(t, 9999.0, payload["port"])
}

func TestHandleStatusAddsClientCount(t *testing.T) {
	pub := NewPublisher("run-0", 0, 8)
	pub.SetMetrics(func() map[string]any { return map[string]any{"frames": 3} })
	pub.Phase("ingest")
	srv := New(config.Defaults(), pub)

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "ingest", payload["phase"])
	metrics := payload["metrics"].(map[string]any)
	assert.Equal(t, 0.0, metrics["ws_clients"])
	assert.Equal(t, 3.0, metrics["frames"])
}

func TestHandlePreview(t *testing.T) {
	pub := NewPublisher("run-0", 0, 8)
	srv := New(config.Defaults(), pub)

	rec := httptest.NewRecorder()
	srv.handlePreview(rec, httptest.NewRequest("GET", "/preview.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	pub.Preview(types.NewRaster(5, 3), false)
	rec = httptest.NewRecorder()
	srv.handlePreview(rec, httptest.NewRequest("GET", "/preview.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	handler, err := srv.Handler()
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestWebsocketBroadcast(t *testing.T) {
	pub := NewPublisher("run-1", 0, 8)
	srv := New(config.Defaults(), pub)
	conn := dialWS(t, srv)

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "config", hello["type"])
	var status map[string]any
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "status", status["type"])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages := make(chan any, 1)
	go srv.broadcast(ctx, messages)
	messages <- types.ProgressMessage{Type: "progress", RunID: "run-1", Phase: "assemble", Progress: 0.5}

	var got types.ProgressMessage
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "assemble", got.Phase)
	assert.Equal(t, 0.5, got.Progress)
}

func TestWebsocketLateJoinerAndStatusRequest(t *testing.T) {
	pub := NewPublisher("run-4", time.Hour, 8)
	pub.Phase("extract")
	pub.Progress(0.25)
	pub.Preview(types.NewRaster(6, 2), false)
	srv := New(config.Defaults(), pub)
	conn := dialWS(t, srv)

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "config", hello["type"])

	var status map[string]any
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "status", status["type"])
	assert.Equal(t, "extract", status["phase"])
	assert.Equal(t, 0.25, status["progress"])

	var preview types.PreviewMessage
	require.NoError(t, conn.ReadJSON(&preview))
	assert.Equal(t, "preview", preview.Type)
	assert.Equal(t, 6, preview.Width)
	assert.False(t, preview.Final)

	pub.Progress(0.5)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "status_request"}))
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "status", status["type"])
	assert.Equal(t, 0.5, status["progress"])
	assert.Equal(t, "run-4", status["run_id"])
}

func TestPublisherReply(t *testing.T) {
	pub := NewPublisher("run-5", 0, 8)
	_, ok := pub.Reply(map[string]any{"type": "preview_request"})
	assert.False(t, ok)
	_, ok = pub.Reply(map[string]any{"type": "shutdown"})
	assert.False(t, ok)

	pub.Preview(types.NewRaster(3, 1), true)
	reply, ok := pub.Reply(map[string]any{"type": "preview_request"})
	require.True(t, ok)
	assert.Equal(t, types.PreviewMessage{Type: "preview", RunID: "run-5", Width: 3, Height: 1, Final: true}, reply)

	reply, ok = pub.Reply(map[string]any{"type": "status_request"})
	require.True(t, ok)
	assert.Equal(t, "status", reply.(map[string]any)["type"])
	assert.NotContains(t, reply.(map[string]any), "metrics")
}

func TestPublisher(t *testing.T) {
	pub := NewPublisher("run-2", time.Hour, 16)
	pub.Phase("ingest")
	pub.Progress(0.1)
	pub.Progress(0.2)
	pub.Progress(1)
	raster := types.NewRaster(2, 2)
	pub.Preview(raster, true)
	raster.Pix[0] = 99
	pub.Result(types.ResultMessage{Status: "ok", Samples: 4})

	var kinds []string
	for len(pub.Messages()) > 0 {
		switch msg := (<-pub.Messages()).(type) {
		case types.ProgressMessage:
			kinds = append(kinds, msg.Type)
		case types.PreviewMessage:
			kinds = append(kinds, msg.Type)
			assert.True(t, msg.Final)
		case types.ResultMessage:
			kinds = append(kinds, msg.Type)
			assert.Equal(t, "run-2", msg.RunID)
		}
	}
	// 0.1 and 0.2 fall inside the throttle window; 1 always goes out.
	assert.Equal(t, []string{"progress", "progress", "preview", "result"}, kinds)
	assert.Equal(t, byte(0), pub.LatestPreview().Pix[0])

	status := pub.Status()
	assert.Equal(t, 1.0, status["progress"])
	assert.Equal(t, "ingest", status["phase"])
	assert.NotNil(t, status["result"])
}

func TestPublisherNeverBlocks(t *testing.T) {
	pub := NewPublisher("run-3", 0, 1)
	for i := 0; i < 10; i++ {
		pub.Progress(float64(i) / 10)
	}
	assert.Len(t, pub.Messages(), 1)
}
