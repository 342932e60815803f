package simli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/pkg/logger"
)

type frame struct {
	binary bool
	data   []byte
}

// newRenderServer confirms sessions with greeting (or stays silent when it
// is empty) and records every frame after the init message.
func newRenderServer(t *testing.T, greeting any) (string, <-chan map[string]any, <-chan frame) {
	t.Helper()
	inits := make(chan map[string]any, 2)
	frames := make(chan frame, 32)

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-simli-api-key") != "simli-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var init map[string]any
		if err := conn.ReadJSON(&init); err != nil {
			return
		}
		inits <- init

		switch g := greeting.(type) {
		case string:
			if g != "" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(g))
			}
		default:
			_ = conn.WriteJSON(g)
		}

		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- frame{binary: typ == websocket.BinaryMessage, data: data}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), inits, frames
}

func newTestRenderer(base string) *Renderer {
	return New(Config{
		APIKey:       "simli-key",
		BaseURL:      base,
		ReadyTimeout: 500 * time.Millisecond,
		Logger:       logger.Discard(),
	})
}

var testFace = media.FaceProfile{FaceModelID: "face-sharma", DisplayName: "Sharma Sir"}

func nextFrame(t *testing.T, frames <-chan frame) frame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return frame{}
	}
}

func TestRenderer_SessionLifecycle(t *testing.T) {
	base, inits, frames := newRenderServer(t, map[string]any{"type": "session_started", "session_id": "s-1"})
	r := newTestRenderer(base)
	ctx := context.Background()

	h, err := r.Create(ctx, testFace)
	require.NoError(t, err)
	init := <-inits
	assert.Equal(t, "face-sharma", init["faceId"])
	assert.Equal(t, true, init["handleSilence"])

	require.NoError(t, r.SetExpression(ctx, h, "smile"))
	f := nextFrame(t, frames)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(f.data, &msg))
	assert.Equal(t, "expression", msg["type"])
	assert.Equal(t, "smile", msg["expression"])

	require.NoError(t, r.SendAudio(ctx, h, []byte{9, 9, 9}))
	f = nextFrame(t, frames)
	assert.True(t, f.binary)
	assert.Equal(t, []byte{9, 9, 9}, f.data)

	require.NoError(t, r.SendAudio(ctx, h, nil), "empty chunks are skipped")

	require.NoError(t, r.Pause(ctx, h))
	assert.Equal(t, "SKIP", string(nextFrame(t, frames).data))
	assert.JSONEq(t, `{"type":"pause"}`, string(nextFrame(t, frames).data))

	require.NoError(t, r.Resume(ctx, h))
	assert.JSONEq(t, `{"type":"resume"}`, string(nextFrame(t, frames).data))

	require.NoError(t, r.End(ctx, h))
	assert.Equal(t, "DONE", string(nextFrame(t, frames).data))
	require.NoError(t, r.End(ctx, h))
	assert.Zero(t, r.OpenSessions())

	err = r.SetExpression(ctx, h, "smile")
	assert.True(t, shared.IsProviderUnavailable(err))
}

func TestRenderer_AcceptsStartText(t *testing.T) {
	base, _, _ := newRenderServer(t, "START")
	r := newTestRenderer(base)

	h, err := r.Create(context.Background(), testFace)
	require.NoError(t, err)
	require.NoError(t, r.End(context.Background(), h))
}

func TestRenderer_CreateFailures(t *testing.T) {
	ctx := context.Background()

	refused, _, _ := newRenderServer(t, map[string]any{"type": "error", "message": "unknown face"})
	_, err := newTestRenderer(refused).Create(ctx, testFace)
	assert.True(t, shared.IsProviderUnavailable(err))
	assert.Contains(t, err.Error(), "unknown face")

	silent, _, _ := newRenderServer(t, "")
	_, err = newTestRenderer(silent).Create(ctx, testFace)
	assert.True(t, shared.IsProviderUnavailable(err))

	badKey := New(Config{APIKey: "wrong", BaseURL: refused, Logger: logger.Discard()})
	_, err = badKey.Create(ctx, testFace)
	assert.True(t, shared.IsProviderUnavailable(err))

	_, err = newTestRenderer(refused).Create(ctx, media.FaceProfile{})
	assert.True(t, shared.IsProviderUnavailable(err))

	_, err = New(Config{Logger: logger.Discard()}).Create(ctx, testFace)
	assert.True(t, shared.IsProviderUnavailable(err))
}
