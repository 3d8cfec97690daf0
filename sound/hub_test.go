package sound

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSound(t *testing.T, dir, name string, data string) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
}

func TestLibraryResolvesFilesAndVariants(t *testing.T) {
	dir := t.TempDir()
	writeSound(t, dir, "applause.ogg", "clap")
	writeSound(t, dir, "coin/a.wav", "a")
	writeSound(t, dir, "coin/b.mp3", "b")
	lib := NewLibrary(dir)

	s, err := lib.Get("applause")
	require.NoError(t, err)
	assert.Equal(t, "audio/ogg", s.Type)
	assert.Equal(t, "clap", string(s.Data))

	v, err := lib.Get("coin")
	require.NoError(t, err)
	assert.Contains(t, []string{"coin/a", "coin/b"}, v.Name)

	_, err = lib.Get("missing")
	assert.ErrorIs(t, err, ErrNoSound)
	_, err = lib.Get("../etc/passwd")
	assert.ErrorIs(t, err, ErrNoSound)
}

func startHub(t *testing.T, lib *Library) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(lib)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	return hub, conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	return ev.Event, ev.Data
}

func TestPlayBroadcastsCue(t *testing.T) {
	dir := t.TempDir()
	writeSound(t, dir, "applause.ogg", "clap")
	hub, conn := startHub(t, NewLibrary(dir))

	hub.Play("applause", 0.6)
	event, data := readEvent(t, conn)
	assert.Equal(t, "sound", event)
	var cue Cue
	require.NoError(t, json.Unmarshal(data, &cue))
	assert.Equal(t, Cue{Type: "audio/ogg", Name: "applause", Volume: 0.6, PitchRange: [2]float64{1, 1}}, cue)
}

func TestMissingCueIsSkipped(t *testing.T) {
	hub, conn := startHub(t, NewLibrary(t.TempDir()))
	hub.Play("nope", 1)
	hub.Speak("system", "hello there", 1)

	event, data := readEvent(t, conn)
	assert.Equal(t, "tts", event, "missing cue must not be sent")
	assert.JSONEq(t, `{"voice":"system","text":"hello there","rate":1}`, string(data))
}

func TestClientRequestsAudio(t *testing.T) {
	dir := t.TempDir()
	writeSound(t, dir, "win.wav", "RIFF")
	_, conn := startHub(t, NewLibrary(dir))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("win")))
	event, data := readEvent(t, conn)
	assert.Equal(t, "data", event)
	var a Audio
	require.NoError(t, json.Unmarshal(data, &a))
	assert.Equal(t, "win", a.Name)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("RIFF")), a.Audio)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, conn := startHub(t, nil)
	conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
