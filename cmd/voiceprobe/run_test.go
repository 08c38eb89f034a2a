package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicegw/internal/audio"
	"github.com/ent0n29/voicegw/internal/protocol"
)

// fakeGateway answers every query with one audio chunk, one browser speech
// hand-off and a voice_end. A heartbeat precedes each answer.
func fakeGateway(t *testing.T, acks chan<- int64) *httptest.Server {
	t.Helper()
	wav, err := audio.EncodeWAVPCM16LE([]byte{1, 0, 2, 0, 3, 0, 4, 0}, 16000)
	require.NoError(t, err)
	chunk := base64.StdEncoding.EncodeToString(wav)

	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voice/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if r.URL.Query().Get("token") != "tok-acme" {
			_ = conn.WriteJSON(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: protocol.CodeAuthInvalid, Fatal: true})
			return
		}
		_ = conn.WriteJSON(protocol.Authenticated{Type: protocol.TypeAuthenticated, SessionID: "s-1", TenantID: "acme"})

		index := 0
		for {
			var raw map[string]any
			if err := conn.ReadJSON(&raw); err != nil {
				return
			}
			switch raw["type"] {
			case string(protocol.TypeSetContext):
				_ = conn.WriteJSON(protocol.DocumentSet{Type: protocol.TypeDocumentSet, ContextScope: raw["context_scope"].(string)})
			case string(protocol.TypeHeartbeatAck):
				acks <- int64(raw["timestamp"].(float64))
			case string(protocol.TypeQuery):
				id := raw["query_id"].(string)
				_ = conn.WriteJSON(protocol.Heartbeat{Type: protocol.TypeHeartbeat, Timestamp: 42})
				_ = conn.WriteJSON(protocol.VoiceStart{Type: protocol.TypeVoiceStart, QueryID: id})
				_ = conn.WriteJSON(protocol.VoiceAudioChunk{Type: protocol.TypeVoiceAudioChunk, QueryID: id, Audio: chunk, Format: protocol.FormatWAV, Index: index})
				_ = conn.WriteJSON(protocol.VoiceBrowserTTS{Type: protocol.TypeVoiceBrowserTTS, QueryID: id, Text: "Ok.", Index: index + 1})
				index += 2
				_ = conn.WriteJSON(protocol.VoiceEnd{Type: protocol.TypeVoiceEnd, QueryID: id, FullText: "answer", AudioChunks: 1})
			}
		}
	}))
}

func testOptions(baseURL string) probeOptions {
	opts := probeOptions{
		baseURL:      baseURL,
		token:        "tok-acme",
		scope:        "doc-1",
		queries:      []string{"first?", " ", "second?"},
		rounds:       1,
		queryTimeout: 2 * time.Second,
	}
	return opts
}

func TestRunProbeReportsEachQuery(t *testing.T) {
	acks := make(chan int64, 8)
	srv := fakeGateway(t, acks)
	defer srv.Close()

	opts := testOptions(srv.URL)
	require.NoError(t, opts.normalize())
	var log bytes.Buffer
	reports, err := runProbe(context.Background(), opts, &log)
	require.NoError(t, err)

	require.Len(t, reports, 2)
	for i, r := range reports {
		assert.Equal(t, opts.queries[i], r.Text)
		assert.Equal(t, 1, r.AudioChunks)
		assert.Equal(t, 1, r.BrowserTTS)
		assert.Equal(t, 8, r.AudioBytes)
		assert.Positive(t, r.FirstAudio)
		assert.GreaterOrEqual(t, r.Total, r.FirstAudio)
		assert.Empty(t, r.Error)
	}
	assert.Contains(t, log.String(), "session=s-1")

	select {
	case ts := <-acks:
		assert.Equal(t, int64(42), ts)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat was not acknowledged")
	}
}

func TestRunProbeFailsOnRejectedToken(t *testing.T) {
	srv := fakeGateway(t, make(chan int64, 8))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.token = "forged"
	require.NoError(t, opts.normalize())
	_, err := runProbe(context.Background(), opts, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), protocol.CodeAuthInvalid)
}

func TestNormalizeDefaults(t *testing.T) {
	opts := probeOptions{baseURL: "http://gw/ ", token: "t", rounds: 1}
	require.NoError(t, opts.normalize())
	assert.Equal(t, "http://gw", opts.baseURL)
	assert.Equal(t, defaultQueries, opts.queries)
	assert.Equal(t, time.Second, opts.queryTimeout)

	assert.Error(t, (&probeOptions{baseURL: "http://gw", rounds: 1}).normalize(), "token required")
	assert.Error(t, (&probeOptions{baseURL: "http://gw", token: "t"}).normalize(), "rounds required")
}

func TestWSURLFor(t *testing.T) {
	got, err := wsURLFor("https://voice.example.com/base/", "a b")
	require.NoError(t, err)
	assert.Equal(t, "wss://voice.example.com/base/v1/voice/ws?token=a+b", got)

	_, err = wsURLFor("ftp://voice.example.com", "t")
	assert.Error(t, err)
	_, err = wsURLFor("http://", "t")
	assert.Error(t, err)
}

func TestPCMBytesRejectsBadFraming(t *testing.T) {
	_, err := pcmBytes("not base64!")
	assert.Error(t, err)
	_, err = pcmBytes(base64.StdEncoding.EncodeToString([]byte("RIFFxxxxWAVE")))
	assert.Error(t, err)
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, []queryReport{
		{QueryID: "probe-1", FirstAudio: 300 * time.Millisecond, Total: time.Second, AudioChunks: 2},
		{QueryID: "probe-2", FirstAudio: 100 * time.Millisecond, Total: time.Second, AudioChunks: 1},
		{QueryID: "probe-3", Error: "cooldown", RateLimited: true},
	})
	text := out.String()
	assert.Contains(t, text, "probe-3")
	assert.Contains(t, text, "status=cooldown")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(text), "(n=2)"))
	assert.Contains(t, text, "max=300ms")
}
