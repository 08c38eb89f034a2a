package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/voicegw/internal/audio"
	"github.com/ent0n29/voicegw/internal/protocol"
)

type probeOptions struct {
	baseURL      string
	token        string
	scope        string
	queries      []string
	rounds       int
	queryTimeout time.Duration
	interval     time.Duration
	verbose      bool
}

// queryReport is the outcome of one probed query.
type queryReport struct {
	QueryID      string
	Text         string
	FirstAudio   time.Duration // zero when no audio chunk arrived
	Total        time.Duration
	AudioChunks  int
	BrowserTTS   int
	AudioBytes   int
	Truncated    bool
	Error        string
	RateLimited  bool
	RetryAfterMS int64
}

var defaultQueries = []string{
	"What is the footing depth?",
	"Which trades are affected by the footing change?",
	"Summarize the inspection schedule in one sentence.",
}

var probeOpts probeOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Send queries and report per-query latency",
	Long: `run opens one voice session, optionally scopes it to a document, and sends
each query in turn, waiting for its voice_end before the next one.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := probeOpts
		if err := opts.normalize(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), opts.budget())
		defer cancel()
		reports, err := runProbe(ctx, opts, cmd.ErrOrStderr())
		printSummary(cmd.OutOrStdout(), reports)
		return err
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&probeOpts.baseURL, "base-url", "http://127.0.0.1:8080", "voicegw base URL")
	f.StringVar(&probeOpts.token, "token", "", "tenant token sent as the token query parameter")
	f.StringVar(&probeOpts.scope, "scope", "", "context scope to set before querying")
	f.StringArrayVar(&probeOpts.queries, "query", nil, "query text (repeatable)")
	f.IntVar(&probeOpts.rounds, "rounds", 1, "how many times to send the query list")
	f.DurationVar(&probeOpts.queryTimeout, "query-timeout", 45*time.Second, "time to wait for each voice_end")
	f.DurationVar(&probeOpts.interval, "interval", 2500*time.Millisecond, "pause between queries (keep above the server cooldown)")
	f.BoolVar(&probeOpts.verbose, "verbose", false, "print every event")
	rootCmd.AddCommand(runCmd)
}

func (o *probeOptions) normalize() error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return errors.New("base-url is required")
	}
	if strings.TrimSpace(o.token) == "" {
		return errors.New("token is required")
	}
	if o.rounds <= 0 {
		return errors.New("rounds must be > 0")
	}
	if o.queryTimeout < time.Second {
		o.queryTimeout = time.Second
	}
	if o.interval < 0 {
		o.interval = 0
	}
	var queries []string
	for _, q := range o.queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		queries = append(queries, defaultQueries...)
	}
	o.queries = queries
	return nil
}

func (o probeOptions) budget() time.Duration {
	n := time.Duration(len(o.queries) * o.rounds)
	return n*(o.queryTimeout+o.interval) + 30*time.Second
}

func wsURLFor(baseURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// wireEvent is the union of the server event fields the probe looks at.
type wireEvent struct {
	Type         string `json:"type"`
	QueryID      string `json:"query_id"`
	SessionID    string `json:"session_id"`
	TenantID     string `json:"tenant_id"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	Reason       string `json:"reason"`
	Audio        string `json:"audio"`
	Index        int    `json:"index"`
	Timestamp    int64  `json:"timestamp"`
	FullText     string `json:"full_text"`
	AudioChunks  int    `json:"audio_chunks"`
	Truncated    bool   `json:"truncated"`
	Error        string `json:"error"`
	Fatal        bool   `json:"fatal"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

type probeConn struct {
	conn    *websocket.Conn
	log     io.Writer
	verbose bool
}

func runProbe(ctx context.Context, opts probeOptions, log io.Writer) ([]queryReport, error) {
	target, err := wsURLFor(opts.baseURL, opts.token)
	if err != nil {
		return nil, fmt.Errorf("build ws url: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	pc := &probeConn{conn: conn, log: log, verbose: opts.verbose}
	hello, err := pc.next(opts.queryTimeout)
	if err != nil {
		return nil, fmt.Errorf("await authenticated: %w", err)
	}
	if hello.Type != string(protocol.TypeAuthenticated) {
		return nil, fmt.Errorf("authentication failed: %s %s", hello.Code, hello.Message)
	}
	fmt.Fprintf(log, "voiceprobe: session=%s tenant=%s\n", hello.SessionID, hello.TenantID)

	if opts.scope != "" {
		if err := conn.WriteJSON(protocol.SetContext{Type: protocol.TypeSetContext, ContextScope: opts.scope}); err != nil {
			return nil, fmt.Errorf("set context: %w", err)
		}
		if _, err := pc.await(opts.queryTimeout, func(ev wireEvent) bool { return ev.Type == string(protocol.TypeDocumentSet) }); err != nil {
			return nil, fmt.Errorf("await document_set: %w", err)
		}
	}

	var reports []queryReport
	n := 0
	for round := 0; round < opts.rounds; round++ {
		for _, text := range opts.queries {
			if n > 0 && opts.interval > 0 {
				select {
				case <-ctx.Done():
					return reports, ctx.Err()
				case <-time.After(opts.interval):
				}
			}
			n++
			report, err := pc.query(fmt.Sprintf("probe-%d", n), text, opts.queryTimeout)
			reports = append(reports, report)
			if err != nil {
				return reports, fmt.Errorf("query %d: %w", n, err)
			}
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe done"), time.Now().Add(time.Second))
	return reports, nil
}

// query sends one query and consumes events until its voice_end.
func (pc *probeConn) query(id, text string, timeout time.Duration) (queryReport, error) {
	report := queryReport{QueryID: id, Text: text}
	started := time.Now()
	if err := pc.conn.WriteJSON(protocol.Query{Type: protocol.TypeQuery, Text: text, QueryID: id}); err != nil {
		return report, err
	}
	deadline := started.Add(timeout)
	for {
		ev, err := pc.next(time.Until(deadline))
		if err != nil {
			return report, err
		}
		switch ev.Type {
		case string(protocol.TypeRateLimited):
			report.RateLimited = true
			report.RetryAfterMS = ev.RetryAfterMS
			report.Error = ev.Reason
			report.Total = time.Since(started)
			return report, nil
		case string(protocol.TypeErrorEvent):
			if ev.Fatal {
				report.Error = ev.Code
				return report, fmt.Errorf("fatal error_event %s: %s", ev.Code, ev.Message)
			}
		case string(protocol.TypeVoiceError):
			if ev.QueryID == id {
				report.Error = ev.Code
				if ev.Code == protocol.CodeEmptyQuery {
					report.Total = time.Since(started)
					return report, nil
				}
			}
		case string(protocol.TypeVoiceAudioChunk):
			if ev.QueryID != id {
				continue
			}
			if report.AudioChunks == 0 {
				report.FirstAudio = time.Since(started)
			}
			report.AudioChunks++
			n, err := pcmBytes(ev.Audio)
			if err != nil {
				return report, fmt.Errorf("chunk %d: %w", ev.Index, err)
			}
			report.AudioBytes += n
		case string(protocol.TypeVoiceBrowserTTS):
			if ev.QueryID == id {
				report.BrowserTTS++
			}
		case string(protocol.TypeVoiceEnd):
			if ev.QueryID != id {
				continue
			}
			report.Total = time.Since(started)
			report.Truncated = ev.Truncated
			if ev.Error != "" {
				report.Error = ev.Error
			}
			if ev.AudioChunks != report.AudioChunks {
				return report, fmt.Errorf("voice_end reports %d audio chunks, saw %d", ev.AudioChunks, report.AudioChunks)
			}
			return report, nil
		case string(protocol.TypeSessionTimeout):
			return report, fmt.Errorf("session timed out: %s", ev.Reason)
		}
	}
}

// pcmBytes decodes a voice_audio_chunk payload and checks its WAV framing.
func pcmBytes(b64 string) (int, error) {
	wav, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0, fmt.Errorf("decode base64: %w", err)
	}
	format, pcm, err := audio.DecodeWAV(wav)
	if err != nil {
		return 0, err
	}
	if format.BitsPerSample != 16 || format.Channels != 1 {
		return 0, fmt.Errorf("unexpected wav layout %d ch / %d bit", format.Channels, format.BitsPerSample)
	}
	return len(pcm), nil
}

func (pc *probeConn) await(timeout time.Duration, match func(wireEvent) bool) (wireEvent, error) {
	deadline := time.Now().Add(timeout)
	for {
		ev, err := pc.next(time.Until(deadline))
		if err != nil {
			return wireEvent{}, err
		}
		if match(ev) {
			return ev, nil
		}
	}
}

// next reads one event, answering heartbeats on the way.
func (pc *probeConn) next(timeout time.Duration) (wireEvent, error) {
	for {
		if timeout <= 0 {
			return wireEvent{}, errors.New("timed out")
		}
		_ = pc.conn.SetReadDeadline(time.Now().Add(timeout))
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			return wireEvent{}, err
		}
		var ev wireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if pc.verbose {
			fmt.Fprintf(pc.log, "voiceprobe: <- %s %s\n", ev.Type, ev.QueryID)
		}
		if ev.Type == string(protocol.TypeHeartbeat) {
			_ = pc.conn.WriteJSON(protocol.HeartbeatAck{Type: protocol.TypeHeartbeatAck, Timestamp: ev.Timestamp})
			continue
		}
		return ev, nil
	}
}

func printSummary(w io.Writer, reports []queryReport) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "no queries completed")
		return
	}
	var firstAudio []time.Duration
	for _, r := range reports {
		status := "ok"
		if r.Error != "" {
			status = r.Error
		}
		fmt.Fprintf(w, "%-10s first_audio=%-8s total=%-8s chunks=%d browser_tts=%d pcm_bytes=%d status=%s\n",
			r.QueryID, fmtMS(r.FirstAudio), fmtMS(r.Total), r.AudioChunks, r.BrowserTTS, r.AudioBytes, status)
		if r.AudioChunks > 0 {
			firstAudio = append(firstAudio, r.FirstAudio)
		}
	}
	if len(firstAudio) == 0 {
		return
	}
	sort.Slice(firstAudio, func(i, j int) bool { return firstAudio[i] < firstAudio[j] })
	fmt.Fprintf(w, "first_audio p50=%s p95=%s max=%s (n=%d)\n",
		fmtMS(percentile(firstAudio, 0.50)), fmtMS(percentile(firstAudio, 0.95)),
		fmtMS(firstAudio[len(firstAudio)-1]), len(firstAudio))
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted)-1) + 0.5)
	return sorted[idx]
}

func fmtMS(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}
