package signaling

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/consult-signal/internal/config"
	"github.com/wilsonzlin/consult-signal/internal/metrics"
)

type stoppedClock struct{ now time.Time }

func (c stoppedClock) Now() time.Time { return c.now }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		t.Fatalf("decode event %q: %v", b, err)
	}
	return ev
}

func expectEvent(t *testing.T, ws *websocket.Conn, want EventType) Event {
	t.Helper()
	ev := readEvent(t, ws)
	if ev.Type != want {
		t.Fatalf("event=%+v, want %s", ev, want)
	}
	return ev
}

// readClose reads until the server closes and returns the close code.
func readClose(t *testing.T, ws *websocket.Conn) (int, string) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read err=%v, want close frame", err)
		}
		return ce.Code, ce.Text
	}
}

// connect dials and consumes the connected event.
func connect(t *testing.T, ts *httptest.Server, query string) (*websocket.Conn, string) {
	t.Helper()
	ws := dial(t, ts, query)
	ev := expectEvent(t, ws, EventConnected)
	if ev.ConnectionID == "" {
		t.Fatalf("connected event without connection id")
	}
	return ws, ev.ConnectionID
}

func newPionOffer(t *testing.T) (*webrtc.PeerConnection, webrtc.SessionDescription) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	if _, err := pc.CreateDataChannel("consult", nil); err != nil {
		t.Fatalf("create datachannel: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return pc, offer
}

func TestServer_CallOverWebSocket(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m})

	dr, drID := connect(t, ts, "")
	pt, ptID := connect(t, ts, "")

	sendJSON(t, pt, map[string]any{"type": "join_room", "roomId": "patient-7", "displayName": "Pat"})
	expectEvent(t, pt, EventRoomJoined)
	sendJSON(t, dr, map[string]any{"type": "join_room", "roomId": "patient-7", "displayName": "Dr. Lee"})
	joined := expectEvent(t, dr, EventRoomJoined)
	if len(joined.Peers) != 1 || joined.Peers[0].ConnectionID != ptID || joined.Peers[0].DisplayName != "Pat" {
		t.Fatalf("peers=%+v, want patient", joined.Peers)
	}
	if ev := expectEvent(t, pt, EventPeerJoined); ev.From != drID {
		t.Fatalf("peer-joined from=%q, want %q", ev.From, drID)
	}

	_, offer := newPionOffer(t)
	sendJSON(t, dr, map[string]any{"type": "call-user", "targetRoomId": "patient-7", "offer": offer})

	made := expectEvent(t, pt, EventCallMade)
	if made.From != drID || made.Name != "Dr. Lee" {
		t.Fatalf("call-made=%+v, want from doctor", made)
	}
	var gotOffer webrtc.SessionDescription
	if err := json.Unmarshal(made.Offer, &gotOffer); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if gotOffer.Type != webrtc.SDPTypeOffer || gotOffer.SDP != offer.SDP {
		t.Fatalf("offer SDP changed in transit")
	}

	ptPC, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new pc: %v", err)
	}
	t.Cleanup(func() { _ = ptPC.Close() })
	if err := ptPC.SetRemoteDescription(gotOffer); err != nil {
		t.Fatalf("set remote: %v", err)
	}
	answer, err := ptPC.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	sendJSON(t, pt, map[string]any{"type": "make-answer", "to": made.From, "answer": answer})

	ans := expectEvent(t, dr, EventAnswerMade)
	var gotAnswer webrtc.SessionDescription
	if err := json.Unmarshal(ans.Answer, &gotAnswer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if gotAnswer.SDP != answer.SDP || ans.CallID != made.CallID {
		t.Fatalf("answer-made=%+v, want answer for call %s", ans, made.CallID)
	}

	sendJSON(t, pt, map[string]any{"type": "ice-candidate", "to": drID, "candidate": map[string]any{"candidate": "candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host", "sdpMid": "0", "sdpMLineIndex": 0}})
	if ev := expectEvent(t, dr, EventICECandidateReceived); ev.From != ptID {
		t.Fatalf("candidate from=%q, want %q", ev.From, ptID)
	}

	_ = pt.Close()
	if ev := expectEvent(t, dr, EventPeerDisconnected); ev.From != ptID || ev.RoomID != "patient-7" {
		t.Fatalf("peer-disconnected=%+v, want patient in patient-7", ev)
	}
	if got := m.Get(metrics.CallsConnected); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.CallsConnected, got)
	}
}

func TestServer_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m})
	ws, _ := connect(t, ts, "")

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := expectEvent(t, ws, EventSignalRejected); ev.Code != CodeBadMessage {
		t.Fatalf("code=%q, want %q", ev.Code, CodeBadMessage)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := expectEvent(t, ws, EventSignalRejected); ev.Code != CodeBadMessage {
		t.Fatalf("code=%q, want %q", ev.Code, CodeBadMessage)
	}

	sendJSON(t, ws, map[string]any{"type": "join_room", "roomId": "r1"})
	expectEvent(t, ws, EventRoomJoined)
	if got := m.Get(metrics.DropReasonMalformed); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.DropReasonMalformed, got)
	}
}

func TestServer_OversizedMessageCloses(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxSignalingMessageBytes: 64})
	ws, _ := connect(t, ts, "")

	sendJSON(t, ws, map[string]any{"type": "join_room", "roomId": strings.Repeat("x", 128)})
	if code, _ := readClose(t, ws); code != websocket.CloseMessageTooBig {
		t.Fatalf("close code=%d, want %d", code, websocket.CloseMessageTooBig)
	}
}

func TestServer_RateLimitCloses(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{
		MaxSignalingMessagesPerSecond: 2,
		Clock:                         stoppedClock{now: time.Unix(0, 0)},
		Metrics:                       m,
	})
	ws, _ := connect(t, ts, "")

	for i := 0; i < 3; i++ {
		sendJSON(t, ws, map[string]any{"type": "join_room", "roomId": "r1"})
	}
	code, text := readClose(t, ws)
	if code != websocket.ClosePolicyViolation || text != "rate limit exceeded" {
		t.Fatalf("close=%d %q, want %d rate limit exceeded", code, text, websocket.ClosePolicyViolation)
	}
	if got := m.Get(metrics.DropReasonRateLimited); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.DropReasonRateLimited, got)
	}
}

func TestServer_RateLimitPricesFramesByKind(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{
		MaxSignalingMessagesPerSecond: 3,
		Clock:                         stoppedClock{now: time.Unix(0, 0)},
		Metrics:                       m,
	})
	ws, _ := connect(t, ts, "")

	sendJSON(t, ws, map[string]any{"type": "join_room", "roomId": "r1"})
	expectEvent(t, ws, EventRoomJoined)
	// Four candidates cost as much as two messages; each is rejected because
	// the room has no call.
	for i := 0; i < 4; i++ {
		sendJSON(t, ws, map[string]any{"type": "ice-candidate", "roomId": "r1", "candidate": map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}})
		expectEvent(t, ws, EventSignalRejected)
	}
	sendJSON(t, ws, map[string]any{"type": "ice-candidate", "roomId": "r1", "candidate": map[string]any{"candidate": "x"}})
	if code, text := readClose(t, ws); code != websocket.ClosePolicyViolation || text != "rate limit exceeded" {
		t.Fatalf("close=%d %q, want %d rate limit exceeded", code, text, websocket.ClosePolicyViolation)
	}
}

func TestServer_MalformedFramesCostMore(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{
		MaxSignalingMessagesPerSecond: 3,
		Clock:                         stoppedClock{now: time.Unix(0, 0)},
		Metrics:                       m,
	})
	ws, _ := connect(t, ts, "")

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectEvent(t, ws, EventSignalRejected)
	if err := ws.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code, _ := readClose(t, ws); code != websocket.ClosePolicyViolation {
		t.Fatalf("close code=%d, want %d", code, websocket.ClosePolicyViolation)
	}
	if got := m.Get(metrics.DropReasonMalformed); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.DropReasonMalformed, got)
	}
	if got := m.Get(metrics.DropReasonRateLimited); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.DropReasonRateLimited, got)
	}
}

func TestServer_IdleTimeout(t *testing.T) {
	_, ts := newTestServer(t, Config{
		SignalingWSIdleTimeout:  150 * time.Millisecond,
		SignalingWSPingInterval: time.Hour,
	})
	ws, _ := connect(t, ts, "")
	// Swallow pings so the server sees no pongs.
	ws.SetPingHandler(func(string) error { return nil })

	code, text := readClose(t, ws)
	if code != websocket.CloseNormalClosure || text != "idle timeout" {
		t.Fatalf("close=%d %q, want normal idle timeout", code, text)
	}
}

func TestServer_PongsKeepConnectionAlive(t *testing.T) {
	_, ts := newTestServer(t, Config{
		SignalingWSIdleTimeout:  300 * time.Millisecond,
		SignalingWSPingInterval: 50 * time.Millisecond,
	})
	ws, _ := connect(t, ts, "")

	// The default ping handler answers while we wait in ReadMessage.
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	errCh := make(chan error, 1)
	go func() {
		_, _, err := ws.ReadMessage()
		errCh <- err
	}()
	select {
	case err := <-errCh:
		t.Fatalf("connection closed while answering pings: %v", err)
	case <-time.After(800 * time.Millisecond):
	}

	sendJSON(t, ws, map[string]any{"type": "join_room", "roomId": "r1"})
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("read after keepalive: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for room-joined")
	}
}

func TestServer_MaxConnections(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{MaxConnections: 1, Metrics: m})
	connect(t, ts, "")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	if err == nil {
		t.Fatalf("second dial succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v, want 503", resp)
	}
	if got := m.Get(metrics.ConnectionsDenied); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.ConnectionsDenied, got)
	}
}

func newAPIKeyServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	authz, err := NewAuthAuthorizer(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewAuthAuthorizer: %v", err)
	}
	cfg.Authorizer = authz
	return newTestServer(t, cfg)
}

func TestServer_AuthViaQuery(t *testing.T) {
	srv, ts := newAPIKeyServer(t, Config{})
	connect(t, ts, "apiKey=secret")
	if got := srv.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount()=%d, want 1", got)
	}
}

func TestServer_AuthViaFirstMessage(t *testing.T) {
	_, ts := newAPIKeyServer(t, Config{})
	ws := dial(t, ts, "")
	sendJSON(t, ws, map[string]any{"type": "auth", "apiKey": "secret"})
	expectEvent(t, ws, EventConnected)
}

func TestServer_AuthRejections(t *testing.T) {
	cases := []struct {
		name     string
		query    string
		first    any
		wantCode int
		wantText string
	}{
		{"bad query key", "apiKey=wrong", nil, websocket.ClosePolicyViolation, "invalid credentials"},
		{"bad message key", "", map[string]any{"type": "auth", "apiKey": "wrong"}, websocket.ClosePolicyViolation, "invalid credentials"},
		{"signal before auth", "", map[string]any{"type": "join_room", "roomId": "r1"}, websocket.ClosePolicyViolation, "authentication required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := metrics.New()
			_, ts := newAPIKeyServer(t, Config{Metrics: m})
			ws := dial(t, ts, tc.query)
			if tc.first != nil {
				sendJSON(t, ws, tc.first)
			}
			code, text := readClose(t, ws)
			if code != tc.wantCode || text != tc.wantText {
				t.Fatalf("close=%d %q, want %d %q", code, text, tc.wantCode, tc.wantText)
			}
			if got := m.Get(metrics.AuthFailure); got != 1 {
				t.Fatalf("%s=%d, want 1", metrics.AuthFailure, got)
			}
		})
	}
}

func TestServer_AuthTimeout(t *testing.T) {
	_, ts := newAPIKeyServer(t, Config{SignalingAuthTimeout: 50 * time.Millisecond})
	ws := dial(t, ts, "")
	code, text := readClose(t, ws)
	if code != websocket.ClosePolicyViolation || text != "authentication timeout" {
		t.Fatalf("close=%d %q, want policy violation authentication timeout", code, text)
	}
}

func signJWT(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	enc := base64.RawURLEncoding
	input := enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." + enc.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(input))
	return input + "." + enc.EncodeToString(mac.Sum(nil))
}

func TestServer_JWTIdentityOutranksJoinFields(t *testing.T) {
	authz, err := NewAuthAuthorizer(config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "jwt-secret"})
	if err != nil {
		t.Fatalf("NewAuthAuthorizer: %v", err)
	}
	srv, ts := newTestServer(t, Config{Authorizer: authz})
	exp := time.Now().Add(time.Hour).Unix()

	pt, ptID := connect(t, ts, "token="+signJWT(t, "jwt-secret", map[string]any{"sub": "pt-42", "name": "Pat", "exp": exp}))
	dr, _ := connect(t, ts, "token="+signJWT(t, "jwt-secret", map[string]any{"sub": "dr-kal", "name": "Dr. Kal", "exp": exp}))

	sendJSON(t, pt, map[string]any{"type": "join_room", "roomId": "patient-42", "userId": "dr-kal", "displayName": "Dr. Kal"})
	expectEvent(t, pt, EventRoomJoined)
	sendJSON(t, dr, map[string]any{"type": "join_room", "roomId": "patient-42"})
	joined := expectEvent(t, dr, EventRoomJoined)

	want := Peer{ConnectionID: ptID, UserID: "pt-42", DisplayName: "Pat"}
	if len(joined.Peers) != 1 || joined.Peers[0] != want {
		t.Fatalf("peers=%+v, want %+v", joined.Peers, want)
	}
	expected := map[string]int64{"connections": 2, "rooms": 1, "active_calls": 0}
	for _, g := range srv.Gauges() {
		if got := g.Value(); got != expected[g.Name] {
			t.Fatalf("gauge %s=%d, want %d", g.Name, got, expected[g.Name])
		}
	}
}

func TestServer_JWTWithoutSubjectRejected(t *testing.T) {
	authz, err := NewAuthAuthorizer(config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "jwt-secret"})
	if err != nil {
		t.Fatalf("NewAuthAuthorizer: %v", err)
	}
	_, ts := newTestServer(t, Config{Authorizer: authz})

	ws := dial(t, ts, "token="+signJWT(t, "jwt-secret", map[string]any{"exp": time.Now().Add(time.Hour).Unix()}))
	if code, text := readClose(t, ws); code != websocket.ClosePolicyViolation || text != "invalid credentials" {
		t.Fatalf("close=%d %q, want policy violation invalid credentials", code, text)
	}
}

func TestServer_RoomPresence(t *testing.T) {
	_, ts := newAPIKeyServer(t, Config{})
	ws, _ := connect(t, ts, "apiKey=secret")
	sendJSON(t, ws, map[string]any{"type": "join_room", "roomId": "r1"})
	expectEvent(t, ws, EventRoomJoined)

	resp, err := http.Get(ts.URL + "/rooms/r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401 without credentials", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/rooms/r1", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	var got struct {
		RoomID    string `json:"roomId"`
		Members   int    `json:"members"`
		CallState string `json:"callState"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RoomID != "r1" || got.Members != 1 || got.CallState != "idle" {
		t.Fatalf("presence=%+v, want r1 with 1 idle member", got)
	}
}

func TestServer_CloseEndsCallsAndConnections(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	dr, _ := connect(t, ts, "")
	pt, _ := connect(t, ts, "")
	sendJSON(t, dr, map[string]any{"type": "join_room", "roomId": "r1"})
	expectEvent(t, dr, EventRoomJoined)
	sendJSON(t, pt, map[string]any{"type": "join_room", "roomId": "r1"})
	expectEvent(t, pt, EventRoomJoined)
	expectEvent(t, dr, EventPeerJoined)
	sendJSON(t, dr, map[string]any{"type": "call-user", "targetRoomId": "r1", "offer": map[string]any{"type": "offer", "sdp": "v=0"}})
	expectEvent(t, pt, EventCallMade)

	srv.Close()

	for _, ws := range []*websocket.Conn{dr, pt} {
		if ev := expectEvent(t, ws, EventCallEnded); ev.Reason != "shutdown" {
			t.Fatalf("reason=%q, want shutdown", ev.Reason)
		}
		if code, _ := readClose(t, ws); code != websocket.CloseGoingAway {
			t.Fatalf("close code=%d, want %d", code, websocket.CloseGoingAway)
		}
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("dial after close: err=%v resp=%v, want 503", err, resp)
	}
}

func TestWSConn_EnqueueOverflowCloses(t *testing.T) {
	m := metrics.New()
	c := &wsConn{
		srv:  &Server{log: discardLogger(), metrics: m},
		id:   "c1",
		send: make(chan []byte, 1),
		done: make(chan struct{}),
	}
	if !c.enqueue([]byte("a")) {
		t.Fatalf("first enqueue failed")
	}
	if c.enqueue([]byte("b")) {
		t.Fatalf("enqueue into full queue succeeded")
	}
	select {
	case <-c.done:
	default:
		t.Fatalf("connection not closed after overflow")
	}
	if c.closeCode != websocket.CloseTryAgainLater {
		t.Fatalf("close code=%d, want %d", c.closeCode, websocket.CloseTryAgainLater)
	}
	if c.enqueue([]byte("c")) {
		t.Fatalf("enqueue after close succeeded")
	}
	if got := m.Get(metrics.DropReasonSendOverflow); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.DropReasonSendOverflow, got)
	}
}

func TestReadLimited(t *testing.T) {
	b, err := readLimited(strings.NewReader("hello"), 5)
	if err != nil || string(b) != "hello" {
		t.Fatalf("readLimited=%q, %v, want hello", b, err)
	}
	if _, err := readLimited(strings.NewReader("hello!"), 5); !errors.Is(err, errMessageTooLarge) {
		t.Fatalf("err=%v, want errMessageTooLarge", err)
	}
}
