package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/facecheck/internal/sampler"
)

func newHTTPBackend(t *testing.T, register func(r *gin.Engine)) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func testFrame() *sampler.FramePayload {
	return &sampler.FramePayload{Seq: 1, Data: []byte{0xff, 0xd8, 0xff, 0xd9}, Width: 1, Height: 1}
}

var testSelection = ModelSelection{DetectorBackend: "opencv", RecognitionModel: "VGG-Face"}

func TestModelSelectionValidate(t *testing.T) {
	detectors := []string{"opencv", "mtcnn"}
	models := []string{"VGG-Face"}

	cases := []struct {
		name string
		sel  ModelSelection
		ok   bool
	}{
		{"valid", testSelection, true},
		{"empty detector", ModelSelection{RecognitionModel: "VGG-Face"}, false},
		{"empty model", ModelSelection{DetectorBackend: "opencv"}, false},
		{"unknown detector", ModelSelection{DetectorBackend: "magic", RecognitionModel: "VGG-Face"}, false},
		{"unknown model", ModelSelection{DetectorBackend: "opencv", RecognitionModel: "Mystery"}, false},
	}
	for _, tc := range cases {
		err := tc.sel.Validate(detectors, models)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidSelection) {
			t.Fatalf("%s: expected ErrInvalidSelection, got %v", tc.name, err)
		}
	}

	if err := (ModelSelection{DetectorBackend: "any", RecognitionModel: "any"}).Validate(nil, nil); err != nil {
		t.Fatalf("expected open option sets to accept any non-empty value, got %v", err)
	}
}

func TestDecodeVerdict(t *testing.T) {
	v, err := DecodeVerdict([]byte(`{"verified": true, "distance": 0.23, "threshold": 0.4}`))
	if err != nil || !v.Verified || v.Distance == nil || *v.Distance != 0.23 {
		t.Fatalf("unexpected verdict %+v err=%v", v, err)
	}

	v, err = DecodeVerdict([]byte(`{"error": "No frame available"}`))
	if err != nil || v.Error != "No frame available" {
		t.Fatalf("unexpected verdict %+v err=%v", v, err)
	}

	v, err = DecodeVerdict([]byte(`{"status": "ok"}`))
	if err != nil || v.Error != UnrecognizedResponse {
		t.Fatalf("expected unrecognized fallback, got %+v err=%v", v, err)
	}

	if _, err := DecodeVerdict([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestStatelessVerifyFrame(t *testing.T) {
	received := make(chan frameRequest, 1)
	server := newHTTPBackend(t, func(r *gin.Engine) {
		r.POST("/realtime_verify", func(c *gin.Context) {
			var req frameRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			received <- req
			c.JSON(http.StatusOK, gin.H{"verified": true, "distance": 0.23})
		})
	})

	tr := NewStateless(server.Client(), server.URL+"/match", server.URL+"/realtime_verify", zap.NewNop())
	verdict, err := tr.VerifyFrame(context.Background(), testFrame(), testSelection)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verdict.Verified || verdict.Distance == nil || *verdict.Distance != 0.23 || verdict.Seq == 0 {
		t.Fatalf("unexpected verdict %+v", verdict)
	}

	req := <-received
	if !strings.HasPrefix(req.FrameData, "data:image/jpeg;base64,") {
		t.Fatalf("unexpected frame data %q", req.FrameData)
	}
	if req.DetectorBackend != "opencv" || req.RecognitionModel != "VGG-Face" {
		t.Fatalf("unexpected selection %+v", req.ModelSelection)
	}
}

func TestStatelessVerifyPairSendsBothImages(t *testing.T) {
	received := make(chan pairRequest, 1)
	server := newHTTPBackend(t, func(r *gin.Engine) {
		r.POST("/match", func(c *gin.Context) {
			var req pairRequest
			_ = c.ShouldBindJSON(&req)
			received <- req
			c.JSON(http.StatusOK, gin.H{"verified": false, "distance": 0.81})
		})
	})

	tr := NewStateless(server.Client(), server.URL+"/match", server.URL+"/realtime_verify", zap.NewNop())
	png := []byte("\x89PNG\r\n\x1a\nrest")
	verdict, err := tr.VerifyPair(context.Background(), png, []byte{0xff, 0xd8, 0xff, 0xe0}, "web-user", testSelection)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Verified {
		t.Fatal("expected negative verdict")
	}

	req := <-received
	if !strings.HasPrefix(req.ReferenceImage, "data:image/png;base64,") {
		t.Fatalf("unexpected reference %q", req.ReferenceImage)
	}
	if !strings.HasPrefix(req.TargetImage, "data:image/jpeg;base64,") {
		t.Fatalf("unexpected target %q", req.TargetImage)
	}
	if req.UserID != "web-user" {
		t.Fatalf("unexpected user id %q", req.UserID)
	}
}

func TestStatelessServerAndTransportErrors(t *testing.T) {
	server := newHTTPBackend(t, func(r *gin.Engine) {
		r.POST("/realtime_verify", func(c *gin.Context) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Face could not be detected"})
		})
		r.POST("/match", func(c *gin.Context) {
			c.String(http.StatusOK, "<html>proxy page</html>")
		})
	})
	tr := NewStateless(server.Client(), server.URL+"/match", server.URL+"/realtime_verify", zap.NewNop())

	_, err := tr.VerifyFrame(context.Background(), testFrame(), testSelection)
	var serverErr *ServerError
	if !errors.As(err, &serverErr) || serverErr.Reason != "Face could not be detected" {
		t.Fatalf("expected server error with reason, got %v", err)
	}

	verdict, err := tr.VerifyPair(context.Background(), []byte("a"), []byte("b"), "u", testSelection)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Error != UnrecognizedResponse {
		t.Fatalf("expected unrecognized fallback, got %+v", verdict)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	url := closed.URL
	closed.Close()
	down := NewStateless(nil, url+"/match", url+"/realtime_verify", zap.NewNop())
	_, err = down.VerifyFrame(context.Background(), testFrame(), testSelection)
	var transportErr *VerifyTransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected VerifyTransportError, got %v", err)
	}
}

type wsBackend struct {
	server   *httptest.Server
	received chan string
	conns    chan *websocket.Conn
}

func newWSBackend(t *testing.T) *wsBackend {
	t.Helper()
	b := &wsBackend{received: make(chan string, 16), conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.conns <- conn
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			b.received <- string(msg)
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *wsBackend) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func nextEvent(t *testing.T, events <-chan Event) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-events:
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("no event in time")
		return Event{}, false
	}
}

func TestStreamingDeliversUnsolicitedVerdicts(t *testing.T) {
	backend := newWSBackend(t)
	tr := NewStreaming(backend.url(), nil, zap.NewNop())
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tr.Close()
	if tr.State() != StateOpen {
		t.Fatalf("expected open state, got %s", tr.State())
	}

	conn := <-backend.conns
	if err := conn.WriteMessage(websocket.TextMessage, []byte("definitely not json")); err != nil {
		t.Fatalf("failed to push message: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"verified": false, "distance": 0.81}`)); err != nil {
		t.Fatalf("failed to push message: %v", err)
	}

	events := tr.Events()
	ev, _ := nextEvent(t, events)
	if !errors.Is(ev.Err, ErrMalformedMessage) {
		t.Fatalf("expected malformed message report, got %+v", ev)
	}
	ev, _ = nextEvent(t, events)
	if ev.Verdict == nil || ev.Verdict.Verified || *ev.Verdict.Distance != 0.81 {
		t.Fatalf("unexpected verdict event %+v", ev)
	}
	if tr.State() != StateOpen {
		t.Fatal("expected channel to survive a malformed message")
	}
}

func TestStreamingVerifyFrameSendsFrameThenMatch(t *testing.T) {
	backend := newWSBackend(t)
	tr := NewStreaming(backend.url(), nil, zap.NewNop())
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tr.Close()

	verdict, err := tr.VerifyFrame(context.Background(), testFrame(), testSelection)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != nil {
		t.Fatal("streaming sends must not return a verdict")
	}

	for i, want := range []string{"data:image/jpeg;base64,", MatchToken} {
		select {
		case msg := <-backend.received:
			if !strings.HasPrefix(msg, want) {
				t.Fatalf("message %d: expected prefix %q, got %q", i, want, msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not received", i)
		}
	}
}

func TestStreamingDistinguishesRemoteAndLocalClose(t *testing.T) {
	backend := newWSBackend(t)

	remote := NewStreaming(backend.url(), nil, zap.NewNop())
	if err := remote.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	conn := <-backend.conns
	conn.Close()

	ev, ok := nextEvent(t, remote.Events())
	if !ok || !errors.Is(ev.Err, ErrChannelClosedUnexpectedly) {
		t.Fatalf("expected remote close event, got %+v ok=%t", ev, ok)
	}
	if _, ok := nextEvent(t, remote.Events()); ok {
		t.Fatal("expected events channel to be closed after remote close")
	}
	if remote.State() != StateErrored {
		t.Fatalf("expected errored state, got %s", remote.State())
	}
	if _, err := remote.VerifyFrame(context.Background(), testFrame(), testSelection); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen after remote close, got %v", err)
	}

	local := NewStreaming(backend.url(), nil, zap.NewNop())
	if err := local.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-backend.conns
	events := local.Events()
	if err := local.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if ev, ok := nextEvent(t, events); ok {
		t.Fatalf("expected no event for client close, got %+v", ev)
	}
	if local.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", local.State())
	}
}

func TestStreamingOpenFailure(t *testing.T) {
	tr := NewStreaming("ws://127.0.0.1:1/ws", nil, zap.NewNop())
	err := tr.Open(context.Background())
	var transportErr *VerifyTransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected VerifyTransportError, got %v", err)
	}
	if tr.State() != StateErrored {
		t.Fatalf("expected errored state, got %s", tr.State())
	}
}
