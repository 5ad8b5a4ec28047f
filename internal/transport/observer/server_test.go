package observer

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"scenewarden/internal/observerproto"
	"scenewarden/internal/rules"
	"scenewarden/internal/scene"
	"scenewarden/internal/scene/memscene"
	"scenewarden/internal/session"
	"scenewarden/internal/tuning"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newStream(t *testing.T) (*session.Session, *Server, *httptest.Server) {
	t.Helper()
	s := memscene.New()
	s.Add("crate(itemx)").WithBody()
	s.Add("VAN").WithBody()

	tn := tuning.Defaults()
	tn.SpawnTriggers = nil
	tn.Vehicles = []tuning.Vehicle{{Name: "VAN"}}
	ss, err := session.New(session.Options{
		ID:      "sess-1",
		Tuning:  tn,
		Host:    s,
		World:   s,
		Sources: []rules.Source{{Name: "farm.rules", Lines: []string{"ignore: bucket"}}},
		Log:     quietLog(),
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	ss.Start()
	srv := NewServer(ss, 2, quietLog())

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/v1/stream/bootstrap", srv.BootstrapHandler())
	mux.HandleFunc("/debug/v1/stream/ws", srv.WSHandler())
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return ss, srv, hs
}

func dial(t *testing.T, hs *httptest.Server, sub observerproto.SubscribeMsg) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/debug/v1/stream/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(b, &head)
	if v != nil {
		if err := json.Unmarshal(b, v); err != nil {
			t.Fatalf("decode %s: %v", head.Type, err)
		}
	}
	return head.Type
}

func waitClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients=%d want %d", srv.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBootstrap(t *testing.T) {
	_, _, hs := newStream(t)
	resp, err := http.Get(hs.URL + "/debug/v1/stream/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var b observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.SessionID != "sess-1" || b.EveryTicks != 2 || b.ProtocolVersion != observerproto.Version {
		t.Fatalf("bootstrap=%+v", b)
	}
	if len(b.Sources) != 1 || b.Sources[0] != "farm.rules" {
		t.Fatalf("sources=%v", b.Sources)
	}
}

func TestNonLoopbackIsForbidden(t *testing.T) {
	_, srv, _ := newStream(t)
	for _, h := range []http.HandlerFunc{srv.BootstrapHandler(), srv.WSHandler()} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("code=%d", rec.Code)
		}
	}
}

func TestStreamsFramesOnlyWhileDebugIsOn(t *testing.T) {
	ss, srv, hs := newStream(t)
	conn := dial(t, hs, observerproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version, Kinds: []string{"vehicle"}, Events: true})

	var hello observerproto.HelloMsg
	if typ := readJSON(t, conn, &hello); typ != "HELLO" {
		t.Fatalf("first message %q", typ)
	}
	if hello.SessionID != "sess-1" || hello.ConnID == "" {
		t.Fatalf("hello=%+v", hello)
	}
	waitClients(t, srv, 1)

	ss.Step(2)
	ss.SetDebug(true)
	ss.Step(3)
	ss.SetViewpoint(scene.Viewpoint{Position: scene.Vec3{X: 10000}})
	ss.Step(4)

	// Only the vehicle is streamed: its transition event, then the frame.
	var ev observerproto.EventMsg
	if typ := readJSON(t, conn, &ev); typ != "EVENT" {
		t.Fatalf("got %q, want EVENT", typ)
	}
	if ev.Event.ID != "VAN" || ev.Event.Active {
		t.Fatalf("event=%+v", ev.Event)
	}
	var frame observerproto.FrameMsg
	if typ := readJSON(t, conn, &frame); typ != "FRAME" {
		t.Fatalf("got %q, want FRAME", typ)
	}
	if frame.Tick != 4 || len(frame.Entities) != 1 || frame.Entities[0].ID != "VAN" {
		t.Fatalf("frame=%+v", frame)
	}
	if frame.Observer != [3]float64{10000, 0, 0} {
		t.Fatalf("observer=%v", frame.Observer)
	}
}

func TestBadSubscribeIsRejected(t *testing.T) {
	_, srv, hs := newStream(t)
	conn := dial(t, hs, observerproto.SubscribeMsg{Type: "HELLO", ProtocolVersion: observerproto.Version})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v", err)
	}
	if srv.Clients() != 0 {
		t.Fatalf("clients=%d", srv.Clients())
	}
}
