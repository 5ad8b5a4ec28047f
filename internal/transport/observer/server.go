package observer

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"scenewarden/internal/activation"
	"scenewarden/internal/observerproto"
	"scenewarden/internal/registry"
	"scenewarden/internal/session"
)

type client struct {
	id     string
	out    chan []byte
	kinds  map[string]bool
	events bool
}

// Server streams entity state of one session to loopback debug viewers.
type Server struct {
	sess  *session.Session
	log   *logrus.Entry
	every uint64

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	dropped uint64
}

func NewServer(sess *session.Session, everyTicks int, log *logrus.Entry) *Server {
	if everyTicks <= 0 {
		everyTicks = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		sess:  sess,
		log:   log,
		every: uint64(everyTicks),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
		clients: map[string]*client{},
	}
	sess.OnTick(s.tick)
	sess.AddSink(s)
	return s
}

func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Dropped counts messages discarded because a viewer fell behind.
func (s *Server) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// tick runs on the session loop.
func (s *Server) tick(tick uint64) {
	if tick%s.every != 0 || !s.sess.Debug() || s.Clients() == 0 {
		return
	}
	frame := observerproto.FrameMsg{
		Type:            "FRAME",
		ProtocolVersion: observerproto.Version,
		Tick:            tick,
		Entities:        s.sess.Entities(),
		Stats:           s.sess.Stats(),
	}
	o := s.sess.Viewpoint().Position
	frame.Observer = [3]float64{o.X, o.Y, o.Z}
	if occ := s.sess.Occlusion(); occ != nil {
		frame.Hidden = occ.Hidden()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var all []byte
	for _, c := range s.clients {
		var b []byte
		if len(c.kinds) == 0 {
			if all == nil {
				all, _ = json.Marshal(frame)
			}
			b = all
		} else {
			f := frame
			f.Entities = filterKinds(frame.Entities, c.kinds)
			b, _ = json.Marshal(f)
		}
		s.sendLocked(c, b)
	}
}

// Transition implements activation.Sink.
func (s *Server) Transition(e activation.Event) {
	if !s.sess.Debug() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var b []byte
	for _, c := range s.clients {
		if !c.events || (len(c.kinds) > 0 && !c.kinds[e.Kind]) {
			continue
		}
		if b == nil {
			b, _ = json.Marshal(observerproto.EventMsg{Type: "EVENT", ProtocolVersion: observerproto.Version, Event: e})
		}
		s.sendLocked(c, b)
	}
}

func (s *Server) sendLocked(c *client, b []byte) {
	select {
	case c.out <- b:
	default:
		s.dropped++
	}
}

func filterKinds(views []registry.View, kinds map[string]bool) []registry.View {
	out := make([]registry.View, 0, len(views))
	for _, v := range views {
		if kinds[v.Kind] {
			out = append(out, v)
		}
	}
	return out
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			SessionID:       s.sess.ID,
			TickRateHz:      s.sess.Tuning().TickRateHz,
			EveryTicks:      int(s.every),
			Debug:           s.sess.Debug(),
		}
		err := s.sess.Do(r.Context(), func() {
			resp.Tick = s.sess.Controller().CurrentTick()
			resp.Sources = s.sess.Rules().Sources()
		})
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		c := &client{id: uuid.NewString(), out: make(chan []byte, 256)}
		applySubscribe(c, sub)

		hello, _ := json.Marshal(observerproto.HelloMsg{
			Type:            "HELLO",
			ProtocolVersion: observerproto.Version,
			SessionID:       s.sess.ID,
			ConnID:          c.id,
		})
		c.out <- hello

		s.mu.Lock()
		s.clients[c.id] = c
		s.mu.Unlock()
		log := s.log.WithField("conn", c.id)
		log.Info("viewer connected")
		defer func() {
			s.mu.Lock()
			delete(s.clients, c.id)
			s.mu.Unlock()
			log.Info("viewer disconnected")
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			sub, ok := parseSubscribe(msg)
			if !ok {
				continue
			}
			s.mu.Lock()
			applySubscribe(c, sub)
			s.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	return sub, sub.Type == "SUBSCRIBE" && sub.ProtocolVersion == observerproto.Version
}

func applySubscribe(c *client, sub observerproto.SubscribeMsg) {
	c.kinds = nil
	for _, k := range sub.Kinds {
		if c.kinds == nil {
			c.kinds = map[string]bool{}
		}
		c.kinds[k] = true
	}
	c.events = sub.Events
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
