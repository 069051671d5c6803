// Package streamtest runs an in-process log streaming service for tests.
//
// Clients subscribe with {"event":"subscribe","data":"<topic>"} frames and
// receive {"event":"message","data":"<payload>"} frames for that topic.
package streamtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventSubscribe = "subscribe"
	eventMessage   = "message"
)

type frame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// Server is a websocket streaming endpoint backed by a Hub.
type Server struct {
	t          testing.TB
	srv        *httptest.Server
	hub        *Hub
	upgrader   websocket.Upgrader
	subscribed chan string

	mu    sync.Mutex
	conns map[*client]struct{}
}

// NewServer starts a Server that is shut down when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		t:          t,
		hub:        NewHub(),
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		subscribed: make(chan string, 64),
		conns:      make(map[*client]struct{}),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWS))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// WaitSubscribed blocks until a client subscribes and returns the topic.
func (s *Server) WaitSubscribed(timeout time.Duration) string {
	s.t.Helper()
	select {
	case topic := <-s.subscribed:
		return topic
	case <-time.After(timeout):
		s.t.Fatalf("no subscription within %s", timeout)
		return ""
	}
}

// Publish sends a {"log": line} payload to topic subscribers.
func (s *Server) Publish(topic, line string) int {
	payload, err := json.Marshal(map[string]string{"log": line})
	if err != nil {
		s.t.Fatalf("encode log payload: %v", err)
	}
	return s.PublishRaw(topic, string(payload))
}

// PublishRaw sends payload verbatim as the message data.
func (s *Server) PublishRaw(topic, payload string) int {
	data, err := json.Marshal(frame{Event: eventMessage, Data: payload})
	if err != nil {
		s.t.Fatalf("encode frame: %v", err)
	}
	return s.hub.Broadcast(topic, data)
}

// DropAll closes every open connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Connections reports the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting connections and drops existing ones.
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
	s.hub.Stop()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.track(c, true)
	defer func() {
		s.hub.Unregister(c)
		s.track(c, false)
		c.Close()
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Event != eventSubscribe || f.Data == "" {
			continue
		}
		s.hub.Register(f.Data, c)
		select {
		case s.subscribed <- f.Data:
		default:
		}
	}
}

func (s *Server) track(c *client, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.conns[c] = struct{}{}
		return
	}
	delete(s.conns, c)
}

// client serializes writes to one websocket connection.
type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *client) Close() {
	_ = c.conn.Close()
}
