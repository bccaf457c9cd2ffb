package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"voxelstream.ai/internal/sim/world"
)

// StatusFunc snapshots world counters. It is called from session goroutines,
// so it must hop onto the control goroutine itself (e.g. via World.Do).
type StatusFunc func(ctx context.Context) (world.Stats, error)

type Options struct {
	// PushHz caps status pushes per session; Burst is the limiter bucket.
	PushHz      float64
	Burst       int
	MaxSessions int
	Logger      *log.Logger
}

type Server struct {
	status StatusFunc
	opts   Options
	log    *log.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]chan []byte
}

func NewServer(status StatusFunc, opts Options) *Server {
	if opts.PushHz <= 0 {
		opts.PushHz = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		status: status,
		opts:   opts,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
		sessions: map[string]chan []byte{},
	}
}

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Publish sends a notice to every session. Slow sessions miss it.
func (s *Server) Publish(kind string, data any) {
	b, err := json.Marshal(NoticeMsg{Type: "NOTICE", ProtocolVersion: Version, Kind: kind, Data: data})
	if err != nil {
		s.log.Printf("[feed] marshal notice %s: %v", kind, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, out := range s.sessions {
		select {
		case out <- b:
		default:
		}
	}
}

func (s *Server) join() (string, chan []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) >= s.opts.MaxSessions {
		return "", nil, false
	}
	sid := "O-" + uuid.NewString()
	out := make(chan []byte, 64)
	s.sessions[sid] = out
	return sid, out, true
}

func (s *Server) leave(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sid)
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !IsLoopbackRemote(r.RemoteAddr) {
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

		sid, out, ok := s.join()
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		defer s.leave(sid)
		s.log.Printf("[feed] session %s from %s", sid, r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		intervals := make(chan time.Duration, 1)
		writeErr := make(chan error, 1)
		go func() {
			writeErr <- s.pushLoop(ctx, conn, sid, out, interval(sub), intervals)
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
			select {
			case intervals <- interval(sub):
			default:
				// Drop updates under load; the client may resend.
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) pushLoop(ctx context.Context, conn *websocket.Conn, sid string, out <-chan []byte, every time.Duration, intervals <-chan time.Duration) error {
	lim := rate.NewLimiter(rate.Limit(s.opts.PushHz), s.opts.Burst)
	tick := time.NewTicker(every)
	defer tick.Stop()

	var seq uint64
	push := func() error {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		st, err := s.status(ctx)
		if err != nil {
			return err
		}
		seq++
		return writeJSON(conn, StatusMsg{
			Type:            "STATUS",
			ProtocolVersion: Version,
			Session:         sid,
			Seq:             seq,
			Time:            time.Now().UTC().Format(time.RFC3339Nano),
			Stats:           st,
		})
	}
	if err := push(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-intervals:
			tick.Reset(d)
		case b := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return err
			}
		case <-tick.C:
			if err := push(); err != nil {
				return err
			}
		}
	}
}

func parseSubscribe(msg []byte) (SubscribeMsg, bool) {
	var sub SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	return sub, sub.Type == "SUBSCRIBE" && sub.ProtocolVersion == Version
}

func interval(sub SubscribeMsg) time.Duration {
	ms := sub.IntervalMs
	if ms <= 0 {
		ms = 1000
	}
	ms = min(max(ms, 100), 60_000)
	return time.Duration(ms) * time.Millisecond
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// IsLoopbackRemote reports whether an http.Request RemoteAddr is a loopback IP.
func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
