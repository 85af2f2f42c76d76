package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"brickstream.ai/internal/engine"
	"brickstream.ai/internal/viewerproto"
	"brickstream.ai/internal/voxel/brick"
	"brickstream.ai/internal/voxel/grid"
)

// Info is the static description served by the bootstrap endpoint.
type Info struct {
	RunID  string
	Dims   grid.Dims
	Width  int
	Height int
	// AllowRemote accepts viewers from non-loopback addresses.
	AllowRemote bool
}

// Server streams rendered frames to websocket viewers. It implements
// engine.Sink; Publish never blocks on a viewer.
type Server struct {
	info Info
	log  *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	frame    atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	everyN  atomic.Int32
	seen    uint64 // guarded by Server.mu
	dropped atomic.Uint64
	out     chan outFrame
}

type outFrame struct {
	meta viewerproto.FrameMsg
	png  []byte
}

func NewServer(info Info, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		info:     info,
		log:      logger,
		sessions: map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 256 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Handler routes the bootstrap and frame endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/v1/frames", s.WSHandler())
	return mux
}

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) allowed(r *http.Request) bool {
	return s.info.AllowRemote || isLoopbackRemote(r.RemoteAddr)
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		resp := viewerproto.BootstrapResponse{
			ProtocolVersion: viewerproto.Version,
			RunID:           s.info.RunID,
			Frame:           s.frame.Load(),
			Grid: viewerproto.GridParams{
				Dims:      [3]int{s.info.Dims.X, s.info.Dims.Y, s.info.Dims.Z},
				BrickSize: brick.Size,
			},
			Image: viewerproto.ImageParams{
				Width:  s.info.Width,
				Height: s.info.Height,
				Format: "png",
			},
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

// Publish encodes img once and offers it to every subscribed viewer whose
// rate selects this frame. Viewers with a full queue miss the frame.
func (s *Server) Publish(st engine.FrameStats, img *image.RGBA) {
	s.frame.Store(st.Frame)

	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		n := uint64(max(sess.everyN.Load(), 1))
		if sess.seen%n == 0 {
			targets = append(targets, sess)
		}
		sess.seen++
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		s.log.Printf("frame %d: png encode: %v", st.Frame, err)
		return
	}
	b := img.Bounds()
	meta := viewerproto.FrameMsg{
		Type:            viewerproto.TypeFrame,
		ProtocolVersion: viewerproto.Version,
		Frame:           st.Frame,
		Width:           b.Dx(),
		Height:          b.Dy(),
		Hits:            st.Dispatch.Hits,
		Misses:          st.Dispatch.Misses,
		Requested:       st.Dispatch.Requested,
		Loaded:          st.Feedback.Loaded,
		Resident:        st.Resident,
		Backlog:         st.Stage.Backlog,
		DurationMS:      st.DurationMS,
		PNGBytes:        buf.Len(),
	}
	data := buf.Bytes()
	for _, sess := range targets {
		m := meta
		m.Dropped = sess.dropped.Load()
		select {
		case sess.out <- outFrame{meta: m, png: data}:
		default:
			sess.dropped.Add(1)
		}
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
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

		sid := fmt.Sprintf("V%d", s.nextID.Add(1))
		sess := &session{out: make(chan outFrame, 4)}
		sess.everyN.Store(int32(sub.EveryN))
		s.mu.Lock()
		s.sessions[sid] = sess
		s.mu.Unlock()
		s.log.Printf("viewer %s subscribed from %s (every %d)", sid, r.RemoteAddr, sub.EveryN)
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sid)
			s.mu.Unlock()
			s.log.Printf("viewer %s left (%d frames dropped)", sid, sess.dropped.Load())
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case f := <-sess.out:
					b, err := json.Marshal(f.meta)
					if err != nil {
						writeErr <- err
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
					if err := conn.WriteMessage(websocket.BinaryMessage, f.png); err != nil {
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
			if sub, ok := parseSubscribe(msg); ok {
				sess.everyN.Store(int32(sub.EveryN))
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

func parseSubscribe(msg []byte) (viewerproto.SubscribeMsg, bool) {
	var sub viewerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != viewerproto.TypeSubscribe || sub.ProtocolVersion != viewerproto.Version {
		return sub, false
	}
	if sub.EveryN <= 0 {
		sub.EveryN = 1
	}
	if sub.EveryN > 1000 {
		sub.EveryN = 1000
	}
	return sub, true
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
