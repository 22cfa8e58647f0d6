package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/embuer/embuer/internal/update"
)

const maxRequestBody = 64 << 10

// BootInfo reports deployments; *installer.Archive implements it.
type BootInfo interface {
	BootDeployment() string
	CurrentDeployment() string
}

type Server struct {
	svc         *update.Service
	boot        BootInfo
	broadcaster *Broadcaster
	metrics     http.Handler
	log         *log.Entry
}

func NewServer(svc *update.Service, boot BootInfo, broadcaster *Broadcaster) *Server {
	return &Server{
		svc:         svc,
		boot:        boot,
		broadcaster: broadcaster,
		log:         log.WithField("component", "api"),
	}
}

// SetMetricsHandler exposes h on /metrics. Must be called before SetupRoutes.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/install/file", s.handleInstallFile)
	mux.HandleFunc("POST /api/install/url", s.handleInstallURL)
	mux.HandleFunc("GET /api/pending", s.handlePending)
	mux.HandleFunc("POST /api/confirm", s.handleConfirm)
	mux.HandleFunc("GET /api/boot", s.handleBoot)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("ws upgrade error: %v", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.log.Warnf("rejecting watcher: %v", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		conn.Close()
		return
	}
	c.log.Debug("watcher connected")

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			c.log.Debug("watcher disconnected")
		}()
		c.readPump()
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleInstallFile(w http.ResponseWriter, r *http.Request) {
	var req InstallFileRequest
	if !s.decode(w, r, &req) {
		return
	}
	msg, err := s.svc.InstallFromFile(req.Path)
	s.reply(w, msg, err)
}

func (s *Server) handleInstallURL(w http.ResponseWriter, r *http.Request) {
	var req InstallURLRequest
	if !s.decode(w, r, &req) {
		return
	}
	msg, err := s.svc.InstallFromURL(req.URL)
	s.reply(w, msg, err)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.PendingUpdate()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !s.decode(w, r, &req) {
		return
	}
	msg, err := s.svc.Confirm(req.Accept)
	s.reply(w, msg, err)
}

func (s *Server) handleBoot(w http.ResponseWriter, r *http.Request) {
	if s.boot == nil {
		s.writeError(w, errors.New("boot information not available"))
		return
	}
	writeJSON(w, http.StatusOK, BootInfoResponse{
		Deployment: s.boot.BootDeployment(),
		Current:    s.boot.CurrentDeployment(),
	})
}

func (s *Server) reply(w http.ResponseWriter, msg string, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: msg})
}

var errEncoding = errors.New("request is not valid UTF-8 JSON")

// decode reads a JSON body. Strings must be valid UTF-8; encoding/json
// would otherwise replace bad bytes silently.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, fmt.Errorf("read body: %w", errEncoding))
		return false
	}
	if !utf8.Valid(body) {
		s.writeError(w, errEncoding)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errEncoding, err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if code == CodeServiceFault {
		s.log.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, ErrorResponse{Code: code, Error: err.Error()})
}

func classify(err error) (int, ErrorCode) {
	switch {
	case errors.Is(err, update.ErrBusy):
		return http.StatusConflict, CodeBusy
	case errors.Is(err, update.ErrNoPendingUpdate):
		return http.StatusConflict, CodeNoPendingUpdate
	case errors.Is(err, update.ErrInvalidArgument):
		return http.StatusBadRequest, CodeInvalidArgument
	case errors.Is(err, errEncoding):
		return http.StatusBadRequest, CodeEncoding
	default:
		return http.StatusInternalServerError, CodeServiceFault
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// checkOrigin admits non-browser clients and same-host or loopback pages.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// Listen opens unix:///path or tcp://host:port. A stale unix socket is
// replaced and the new one is restricted to owner and group.
func Listen(addr string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		path := strings.TrimPrefix(addr, "unix://")
		if path == "" {
			return nil, fmt.Errorf("empty socket path in %q", addr)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(path, 0o660); err != nil {
			ln.Close()
			return nil, err
		}
		return ln, nil
	case strings.HasPrefix(addr, "tcp://"):
		return net.Listen("tcp", strings.TrimPrefix(addr, "tcp://"))
	default:
		return nil, fmt.Errorf("unsupported listen address %q", addr)
	}
}

// Serve runs handler on ln until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           securityHeaders(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("API listening on %s://%s", ln.Addr().Network(), ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
