package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/orbi-tal/glaze-autotiler/internal/engine"
	"github.com/orbi-tal/glaze-autotiler/internal/util"
)

// Engine is the part of the engine the control server drives.
type Engine interface {
	Layouts() []engine.LayoutInfo
	SetLayout(ctx context.Context, workspaceID, name string) (string, error)
	Resync(ctx context.Context) error
	Inspect() engine.Inspection
}

// Options configures a Server.
type Options struct {
	// SocketPath defaults to DefaultSocketPath.
	SocketPath string
	// Reload re-reads the configuration from disk.
	Reload func(reason string) error
	// SetDefault persists a new default layout.
	SetDefault func(name string) error
}

// Server hosts the control socket and serves requests.
type Server struct {
	engine     Engine
	logger     *util.Logger
	reload     func(reason string) error
	setDefault func(name string) error
	socketPath string

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new control server.
func NewServer(eng Engine, logger *util.Logger, opts Options) (*Server, error) {
	path := opts.SocketPath
	if path == "" {
		var err error
		path, err = DefaultSocketPath()
		if err != nil {
			return nil, err
		}
	}
	return &Server{
		engine:     eng,
		logger:     logger,
		reload:     opts.Reload,
		setDefault: opts.SetDefault,
		socketPath: path,
	}, nil
}

// SocketPath reports where the server listens.
func (s *Server) SocketPath() string { return s.socketPath }

// Serve listens on the control socket until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.prepareSocket(); err != nil {
		return err
	}
	s.logger.Infof("control server listening on %s", s.socketPath)
	defer s.cleanup()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.logger.Errorf("control accept error: %v", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) accept(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return nil, context.Canceled
	}
	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

func (s *Server) prepareSocket() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

func (s *Server) cleanup() {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("remove control socket: %v", err)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.writeError(conn, fmt.Errorf("decode request: %w", err))
		return
	}
	s.logger.Debugf("control request %s", req.Action)
	switch req.Action {
	case ActionLayoutList:
		s.writeOK(conn, LayoutList{Layouts: s.engine.Layouts()})
	case ActionLayoutSet:
		s.handleLayoutSet(ctx, conn, req.Params)
	case ActionReload:
		s.handleReload(conn)
	case ActionResync:
		if err := s.engine.Resync(ctx); err != nil {
			s.writeError(conn, err)
			return
		}
		s.writeOK(conn, nil)
	case ActionInspect:
		s.writeOK(conn, s.engine.Inspect())
	default:
		s.writeError(conn, fmt.Errorf("unknown action %q", req.Action))
	}
}

// handleLayoutSet applies a layout to one workspace, or with default=true
// persists it as the configured default and reloads.
func (s *Server) handleLayoutSet(ctx context.Context, conn net.Conn, params map[string]any) {
	name, _ := params["layout"].(string)
	if name == "" {
		s.writeError(conn, errors.New("missing layout name"))
		return
	}
	workspace, _ := params["workspace"].(string)
	persist, _ := params["default"].(bool)

	result := SetLayoutResult{Layout: name, Default: persist}
	if persist {
		if !s.known(name) {
			s.writeError(conn, fmt.Errorf("unknown layout %q", name))
			return
		}
		if s.setDefault == nil || s.reload == nil {
			s.writeError(conn, errors.New("changing the default layout is not supported"))
			return
		}
		if err := s.setDefault(name); err != nil {
			s.writeError(conn, fmt.Errorf("persist default layout: %w", err))
			return
		}
		if err := s.reload("default layout set to " + name); err != nil {
			s.writeError(conn, err)
			return
		}
		if workspace == "" {
			s.writeOK(conn, result)
			return
		}
	}
	applied, err := s.engine.SetLayout(ctx, workspace, name)
	if err != nil {
		s.writeError(conn, err)
		return
	}
	result.Workspace = applied
	s.writeOK(conn, result)
}

func (s *Server) known(name string) bool {
	for _, info := range s.engine.Layouts() {
		if info.Name == name {
			return true
		}
	}
	return false
}

func (s *Server) handleReload(conn net.Conn) {
	if s.reload == nil {
		s.writeError(conn, errors.New("reload not supported"))
		return
	}
	if err := s.reload("control request"); err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, nil)
}

func (s *Server) writeOK(conn net.Conn, data any) {
	resp := Response{Status: StatusOK}
	if data != nil {
		resp.Data = data
	}
	_ = json.NewEncoder(conn).Encode(resp)
}

func (s *Server) writeError(conn net.Conn, err error) {
	resp := Response{Status: StatusError}
	if err != nil {
		resp.Error = err.Error()
	}
	_ = json.NewEncoder(conn).Encode(resp)
}
