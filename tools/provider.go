package tools

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Tool server names.
const (
	ServerCommon = "COMMON"
	ServerAtlas  = "ATLAS"
)

// Provider calls tools by name. Unknown tools answer with DefaultResponse
// rather than an error.
type Provider interface {
	Call(ctx context.Context, toolName string, args map[string]any) (map[string]any, error)
}

// DefaultResponse is the generic success returned for unknown tools.
func DefaultResponse() map[string]any {
	return map[string]any{"status": "mock_success", "data": "default_mock_response"}
}

// Server is a named set of tools.
type Server struct {
	name   string
	tools  map[string]Tool
	logger *slog.Logger
	mutex  sync.RWMutex
}

// NewServer returns a server exposing the given tools.
func NewServer(name string, logger *slog.Logger, tools ...Tool) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		name:   name,
		tools:  make(map[string]Tool, len(tools)),
		logger: logger.With("server", name),
	}
	for _, tool := range tools {
		s.tools[tool.Name()] = tool
	}
	return s
}

// Name returns the server name
func (s *Server) Name() string {
	return s.name
}

// Register adds or replaces a tool
func (s *Server) Register(tool Tool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tools[tool.Name()] = tool
}

// Tools returns the sorted names of the registered tools
func (s *Server) Tools() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return slices.Sorted(maps.Keys(s.tools))
}

func (s *Server) Call(ctx context.Context, toolName string, args map[string]any) (map[string]any, error) {
	s.mutex.RLock()
	tool, ok := s.tools[toolName]
	s.mutex.RUnlock()

	s.logger.Info("calling tool", "tool", toolName, "args", slices.Sorted(maps.Keys(args)))
	if !ok {
		return DefaultResponse(), nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return tool.Call(ctx, args)
}

// Registry holds the tool servers stages talk to.
type Registry struct {
	servers  map[string]*Server
	fallback *Server
}

// NewRegistry returns a registry. The first server is the fallback for
// names that match none of them.
func NewRegistry(servers ...*Server) *Registry {
	r := &Registry{servers: make(map[string]*Server, len(servers))}
	for _, s := range servers {
		r.servers[s.Name()] = s
		if r.fallback == nil {
			r.fallback = s
		}
	}
	return r
}

// Client returns the server whose name occurs in serverName, falling back to
// the first registered server.
func (r *Registry) Client(serverName string) Provider {
	if s, ok := r.servers[serverName]; ok {
		return s
	}
	for _, name := range slices.Sorted(maps.Keys(r.servers)) {
		if strings.Contains(serverName, name) {
			return r.servers[name]
		}
	}
	if r.fallback == nil {
		return nil
	}
	return r.fallback
}
