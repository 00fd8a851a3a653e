package tools

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/m4xw311/agentlib/errors"
)

// Source is a remote provider of tools, such as an MCP server. ListTools is
// called on every registry lookup, so it must reflect current connectivity.
type Source interface {
	Name() string
	ListTools(ctx context.Context) ([]Tool, error)
}

// Registry holds the native tools and the attached remote sources. Tool
// names are unique across both. Registrations and source changes are
// serialised so a collision check and its insert cannot interleave with
// another mutation; lookups only take the read lock.
type Registry struct {
	mutate  sync.Mutex
	mu      sync.RWMutex
	native  []Tool
	byName  map[string]Tool
	sources []Source
	logger  *slog.Logger
}

type RegistryOption func(*Registry)

func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{byName: make(map[string]Tool), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a native tool. The name must be non-blank and must not be
// provided natively or by any reachable source. ctx bounds the source
// polling.
func (r *Registry) Register(ctx context.Context, t Tool) error {
	if t == nil {
		return &errors.InvalidToolDescriptorError{Reason: "nil tool"}
	}
	name := t.Name()
	if strings.TrimSpace(name) == "" {
		return &errors.InvalidToolDescriptorError{Name: name, Reason: "missing name"}
	}
	if v, ok := t.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	r.mutate.Lock()
	defer r.mutate.Unlock()

	r.mu.RLock()
	sources := append([]Source(nil), r.sources...)
	r.mu.RUnlock()
	for _, src := range sources {
		remote, err := src.ListTools(ctx)
		if err != nil {
			r.logger.Warn("skipping unreachable tool source", "source", src.Name(), "error", err)
			continue
		}
		for _, rt := range remote {
			if rt.Name() == name {
				return &errors.DuplicateToolNameError{Name: name, Source: src.Name()}
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return &errors.DuplicateToolNameError{Name: name}
	}
	r.byName[name] = t
	r.native = append(r.native, t)
	return nil
}

// AddSource attaches a remote source after checking that none of its tools
// collide with native tools, other sources, or each other.
func (r *Registry) AddSource(ctx context.Context, src Source) error {
	r.mutate.Lock()
	defer r.mutate.Unlock()

	remote, err := src.ListTools(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to list tools from source %q", src.Name())
	}

	r.mu.RLock()
	for _, s := range r.sources {
		if s.Name() == src.Name() {
			r.mu.RUnlock()
			return errors.New("tool source %q is already attached", src.Name())
		}
	}
	others := append([]Source(nil), r.sources...)
	taken := make(map[string]bool, len(r.byName))
	for name := range r.byName {
		taken[name] = true
	}
	r.mu.RUnlock()

	for _, s := range others {
		ts, err := s.ListTools(ctx)
		if err != nil {
			r.logger.Warn("skipping unreachable tool source", "source", s.Name(), "error", err)
			continue
		}
		for _, t := range ts {
			taken[t.Name()] = true
		}
	}
	for _, t := range remote {
		if taken[t.Name()] {
			return &errors.DuplicateToolNameError{Name: t.Name(), Source: src.Name()}
		}
		taken[t.Name()] = true
	}

	r.mu.Lock()
	r.sources = append(r.sources, src)
	r.mu.Unlock()
	r.logger.Info("attached tool source", "source", src.Name(), "tools", len(remote))
	return nil
}

// RemoveSource detaches the named source. It reports whether it was attached.
func (r *Registry) RemoveSource(name string) bool {
	r.mutate.Lock()
	defer r.mutate.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.sources {
		if s.Name() == name {
			r.sources = append(r.sources[:i:i], r.sources[i+1:]...)
			return true
		}
	}
	return false
}

// Resolve looks a tool up by name, native tools first, then each source in
// the order it was attached.
func (r *Registry) Resolve(ctx context.Context, name string) (Tool, bool) {
	r.mu.RLock()
	t, ok := r.byName[name]
	sources := append([]Source(nil), r.sources...)
	r.mu.RUnlock()
	if ok {
		return t, true
	}
	for _, src := range sources {
		remote, err := src.ListTools(ctx)
		if err != nil {
			r.logger.Warn("skipping unreachable tool source", "source", src.Name(), "error", err)
			continue
		}
		for _, rt := range remote {
			if rt.Name() == name {
				return rt, true
			}
		}
	}
	return nil, false
}

// AllDescriptors returns a fresh snapshot of every reachable tool: native
// tools in registration order, then each source's tools. Sources are polled
// on every call.
func (r *Registry) AllDescriptors(ctx context.Context) []Tool {
	r.mu.RLock()
	out := append([]Tool(nil), r.native...)
	sources := append([]Source(nil), r.sources...)
	r.mu.RUnlock()

	seen := make(map[string]bool, len(out))
	for _, t := range out {
		seen[t.Name()] = true
	}
	for _, src := range sources {
		remote, err := src.ListTools(ctx)
		if err != nil {
			r.logger.Warn("skipping unreachable tool source", "source", src.Name(), "error", err)
			continue
		}
		for _, t := range remote {
			if seen[t.Name()] {
				r.logger.Warn("skipping duplicate remote tool", "source", src.Name(), "tool", t.Name())
				continue
			}
			seen[t.Name()] = true
			out = append(out, t)
		}
	}
	return out
}

// SourceNames lists the attached sources in attach order.
func (r *Registry) SourceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.sources))
	for i, s := range r.sources {
		names[i] = s.Name()
	}
	return names
}
