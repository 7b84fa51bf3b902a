package workspace

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/dshills/codefuse/internal/config"
	"github.com/dshills/codefuse/internal/metrics"
)

// Registry keeps one open Workspace per project root.
type Registry struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	open   map[string]*Workspace
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		open:    make(map[string]*Workspace),
	}
}

// Get returns the workspace for root, opening it on first use.
func (r *Registry) Get(ctx context.Context, root string) (*Workspace, error) {
	canonical, err := CanonicalRoot(root)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if ws, ok := r.open[canonical]; ok {
		return ws, nil
	}

	ws, err := Open(ctx, canonical, r.cfg, r.metrics, r.logger)
	if err != nil {
		return nil, err
	}
	r.open[canonical] = ws
	return ws, nil
}

// Roots lists the open project roots.
func (r *Registry) Roots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	roots := make([]string, 0, len(r.open))
	for root := range r.open {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// Close closes every open workspace.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for root, ws := range r.open {
		errs = append(errs, ws.Close())
		delete(r.open, root)
	}
	return errors.Join(errs...)
}
