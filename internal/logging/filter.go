package logging

import (
	"context"
	"log/slog"
	"sync"
)

// ComponentFilterHandler applies a per-component minimum level. The
// component is taken from the "component" attribute, either attached with
// Logger.With or passed on the record. Components without an override use
// the default level.
type ComponentFilterHandler struct {
	next      slog.Handler
	state     *filterState
	component string
}

type filterState struct {
	mu        sync.RWMutex
	def       slog.Level
	overrides map[string]slog.Level
}

var _ slog.Handler = (*ComponentFilterHandler)(nil)

// NewComponentFilterHandler wraps next. next should accept every level;
// filtering happens here.
func NewComponentFilterHandler(next slog.Handler, def slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next: next,
		state: &filterState{
			def:       def,
			overrides: make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the minimum level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.state.mu.Lock()
	h.state.overrides[component] = level
	h.state.mu.Unlock()
}

// ClearLevel removes a component override.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.state.mu.Lock()
	delete(h.state.overrides, component)
	h.state.mu.Unlock()
}

// Level returns the effective minimum level for component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	if l, ok := h.state.overrides[component]; ok {
		return l
	}
	return h.state.def
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return h.state.def
}

// lowest returns the lowest level any component may log at, so Enabled can
// reject records cheaply before attributes are known.
func (h *ComponentFilterHandler) lowest() slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	low := h.state.def
	for _, l := range h.state.overrides {
		if l < low {
			low = l
		}
	}
	return low
}

func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.component != "" {
		return level >= h.Level(h.component)
	}
	return level >= h.lowest()
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.Level(component) {
		return nil
	}
	if h.next == nil {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			component = a.Value.String()
		}
	}
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithAttrs(attrs)
	}
	return &ComponentFilterHandler{next: next, state: h.state, component: component}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithGroup(name)
	}
	return &ComponentFilterHandler{next: next, state: h.state, component: h.component}
}
