// Package tools holds the name-to-handler registry used by the workflow interpreter.
package tools

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// Handler runs one tool call. Returned errors are recorded as failed steps.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Lookup resolves a tool by name.
type Lookup interface {
	Lookup(name string) (Handler, bool)
}

type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type entry struct {
	tool    Tool
	handler Handler
}

type Registry struct {
	mu     sync.RWMutex
	tools  map[string]entry
	logger *log.Logger
}

func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{tools: map[string]entry{}, logger: logger}
}

// Register adds a tool. Registering an existing name replaces it.
func (r *Registry) Register(name, description string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("tool name required")
	}
	if h == nil {
		return fmt.Errorf("tool %s: handler required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		r.logger.Printf("[tools] WARNING: tool %s already registered; overwriting", name)
	}
	r.tools[name] = entry{tool: Tool{Name: name, Description: description}, handler: h}
	return nil
}

func (r *Registry) MustRegister(name, description string, h Handler) {
	if err := r.Register(name, description, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.handler, ok
}

// Describe lists registered tools sorted by name.
func (r *Registry) Describe() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Names() []string {
	tools := r.Describe()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}
