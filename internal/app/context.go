// internal/app/context.go
package app

import (
	"fmt"
	"sync"

	"pagepatch/internal/checkpoint"
	"pagepatch/internal/config"
	"pagepatch/internal/provider"
)

// Context carries the process-wide services: configuration, the provider
// registry, and one checkpoint engine per project directory. It is built
// once in main and passed down explicitly; nothing in the tree reaches for
// package-level state.
type Context struct {
	Config   *config.Config
	Registry *provider.Registry

	mu      sync.Mutex
	engines map[string]*checkpoint.Engine
}

// NewContext builds the process context
func NewContext(cfg *config.Config) *Context {
	return &Context{
		Config:   cfg,
		Registry: provider.NewRegistry(),
		engines:  make(map[string]*checkpoint.Engine),
	}
}

// Engine returns the checkpoint engine for a project directory, opening it
// on first use. All connections working in the same project share one
// engine, which is what serializes their checkpoint operations.
func (c *Context) Engine(projectDir string) (*checkpoint.Engine, error) {
	if projectDir == "" {
		return nil, fmt.Errorf("no project directory configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.engines[projectDir]; ok {
		return e, nil
	}

	e, err := checkpoint.NewEngine(projectDir)
	if err != nil {
		return nil, err
	}
	c.engines[projectDir] = e
	return e, nil
}

// Close releases every open engine
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for dir, e := range c.engines {
		e.Close()
		delete(c.engines, dir)
	}
}
