package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Context is the CLI selection persisted between invocations: who the user
// acts as and which thread commands default to.
type Context struct {
	Identity string `yaml:"identity,omitempty"`

	ThreadID string `yaml:"thread,omitempty"`

	// ThreadLabel is a display label such as a case number or counterpart.
	ThreadLabel string `yaml:"thread_label,omitempty"`

	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// IsEmpty returns true if no context is set.
func (c *Context) IsEmpty() bool {
	return c.Identity == "" && c.ThreadID == ""
}

// SetIdentity switches identity. The selected thread belongs to the previous
// identity, so it is cleared.
func (c *Context) SetIdentity(id string) {
	if c.Identity != id {
		c.ThreadID = ""
		c.ThreadLabel = ""
	}
	c.Identity = id
	c.UpdatedAt = time.Now()
}

// SetThread selects a thread.
func (c *Context) SetThread(id, label string) {
	c.ThreadID = id
	c.ThreadLabel = label
	c.UpdatedAt = time.Now()
}

// Clear removes all context.
func (c *Context) Clear() {
	*c = Context{UpdatedAt: time.Now()}
}

func (c *Context) String() string {
	if c.IsEmpty() {
		return "(no context set)"
	}
	var parts []string
	if c.Identity != "" {
		parts = append(parts, "as:"+c.Identity)
	}
	if c.ThreadID != "" {
		label := c.ThreadLabel
		if label == "" {
			label = shortID(c.ThreadID)
		}
		parts = append(parts, "thread:"+label)
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ContextStore loads and saves the CLI context file.
type ContextStore struct {
	path string
	mu   sync.RWMutex
}

// NewContextStore creates a context store. An empty path means
// ~/.config/parley/context.yaml.
func NewContextStore(path string) *ContextStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "parley", "context.yaml")
	}
	return &ContextStore{path: path}
}

// Path returns the context file path.
func (s *ContextStore) Path() string {
	return s.path
}

// Load reads the context. A missing file yields an empty context.
func (s *ContextStore) Load() (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := &Context{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ctx, nil
		}
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}
	if err := yaml.Unmarshal(data, ctx); err != nil {
		return nil, fmt.Errorf("failed to parse context file: %w", err)
	}
	return ctx, nil
}

// Save writes the context.
func (s *ContextStore) Save(ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}
	data, err := yaml.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}
	return nil
}

// Clear removes the context file.
func (s *ContextStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove context file: %w", err)
	}
	return nil
}
