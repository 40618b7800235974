package config

import (
	"context"
	"fmt"
	"sync"
)

// Source hands out the current configuration. Callers load once at the top
// of each cycle and must not keep the result past it.
type Source interface {
	Load(ctx context.Context) (*Config, error)
}

// FileSource re-reads its file on every Load.
type FileSource struct {
	path string
	mu   sync.Mutex // serializes writers
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Path() string { return s.path }

func (s *FileSource) Load(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return LoadFromFile(s.path)
}

// Update applies fn to a freshly loaded document and writes it back. Only
// one Update runs at a time, and an invalid result is never written.
func (s *FileSource) Update(ctx context.Context, fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return cfg.SaveToFile(s.path)
}

// BindStrategy swaps the strategy of accountID.
func BindStrategy(accountID string, strategy StrategyConfig) func(*Config) error {
	return func(c *Config) error {
		for i := range c.Accounts {
			if c.Accounts[i].ID != accountID {
				continue
			}
			c.Accounts[i].Strategy = strategy
			if err := c.Accounts[i].validate(); err != nil {
				return &ConfigurationError{AccountID: accountID, Msg: err.Error()}
			}
			return nil
		}
		return fmt.Errorf("account %s not found", accountID)
	}
}

// Static is a fixed Source, used by tests and one-shot commands.
type Static struct {
	mu  sync.RWMutex
	cfg *Config
}

func NewStatic(cfg *Config) *Static {
	return &Static{cfg: cfg}
}

func (s *Static) Load(ctx context.Context) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil, fmt.Errorf("no configuration loaded")
	}
	// Hand out a copy of the account list so a caller cannot alter the next cycle.
	c := *s.cfg
	c.Accounts = append([]AccountConfig(nil), s.cfg.Accounts...)
	return &c, nil
}

func (s *Static) Set(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}
