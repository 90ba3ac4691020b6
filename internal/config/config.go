package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

const DefaultSigningURL = "https://api.imink.app/f"

const DefaultUserAgent = "Mozilla/5.0 (Linux; Android 11; Pixel 5) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) " +
	"Chrome/94.0.4606.61 Mobile Safari/537.36"

// SupportedFlags is the allow-list of free-form boolean feature flags
// recognized in the credential file. Unknown keys are kept but flagged.
var SupportedFlags = []string{
	"ignore_private",
	"app_user_agent",
	"force_uploads",
}

// Store owns the flat key-value credential file. Every SetAll performs a
// full-file rewrite followed by an immediate reload so dependents observe
// the update. Mutations happen only from the main goroutine; the lock just
// guards reads from the fetch workers.
type Store struct {
	path   string
	logger zerolog.Logger

	mu   sync.RWMutex
	data map[string]string
}

func defaults() map[string]string {
	return map[string]string{
		"api_key":       "",
		"acc_loc":       "",
		"gtoken":        "",
		"bullettoken":   "",
		"session_token": "",
		"f_gen":         DefaultSigningURL,
	}
}

// Load opens the credential file beside the executable (or at
// SPLATSYNC_CONFIG). An absent or malformed file self-initializes with the
// default mapping; no error is surfaced for that case.
func Load(logger zerolog.Logger) (*Store, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg(".env file not found, using environment variables or defaults")
	}

	path := os.Getenv("SPLATSYNC_CONFIG")
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = filepath.Join(filepath.Dir(exe), "config.txt")
	}

	s := &Store{path: path, logger: logger}
	if err := s.reload(); err != nil {
		logger.Info().Str("path", path).Msg("generating new config file")
		s.data = defaults()
		if err := s.flush(); err != nil {
			return nil, err
		}
		if err := s.reload(); err != nil {
			return nil, err
		}
	}
	s.warnUnknownKeys()

	logger.Info().Str("path", path).Msg("credential file loaded")
	return s, nil
}

// NewAt opens a store at an explicit path. Used by tests.
func NewAt(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}
	if err := s.reload(); err != nil {
		s.data = defaults()
		if err := s.flush(); err != nil {
			return nil, err
		}
		if err := s.reload(); err != nil {
			return nil, err
		}
	}
	s.warnUnknownKeys()
	return s, nil
}

func (s *Store) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	data := make(map[string]string)
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("malformed credential file: %w", err)
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

func (s *Store) flush() error {
	s.mu.RLock()
	raw, err := json.MarshalIndent(s.data, "", "    ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}

func (s *Store) warnUnknownKeys() {
	known := defaults()
	for _, k := range SupportedFlags {
		known[k] = ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.data {
		if _, ok := known[k]; !ok {
			s.logger.Warn().Str("key", k).Msg("unexpected custom key in credential file")
		}
	}
}

// Get returns the stored value for key, or def when absent.
func (s *Store) Get(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.data[key]; ok {
		return v
	}
	return def
}

// Data returns a copy of the full mapping.
func (s *Store) Data() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// SetAll atomically overwrites the mapping, rewrites the file in full and
// reloads it so every handle observes the new state.
func (s *Store) SetAll(data map[string]string) error {
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	if err := s.flush(); err != nil {
		return err
	}
	return s.reload()
}

// Set updates a single key through the same rewrite-and-reload path.
func (s *Store) Set(key, value string) error {
	data := s.Data()
	data[key] = value
	return s.SetAll(data)
}

func (s *Store) APIKey() string       { return s.Get("api_key", "") }
func (s *Store) SessionToken() string { return s.Get("session_token", "") }
func (s *Store) GameWebToken() string { return s.Get("gtoken", "") }
func (s *Store) BulletToken() string  { return s.Get("bullettoken", "") }

func (s *Store) SigningURL() string {
	if v := s.Get("f_gen", ""); v != "" {
		return v
	}
	return DefaultSigningURL
}

func (s *Store) UserAgent() string {
	if v := s.Get("app_user_agent", ""); v != "" {
		return v
	}
	return DefaultUserAgent
}

// Locale splits the stored "lang|COUNTRY" pair.
func (s *Store) Locale() (lang, country string) {
	loc := s.Get("acc_loc", "")
	if i := strings.IndexByte(loc, '|'); i >= 0 {
		return loc[:i], loc[i+1:]
	}
	return "en-US", "US"
}

// FlagEnabled reports whether a boolean feature flag is set to "true".
// Checking a key outside the allow-list is logged, not rejected.
func (s *Store) FlagEnabled(key string) bool {
	known := false
	for _, k := range SupportedFlags {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		s.logger.Warn().Str("key", key).Msg("checking unexpected custom key")
	}
	return strings.EqualFold(s.Get(key, ""), "true")
}

var Module = fx.Provide(Load)
