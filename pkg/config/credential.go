package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v4"
	"github.com/joho/godotenv"
)

// ErrCredentialInvalid is returned when a replacement value is empty or a
// known placeholder. The store keeps its previous value in that case.
var ErrCredentialInvalid = errors.New("credential is empty or a placeholder")

// placeholders that must never be accepted as a live credential. Matched
// case-insensitively after trimming.
var credentialPlaceholders = map[string]struct{}{
	"your_token":     {},
	"your-token":     {},
	"your_api_token": {},
	"changeme":       {},
	"placeholder":    {},
	"<token>":        {},
	"xxx":            {},
	"sk-xxxx":        {},
}

const minCredentialLength = 9

// CredentialStore holds the single active upstream credential. The value is
// persisted to a dotenv-style key-value file; Replace rewrites that file
// atomically before the in-memory swap so a reader never observes a value
// that was not fully durable.
type CredentialStore struct {
	mu    sync.RWMutex
	path  string
	key   string
	value string
	subs  []chan struct{}
}

func NewCredentialStore(path, key string) *CredentialStore {
	path = strings.TrimSpace(path)
	key = strings.TrimSpace(key)
	if key == "" {
		key = "API_TOKEN"
	}
	return &CredentialStore{path: path, key: key}
}

// Path returns the persisted artifact location.
func (s *CredentialStore) Path() string {
	return s.path
}

// Load reads the persisted artifact, falling back to the process environment
// when the file is missing or holds no usable value. An absent credential is
// not an error at load time; requests without one fail authentication later.
func (s *CredentialStore) Load() error {
	value, err := s.readPersisted()
	if err != nil {
		return err
	}
	if value == "" {
		value = strings.TrimSpace(os.Getenv(s.key))
	}
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
	if value == "" {
		log.Warn("no upstream credential configured", "path", s.path, "key", s.key)
		return nil
	}
	logCredentialClaims("credential loaded", value)
	return nil
}

// Get returns the last known credential. It never blocks on persistence.
func (s *CredentialStore) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Replace atomically swaps the active credential. The new value is written
// to the artifact (temp file plus rename) before it becomes visible to Get;
// concurrent readers observe either the old or the new value, never a mix.
func (s *CredentialStore) Replace(newValue string) error {
	newValue = strings.TrimSpace(newValue)
	if !credentialUsable(newValue) {
		return fmt.Errorf("%w: %q", ErrCredentialInvalid, redactCredential(newValue))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(newValue); err != nil {
		return err
	}
	s.value = newValue
	s.notifyLocked()
	logCredentialClaims("credential replaced", newValue)
	return nil
}

// Subscribe returns a channel that receives a signal after every credential
// change. The channel is buffered; a slow consumer coalesces signals rather
// than blocking Replace.
func (s *CredentialStore) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Watch reloads the in-memory value when the artifact is rewritten by
// someone else (a manual token refresh, or the renew command in another
// process). Blocks until ctx is done.
func (s *CredentialStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create credential watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the directory: atomic rename replaces the file inode, which a
	// direct file watch would lose.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch credential dir: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s.reloadFromDisk()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("credential watcher error", "err", err)
		}
	}
}

func (s *CredentialStore) reloadFromDisk() {
	value, err := s.readPersisted()
	if err != nil {
		log.Warn("reload credential", "err", err)
		return
	}
	if !credentialUsable(value) {
		return
	}
	s.mu.Lock()
	changed := value != s.value
	if changed {
		s.value = value
		s.notifyLocked()
	}
	s.mu.Unlock()
	if changed {
		logCredentialClaims("credential reloaded from disk", value)
	}
}

func (s *CredentialStore) readPersisted() (string, error) {
	if s.path == "" {
		return "", nil
	}
	env, err := godotenv.Read(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read credential file: %w", err)
	}
	return strings.TrimSpace(env[s.key]), nil
}

// persistLocked rewrites the artifact keeping any unrelated keys intact.
func (s *CredentialStore) persistLocked(newValue string) error {
	if s.path == "" {
		return nil
	}
	env, err := godotenv.Read(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read credential file: %w", err)
	}
	if env == nil {
		env = map[string]string{}
	}
	env[s.key] = newValue
	content, err := godotenv.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content+"\n"), 0o600); err != nil {
		return fmt.Errorf("write credential temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename credential file: %w", err)
	}
	return nil
}

func (s *CredentialStore) notifyLocked() {
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func credentialUsable(value string) bool {
	value = strings.TrimSpace(value)
	if len(value) < minCredentialLength {
		return false
	}
	_, isPlaceholder := credentialPlaceholders[strings.ToLower(value)]
	return !isPlaceholder
}

func redactCredential(value string) string {
	if len(value) <= 8 {
		return value
	}
	return value[:4] + "..." + value[len(value)-4:]
}

// logCredentialClaims logs the unverified claims of JWT-shaped credentials.
// Puter tokens are JWTs, so this surfaces the subject and issue time; any
// other token shape is logged without claims.
func logCredentialClaims(msg, value string) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(value, claims); err != nil {
		log.Info(msg)
		return
	}
	fields := make([]any, 0, 4)
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		fields = append(fields, "sub", sub)
	}
	if iat, ok := claims["iat"].(float64); ok && iat > 0 {
		fields = append(fields, "issued_at", time.Unix(int64(iat), 0).UTC().Format(time.RFC3339))
	}
	log.Info(msg, fields...)
}
