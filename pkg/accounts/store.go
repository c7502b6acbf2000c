package accounts

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
)

// storeFile is the on-disk shape of the accounts file.
type storeFile struct {
	Active   string    `toml:"active"`
	Accounts []Account `toml:"accounts"`
}

// Store persists the account roster and the active pointer in a TOML file.
// Only the supervisor mutates the active pointer.
type Store struct {
	path string
	mu   sync.RWMutex
	file storeFile
}

// OpenStore loads the accounts file, creating an empty roster when absent.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	if err := toml.Unmarshal(data, &s.file); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	return s, nil
}

// List returns all accounts.
func (s *Store) List() []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Account, len(s.file.Accounts))
	copy(out, s.file.Accounts)
	return out
}

// Get returns one account by id.
func (s *Store) Get(id string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.file.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}

// Active returns the active account, if any.
func (s *Store) Active() (Account, bool) {
	s.mu.RLock()
	active := s.file.Active
	s.mu.RUnlock()
	if active == "" {
		return Account{}, false
	}
	return s.Get(active)
}

// SetActive switches the active credential pointer and persists.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for i := range s.file.Accounts {
		if s.file.Accounts[i].ID == id {
			s.file.Accounts[i].LastUsedAt = time.Now()
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown account %q", id)
	}
	s.file.Active = id
	return s.saveLocked()
}

// Add registers a new account and persists.
func (s *Store) Add(a Account) error {
	if a.ID == "" {
		return fmt.Errorf("account id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.file.Accounts {
		if existing.ID == a.ID {
			return fmt.Errorf("account %q already exists", a.ID)
		}
	}
	s.file.Accounts = append(s.file.Accounts, a)
	return s.saveLocked()
}

// ConfigDirs returns every account's credential directory.
func (s *Store) ConfigDirs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.file.Accounts))
	for _, a := range s.file.Accounts {
		if a.ConfigDir != "" {
			out = append(out, a.ConfigDir)
		}
	}
	return lo.Uniq(out)
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := toml.Marshal(s.file)
	if err != nil {
		return fmt.Errorf("marshal accounts file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create accounts dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write accounts file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace accounts file: %w", err)
	}
	return nil
}
