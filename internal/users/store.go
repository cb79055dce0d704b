package users

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/adamscao/nodetrust/internal/auth"
	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/adamscao/nodetrust/internal/models"
	"github.com/pkg/errors"
)

// FileName is the name of the credential file at the instance root
const FileName = "web-users.json"

// Store is the persisted username to credential mapping of one instance.
//
// Every change rewrites the whole file synchronously. The in-memory cache
// belongs to this Store; another Store over the same root sees changes only
// through the file, and concurrent writers in different processes are
// last-writer-wins.
type Store struct {
	path string

	mu    sync.Mutex
	users map[string]*models.WebUser

	// dummyHash is verified against for unknown users so both failure
	// paths of Verify cost one password hash
	dummyHash string
}

// New creates a store backed by root/web-users.json and loads the file if present
func New(root string) (*Store, error) {
	dummy, err := auth.HashPassword("unknown-user")
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:      filepath.Join(root, FileName),
		dummyHash: dummy,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

// Path returns the credential file path
func (s *Store) Path() string { return s.path }

// AddUser adds username with a freshly hashed password. An existing user is
// only replaced when overwrite is set.
func (s *Store) AddUser(username, password string, groups []string, overwrite bool) error {
	if err := checkCredentials(username, password); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}

	existing, ok := s.users[username]
	if ok && !overwrite {
		return errors.Wrapf(errs.ErrAlreadyExists, "the user %s is already present and overwrite not set to true", username)
	}

	return s.put(username, password, groups, existing)
}

// AddFirstUser adds username only while the store holds no user at all. The
// check and the write happen under one lock, so of two concurrent first-run
// requests exactly one succeeds.
func (s *Store) AddFirstUser(username, password string, groups []string) error {
	if err := checkCredentials(username, password); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}

	if len(s.users) > 0 {
		return errors.Wrap(errs.ErrAlreadyExists, "the first user has already been created")
	}

	return s.put(username, password, groups, nil)
}

func checkCredentials(username, password string) error {
	if username == "" {
		return errors.New("username is required")
	}
	if password == "" {
		return errors.New("password is required")
	}
	return nil
}

// put hashes password and stores username, keeping the second factor of the
// entry it replaces. Callers hold s.mu.
func (s *Store) put(username, password string, groups []string, existing *models.WebUser) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	if groups == nil {
		groups = []string{}
	}
	user := &models.WebUser{
		HashedPassword: hash,
		Groups:         append([]string(nil), groups...),
	}
	if existing != nil {
		user.TOTPSecret = existing.TOTPSecret
	}

	return s.update(username, user)
}

// SetTOTPSecret enables (or with an empty secret disables) the second factor for username
func (s *Store) SetTOTPSecret(username, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}

	existing, ok := s.users[username]
	if !ok {
		return errors.Wrapf(errs.ErrNotFound, "user %s", username)
	}

	user := *existing
	user.TOTPSecret = secret
	return s.update(username, &user)
}

// DeleteUser removes username
func (s *Store) DeleteUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}

	if _, ok := s.users[username]; !ok {
		return errors.Wrapf(errs.ErrNotFound, "user %s", username)
	}

	next := s.copyUsers()
	delete(next, username)
	if err := s.save(next); err != nil {
		return err
	}
	s.users = next
	return nil
}

// Verify reports whether password matches the stored hash of username. Unknown
// users and wrong passwords are indistinguishable to the caller.
func (s *Store) Verify(username, password string) bool {
	s.mu.Lock()
	if err := s.ensureLoaded(); err != nil {
		s.mu.Unlock()
		return false
	}
	hash := s.dummyHash
	user, known := s.users[username]
	if known {
		hash = user.HashedPassword
	}
	s.mu.Unlock()

	ok, err := auth.VerifyPassword(password, hash)
	return known && ok && err == nil
}

// Get returns a copy of the credential of username
func (s *Store) Get(username string) (*models.WebUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	user, ok := s.users[username]
	if !ok {
		return nil, errors.Wrapf(errs.ErrNotFound, "user %s", username)
	}

	copied := *user
	copied.Groups = append([]string(nil), user.Groups...)
	return &copied, nil
}

// List returns the sorted usernames
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Count returns the number of users
func (s *Store) Count() (int, error) {
	names, err := s.List()
	return len(names), err
}

// Invalidate drops the in-memory cache; the next call re-reads the file
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.users = nil
	s.mu.Unlock()
}

func (s *Store) ensureLoaded() error {
	if s.users != nil {
		return nil
	}
	return s.load()
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.users = map[string]*models.WebUser{}
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read web users file")
	}

	users := map[string]*models.WebUser{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &users); err != nil {
			return errors.Wrap(err, "failed to parse web users file")
		}
	}

	// An entry without a password hash can never log in
	for name, user := range users {
		if user == nil || user.HashedPassword == "" {
			return errors.Errorf("invalid web users file: user %q has no hashed_password", name)
		}
	}

	s.users = users
	return nil
}

func (s *Store) update(username string, user *models.WebUser) error {
	next := s.copyUsers()
	next[username] = user
	if err := s.save(next); err != nil {
		return err
	}
	s.users = next
	return nil
}

func (s *Store) copyUsers() map[string]*models.WebUser {
	next := make(map[string]*models.WebUser, len(s.users)+1)
	for k, v := range s.users {
		next[k] = v
	}
	return next
}

func (s *Store) save(users map[string]*models.WebUser) error {
	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal web users")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create web users directory")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to write web users file")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "failed to replace web users file")
}
