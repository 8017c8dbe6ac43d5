// Package dataset implements the server-side state engine: the
// canonical IOC index, the append-only hash-chained change log, and
// the lifecycle transitions between them (create, sync, rekey, remove,
// purge).
//
// Each dataset lives in its own directory under the store root:
//
//	<root>/<name>/key         hex-encoded OPRF private scalar (0600)
//	<root>/<name>/config.json algorithm tag and rekey interval
//	<root>/<name>/index.csv   ioc,prf_hex,nonce_hex,ct_hex
//	<root>/<name>/changes.log EVENT PRF_HEX ENC_META CHAIN_HASH lines
//
// Writes to index.csv and changes.log are committed as a pair: both are
// written to fsynced temp files before either is renamed into place, so
// an error while writing them leaves both files at the prior state. The
// two renames are separate steps; a crash or rename failure between
// them can leave one file at the new state and the other at the prior
// one.
package dataset

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/xrpeter/cloakmatch/oprf"
)

// AlgorithmClassic is the only supported algorithm tag. The historical
// "ot" tag is a placeholder and is rejected.
const AlgorithmClassic = "classic"

// Lifecycle and validation errors.
var (
	ErrUnknownDataset       = errors.New("dataset: unknown dataset")
	ErrAlreadyExists        = errors.New("dataset: already exists")
	ErrInvalidName          = errors.New("dataset: invalid name")
	ErrUnsupportedAlgorithm = errors.New("dataset: unsupported algorithm")
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidName reports whether name is usable as a dataset identifier:
// a non-empty run of [A-Za-z0-9_.-] with no path separators.
func ValidName(name string) bool {
	return nameRe.MatchString(name) && name != "." && name != ".."
}

// Config holds the per-dataset settings fixed at creation time.
// RekeyInterval is informational; rekeying is always operator-driven.
type Config struct {
	Algorithm     string `json:"algorithm"`
	RekeyInterval string `json:"rekey_interval,omitempty"`
}

// Store owns a directory of datasets. Write operations (create,
// remove, purge, sync, rekey) are mutually exclusive per dataset and
// exclude readers of that dataset; OPRF evaluation and change-log
// reads take shared access.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewStore returns a Store rooted at dir. The directory is created if
// missing.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{root: dir, locks: make(map[string]*sync.RWMutex)}, nil
}

// lock returns the per-dataset lock, creating it on first use.
func (s *Store) lock(name string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[name] = l
	}
	return l
}

func (s *Store) dir(name string) string        { return filepath.Join(s.root, name) }
func (s *Store) keyPath(name string) string    { return filepath.Join(s.root, name, "key") }
func (s *Store) configPath(name string) string { return filepath.Join(s.root, name, "config.json") }
func (s *Store) indexPath(name string) string  { return filepath.Join(s.root, name, "index.csv") }
func (s *Store) logPath(name string) string    { return filepath.Join(s.root, name, "changes.log") }

// Create initializes a dataset: directory, fresh OPRF key, config,
// empty index and change log. Fails with ErrAlreadyExists if the
// dataset directory exists.
func (s *Store) Create(name string, cfg Config) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmClassic
	}
	if cfg.Algorithm != AlgorithmClassic {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, cfg.Algorithm)
	}

	l := s.lock(name)
	l.Lock()
	defer l.Unlock()

	if err := os.Mkdir(s.dir(name), 0o700); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %q", ErrAlreadyExists, name)
		}
		return fmt.Errorf("create dataset dir: %w", err)
	}

	key, err := oprf.KeyGen()
	if err != nil {
		return fmt.Errorf("generate private key: %w", err)
	}
	if err := s.writeKey(name, key); err != nil {
		return err
	}

	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := atomicWrite(s.configPath(name), append(cfgBytes, '\n'), 0o600); err != nil {
		return err
	}

	if err := atomicWrite(s.indexPath(name), nil, 0o600); err != nil {
		return err
	}
	return atomicWrite(s.logPath(name), nil, 0o600)
}

// Remove deletes the dataset's key and config only, leaving index and
// change log behind. The asymmetry is deliberate: a removed dataset's
// published log remains readable, but no further OPRF evaluations or
// syncs are possible. Use Purge for complete destruction.
func (s *Store) Remove(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	l := s.lock(name)
	l.Lock()
	defer l.Unlock()

	if !s.exists(name) {
		return fmt.Errorf("%w: %q", ErrUnknownDataset, name)
	}
	if err := os.Remove(s.keyPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove key: %w", err)
	}
	if err := os.Remove(s.configPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove config: %w", err)
	}
	return nil
}

// Purge deletes the dataset directory and everything in it.
func (s *Store) Purge(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	l := s.lock(name)
	l.Lock()
	defer l.Unlock()

	if !s.exists(name) {
		return fmt.Errorf("%w: %q", ErrUnknownDataset, name)
	}
	return os.RemoveAll(s.dir(name))
}

// List enumerates the dataset names present in the store.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// LoadConfig reads a dataset's configuration.
func (s *Store) LoadConfig(name string) (Config, error) {
	if !ValidName(name) {
		return Config{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	l := s.lock(name)
	l.RLock()
	defer l.RUnlock()

	data, err := os.ReadFile(s.configPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// EvaluateOPRF raises a client's blinded element to the dataset's
// private key. The blinded element and result are 32-byte ristretto255
// encodings.
func (s *Store) EvaluateOPRF(name string, blinded []byte) ([]byte, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	l := s.lock(name)
	l.RLock()
	defer l.RUnlock()

	key, err := s.readKey(name)
	if err != nil {
		return nil, err
	}
	return oprf.Evaluate(key, blinded)
}

// exists reports whether the dataset directory is present. Callers
// hold the dataset lock.
func (s *Store) exists(name string) bool {
	info, err := os.Stat(s.dir(name))
	return err == nil && info.IsDir()
}

// readKey loads the hex-encoded private scalar. Callers hold at least
// shared access.
func (s *Store) readKey(name string) ([]byte, error) {
	data, err := os.ReadFile(s.keyPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
		}
		return nil, fmt.Errorf("read key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(key) != oprf.ScalarBytes {
		return nil, fmt.Errorf("malformed key file for %q", name)
	}
	return key, nil
}

// writeKey persists the private scalar hex-encoded with restrictive
// permissions. Callers hold exclusive access.
func (s *Store) writeKey(name string, key []byte) error {
	return atomicWrite(s.keyPath(name), []byte(hex.EncodeToString(key)+"\n"), 0o600)
}

// staged is a fsynced temp file waiting to be renamed over its
// destination. Staging every file of a multi-file commit before the
// first rename confines failures to either the fully-prior or the
// fully-new state, except for a crash in the instant between renames.
type staged struct {
	tmp  string
	path string
}

// stage writes data to a temp file in path's directory, applies perm,
// and fsyncs it. The file is not visible at path until rename.
func stage(path string, data []byte, perm os.FileMode) (*staged, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(step string, err error) (*staged, error) {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("%s temp file: %w", step, err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fail("chmod", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("fsync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	return &staged{tmp: tmpName, path: path}, nil
}

// rename publishes the staged file.
func (st *staged) rename() error {
	if err := os.Rename(st.tmp, st.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// discard drops a staged file that will not be published. Safe to call
// after a successful rename (the temp name is already gone).
func (st *staged) discard() {
	os.Remove(st.tmp)
}

// atomicWrite commits data to path via stage and rename.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	st, err := stage(path, data, perm)
	if err != nil {
		return err
	}
	if err := st.rename(); err != nil {
		st.discard()
		return err
	}
	return nil
}
