// Package mirror implements the client-side engine: a local copy of a
// dataset's change log, the active index projected from it, and the
// oblivious query flow against a remote evaluator.
//
// The active index is a pure projection of the change log: replaying
// the log from the start deterministically reproduces it. The
// mirror persists both, but the log is authoritative: any chain-hash
// mismatch discards local state and falls back to a full resync.
//
// Local state per (server label, dataset):
//
//	<root>/<label>/<name>/changes.log      mirrored change log
//	<root>/<label>/<name>/active_index.csv PRF_HEX,NONCE_HEX:CT_HEX
//	<root>/<label>/<name>/matches.log      append-only query history
package mirror

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xrpeter/cloakmatch/dataset"
	"github.com/xrpeter/cloakmatch/envelope"
	"github.com/xrpeter/cloakmatch/oprf"
)

// Remote is the server surface the mirror depends on. *dataset.Store
// satisfies it directly for in-process use; the HTTP client in package
// server satisfies it over the wire.
type Remote interface {
	ReadChanges(name string, sinceHash []byte) ([]dataset.Event, dataset.SyncMode, error)
	EvaluateOPRF(name string, blinded []byte) ([]byte, error)
}

// ErrInconsistent reports a change log that fails chain verification
// or a delta that does not extend the local tip. Sync resolves it by
// discarding local state and fetching the full log.
var ErrInconsistent = errors.New("mirror: inconsistent change log")

// ErrNoLocalState reports an operation that needs a prior sync.
var ErrNoLocalState = errors.New("mirror: no local state")

// Outcome classifies a query result.
type Outcome string

const (
	// OutcomeMatch: the IOC is in the dataset and its metadata
	// decrypted successfully.
	OutcomeMatch Outcome = "match"
	// OutcomeNoMatch: the IOC's PRF is not in the active index.
	OutcomeNoMatch Outcome = "no_match"
	// OutcomeDecryptFailed: the PRF matched but the metadata failed
	// authentication (stale mirror across a rekey, or a corrupt entry).
	OutcomeDecryptFailed Outcome = "decrypt_failed"
)

// QueryResult is the outcome of one oblivious lookup. Metadata is set
// only for OutcomeMatch.
type QueryResult struct {
	Outcome  Outcome
	Metadata []byte
}

// Mirror maintains local state for one server under a label.
type Mirror struct {
	root   string
	label  string
	remote Remote
}

// New returns a Mirror storing state under root/label, talking to
// remote.
func New(root, label string, remote Remote) *Mirror {
	return &Mirror{root: root, label: label, remote: remote}
}

func (m *Mirror) dir(name string) string       { return filepath.Join(m.root, m.label, name) }
func (m *Mirror) logPath(name string) string   { return filepath.Join(m.dir(name), "changes.log") }
func (m *Mirror) indexPath(name string) string { return filepath.Join(m.dir(name), "active_index.csv") }
func (m *Mirror) matchPath(name string) string { return filepath.Join(m.dir(name), "matches.log") }

// Sync brings the local mirror up to the server's tip. A client with
// no local state, or whose tip the server no longer recognizes (log
// truncated by a rekey), receives the full log and replaces its state;
// otherwise the returned delta is appended. Any inconsistency, such
// as an unverifiable local log or a delta that does not chain onto
// the tip, triggers exactly one full-resync retry.
func (m *Mirror) Sync(name string) error {
	if !dataset.ValidName(name) {
		return fmt.Errorf("%w: %q", dataset.ErrInvalidName, name)
	}

	local, err := m.loadLog(name)
	if err != nil {
		// Unreadable or tampered local log: start over.
		local = nil
	}

	var tip []byte
	if len(local) > 0 {
		tip = local[len(local)-1].ChainHash
	}

	events, mode, err := m.remote.ReadChanges(name, tip)
	if err != nil {
		return fmt.Errorf("fetch changes: %w", err)
	}

	merged, err := m.merge(local, events, mode)
	if errors.Is(err, ErrInconsistent) {
		events, _, err = m.remote.ReadChanges(name, nil)
		if err != nil {
			return fmt.Errorf("fetch changes: %w", err)
		}
		merged, err = m.merge(nil, events, dataset.ModeFull)
	}
	if err != nil {
		return err
	}

	return m.commit(name, merged)
}

// merge applies a server response to the local log, verifying chain
// integrity over the result and that it projects to an active index.
func (m *Mirror) merge(local, events []dataset.Event, mode dataset.SyncMode) ([]dataset.Event, error) {
	var merged []dataset.Event
	if mode == dataset.ModeFull {
		merged = events
	} else {
		merged = append(append([]dataset.Event{}, local...), events...)
	}
	if err := dataset.VerifyChain(merged); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	if _, err := project(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// Reset discards all local state for the dataset and performs a full
// sync.
func (m *Mirror) Reset(name string) error {
	if err := m.Purge(name); err != nil && !errors.Is(err, ErrNoLocalState) {
		return err
	}
	return m.Sync(name)
}

// Purge deletes local state without contacting the server.
func (m *Mirror) Purge(name string) error {
	if !dataset.ValidName(name) {
		return fmt.Errorf("%w: %q", dataset.ErrInvalidName, name)
	}
	if _, err := os.Stat(m.dir(name)); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s/%s", ErrNoLocalState, m.label, name)
	}
	return os.RemoveAll(m.dir(name))
}

// Query runs the oblivious lookup for one IOC:
//
//  1. best-effort sync (a failure is tolerated if a local mirror
//     exists)
//  2. blind the IOC and have the server evaluate it
//  3. unblind, finalize to the PRF, and look it up locally
//  4. on a hit, derive the metadata key and decrypt
//
// The server learns only that a query happened, never the IOC.
func (m *Mirror) Query(name string, ioc []byte) (QueryResult, error) {
	if err := m.Sync(name); err != nil {
		if _, statErr := os.Stat(m.logPath(name)); statErr != nil {
			return QueryResult{}, fmt.Errorf("sync failed and no local mirror exists: %w", err)
		}
	}

	r, blinded, err := oprf.Blind(ioc, nil)
	if err != nil {
		return QueryResult{}, err
	}
	evaluated, err := m.remote.EvaluateOPRF(name, blinded)
	if err != nil {
		return QueryResult{}, fmt.Errorf("oprf evaluate: %w", err)
	}
	q, err := oprf.Unblind(r, evaluated)
	if err != nil {
		return QueryResult{}, err
	}
	prf, err := oprf.Finalize(ioc, q)
	if err != nil {
		return QueryResult{}, err
	}

	index, err := m.loadIndex(name)
	if err != nil {
		return QueryResult{}, err
	}

	entry, ok := index[string(prf)]
	if !ok {
		m.recordMatch(name, prf, OutcomeNoMatch)
		return QueryResult{Outcome: OutcomeNoMatch}, nil
	}

	key, err := oprf.DeriveKey(prf, q, name)
	if err != nil {
		return QueryResult{}, err
	}
	metadata, err := envelope.Open(key, ioc, entry.nonce, entry.ciphertext)
	if err != nil {
		if errors.Is(err, envelope.ErrAuthFailed) {
			m.recordMatch(name, prf, OutcomeDecryptFailed)
			return QueryResult{Outcome: OutcomeDecryptFailed}, nil
		}
		return QueryResult{}, err
	}

	m.recordMatch(name, prf, OutcomeMatch)
	return QueryResult{Outcome: OutcomeMatch, Metadata: metadata}, nil
}

// Tip returns the local log's chain tip, or ErrNoLocalState.
func (m *Mirror) Tip(name string) ([]byte, error) {
	events, err := m.loadLog(name)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return dataset.ChainSeed(), nil
	}
	return events[len(events)-1].ChainHash, nil
}

// EntryCount returns the number of entries in the active index.
func (m *Mirror) EntryCount(name string) (int, error) {
	index, err := m.loadIndex(name)
	if err != nil {
		return 0, err
	}
	return len(index), nil
}

// recordMatch appends one line of query history; failures are ignored,
// history is advisory.
func (m *Mirror) recordMatch(name string, prf []byte, outcome Outcome) {
	f, err := os.OpenFile(m.matchPath(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s %x\n", time.Now().UTC().Format(time.RFC3339), outcome, prf)
}

// loadLog reads and parses the local change log. A missing file is an
// empty log under ErrNoLocalState.
func (m *Mirror) loadLog(name string) ([]dataset.Event, error) {
	f, err := os.Open(m.logPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNoLocalState, m.label, name)
		}
		return nil, fmt.Errorf("open mirror log: %w", err)
	}
	defer f.Close()

	events, err := dataset.ParseLog(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	if err := dataset.VerifyChain(events); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	return events, nil
}

// commit writes the merged log and its projected active index.
func (m *Mirror) commit(name string, events []dataset.Event) error {
	if err := os.MkdirAll(m.dir(name), 0o700); err != nil {
		return fmt.Errorf("create mirror dir: %w", err)
	}

	index, err := project(events)
	if err != nil {
		return err
	}

	var logBuf bytes.Buffer
	for _, e := range events {
		logBuf.WriteString(dataset.FormatEvent(e))
		logBuf.WriteByte('\n')
	}
	if err := atomicWrite(m.logPath(name), logBuf.Bytes()); err != nil {
		return err
	}

	var idxBuf bytes.Buffer
	for prf, e := range index {
		fmt.Fprintf(&idxBuf, "%x,%s:%s\n", prf, hexStr(e.nonce), hexStr(e.ciphertext))
	}
	return atomicWrite(m.indexPath(name), idxBuf.Bytes())
}

// activeEntry is one projected active-index row.
type activeEntry struct {
	nonce      []byte
	ciphertext []byte
}

// project replays events into the active index: ADDED inserts or
// overwrites, REMOVED drops the entry keyed by PRF. A REMOVED event
// with an absent PRF cannot be located and makes the projection
// inconsistent.
func project(events []dataset.Event) (map[string]activeEntry, error) {
	index := make(map[string]activeEntry)
	for _, e := range events {
		prf := e.PRF()
		switch e.Type {
		case dataset.EventAdded:
			if prf == nil {
				return nil, fmt.Errorf("%w: ADDED event without prf", ErrInconsistent)
			}
			nonce, ct, err := e.EncMetaParts()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInconsistent, err)
			}
			index[string(prf)] = activeEntry{nonce: nonce, ciphertext: ct}
		case dataset.EventRemoved:
			if prf == nil {
				// Entry is unlocatable; the projection diverges from
				// the server's index and only a full dataset republish
				// can repair it.
				return nil, fmt.Errorf("%w: REMOVED event without prf", ErrInconsistent)
			}
			delete(index, string(prf))
		}
	}
	return index, nil
}

// loadIndex reads active_index.csv, rebuilding it from the log when
// missing.
func (m *Mirror) loadIndex(name string) (map[string]activeEntry, error) {
	f, err := os.Open(m.indexPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			events, err := m.loadLog(name)
			if err != nil {
				return nil, err
			}
			return project(events)
		}
		return nil, fmt.Errorf("open active index: %w", err)
	}
	defer f.Close()

	index := make(map[string]activeEntry)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		prfHex, encMeta, ok := strings.Cut(line, ",")
		if !ok {
			return nil, fmt.Errorf("%w: active index line %q", ErrInconsistent, line)
		}
		e := dataset.Event{Type: dataset.EventAdded, PRFHex: prfHex, EncMeta: encMeta}
		prf := e.PRF()
		if prf == nil {
			return nil, fmt.Errorf("%w: active index prf %q", ErrInconsistent, prfHex)
		}
		nonce, ct, err := e.EncMetaParts()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInconsistent, err)
		}
		index[string(prf)] = activeEntry{nonce: nonce, ciphertext: ct}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read active index: %w", err)
	}
	return index, nil
}

func hexStr(b []byte) string { return fmt.Sprintf("%x", b) }

// atomicWrite commits data via temp file and rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
