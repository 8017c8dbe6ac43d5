package dataset

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/xrpeter/cloakmatch/envelope"
	"github.com/xrpeter/cloakmatch/oprf"
)

// Delta summarizes the change events one sync appended.
type Delta struct {
	Added   int
	Removed int
	Events  []Event
}

// SyncFromSource recomputes the target index from src and commits the
// difference against the current index: new or changed IOCs become
// ADDED events, vanished IOCs become REMOVED events carrying the old
// PRF and enc_meta so clients can locate the entry to drop.
//
// An IOC whose metadata is unchanged keeps its existing ciphertext and
// produces no event, so re-running a sync with an identical source
// appends nothing. Event ordering is deterministic: ADDED sorted by
// IOC bytes, then REMOVED sorted by IOC bytes, so two syncs over the
// same source and state emit the same events in the same order. Their
// chain hashes still differ wherever a new ciphertext is sealed, since
// every seal draws a fresh random nonce.
//
// If the source fails mid-iteration, no state is committed.
func (s *Store) SyncFromSource(name string, src Source) (Delta, error) {
	if !ValidName(name) {
		return Delta{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	l := s.lock(name)
	l.Lock()
	defer l.Unlock()

	key, err := s.readKey(name)
	if err != nil {
		return Delta{}, err
	}
	oldIndex, err := s.readIndex(name)
	if err != nil {
		return Delta{}, err
	}
	log, err := s.readLog(name)
	if err != nil {
		return Delta{}, err
	}

	target, err := drain(src)
	if err != nil {
		return Delta{}, fmt.Errorf("consume source: %w", err)
	}

	newIndex := make(map[string]Entry, len(target))
	var added, removed []Entry

	for ioc, metadata := range target {
		old, exists := oldIndex[ioc]
		if exists {
			unchanged, err := s.metadataUnchanged(name, key, old, metadata)
			if err != nil {
				return Delta{}, err
			}
			if unchanged {
				newIndex[ioc] = old
				continue
			}
		}
		entry, err := buildEntry(name, key, []byte(ioc), metadata)
		if err != nil {
			return Delta{}, err
		}
		newIndex[ioc] = entry
		added = append(added, entry)
	}
	for ioc, old := range oldIndex {
		if _, ok := target[ioc]; !ok {
			removed = append(removed, old)
		}
	}

	sortEntries(added)
	sortEntries(removed)

	tip := ChainSeed()
	if len(log) > 0 {
		tip = log[len(log)-1].ChainHash
	}

	var events []Event
	for _, e := range added {
		ev := chainEvent(tip, EventAdded, e)
		events = append(events, ev)
		tip = ev.ChainHash
	}
	for _, e := range removed {
		ev := chainEvent(tip, EventRemoved, e)
		events = append(events, ev)
		tip = ev.ChainHash
	}

	if len(events) == 0 {
		return Delta{}, nil
	}

	if err := s.commit(name, nil, newIndex, append(log, events...)); err != nil {
		return Delta{}, err
	}
	return Delta{Added: len(added), Removed: len(removed), Events: events}, nil
}

// Rekey generates a fresh private key, rebuilds the whole index from
// src, and truncates the change log to an ADDED-only sequence chained
// from the seed. Key, index, and log are published as one staged
// commit, key last, so a failure before the first rename (including a
// failing source) leaves the dataset usable under its old key. Every
// ciphertext sealed under the old key becomes
// undecryptable; clients holding a stale tip fall back to a full sync
// because their hash no longer appears in the log.
func (s *Store) Rekey(name string, src Source) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	l := s.lock(name)
	l.Lock()
	defer l.Unlock()

	// Existence check; also surfaces UnknownDataset before key rotation.
	if _, err := s.readKey(name); err != nil {
		return err
	}

	target, err := drain(src)
	if err != nil {
		return fmt.Errorf("consume source: %w", err)
	}

	key, err := oprf.KeyGen()
	if err != nil {
		return fmt.Errorf("generate private key: %w", err)
	}

	newIndex := make(map[string]Entry, len(target))
	entries := make([]Entry, 0, len(target))
	for ioc, metadata := range target {
		entry, err := buildEntry(name, key, []byte(ioc), metadata)
		if err != nil {
			return err
		}
		newIndex[ioc] = entry
		entries = append(entries, entry)
	}
	sortEntries(entries)

	tip := ChainSeed()
	events := make([]Event, 0, len(entries))
	for _, e := range entries {
		ev := chainEvent(tip, EventAdded, e)
		events = append(events, ev)
		tip = ev.ChainHash
	}

	return s.commit(name, key, newIndex, events)
}

// buildEntry runs the server-side pipeline for one record: PRF, key
// derivation, metadata seal.
func buildEntry(name string, key, ioc, metadata []byte) (Entry, error) {
	prf, q, err := oprf.Eval(key, ioc)
	if err != nil {
		return Entry{}, fmt.Errorf("evaluate %q: %w", ioc, err)
	}
	metaKey, err := oprf.DeriveKey(prf, q, name)
	if err != nil {
		return Entry{}, fmt.Errorf("derive key for %q: %w", ioc, err)
	}
	nonce, ct, err := envelope.Seal(metaKey, ioc, metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("seal metadata for %q: %w", ioc, err)
	}
	return Entry{IOC: ioc, PRF: prf, Nonce: nonce, Ciphertext: ct}, nil
}

// metadataUnchanged reports whether an existing entry already seals
// exactly the target metadata. Ciphertexts are nonce-randomized, so
// equality is judged by decrypting the stored ciphertext rather than
// comparing ciphertext bytes.
func (s *Store) metadataUnchanged(name string, key []byte, old Entry, metadata []byte) (bool, error) {
	prf, q, err := oprf.Eval(key, old.IOC)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", old.IOC, err)
	}
	if !bytes.Equal(prf, old.PRF) {
		// Stale entry sealed under a previous key; force re-seal.
		return false, nil
	}
	metaKey, err := oprf.DeriveKey(prf, q, name)
	if err != nil {
		return false, fmt.Errorf("derive key for %q: %w", old.IOC, err)
	}
	plain, err := envelope.Open(metaKey, old.IOC, old.Nonce, old.Ciphertext)
	if err != nil {
		if errors.Is(err, envelope.ErrAuthFailed) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(plain, metadata), nil
}

// chainEvent extends the chain with one event for entry.
func chainEvent(prev []byte, eventType string, e Entry) Event {
	prfHex := hex.EncodeToString(e.PRF)
	encMeta := e.EncMeta()
	return Event{
		Type:      eventType,
		PRFHex:    prfHex,
		EncMeta:   encMeta,
		ChainHash: NextChainHash(prev, eventType, prfHex, encMeta),
	}
}

// sortEntries orders entries by IOC bytes for deterministic diffs.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].IOC, entries[j].IOC) < 0
	})
}

// commit publishes the change log, the index, and (when rotating) the
// private key as one unit. Every file is staged and fsynced before the
// first rename, so an error while staging leaves the prior state fully
// intact; the renames then run back-to-back, narrowing the crash window
// to the instants between them. A rename that fails after an earlier
// one succeeded leaves the earlier files published. The key goes last: an interrupted rekey keeps
// the old key next to whichever data files landed and is repaired by
// re-running the rekey. Callers hold exclusive access. Index rows are
// written in IOC order.
func (s *Store) commit(name string, newKey []byte, index map[string]Entry, log []Event) error {
	entries := make([]Entry, 0, len(index))
	for _, e := range index {
		entries = append(entries, e)
	}
	sortEntries(entries)

	indexBytes, err := renderIndex(entries)
	if err != nil {
		return err
	}

	var pending []*staged
	discardAll := func() {
		for _, st := range pending {
			st.discard()
		}
	}

	stLog, err := stage(s.logPath(name), renderLog(log), 0o600)
	if err != nil {
		return err
	}
	pending = append(pending, stLog)

	stIndex, err := stage(s.indexPath(name), indexBytes, 0o600)
	if err != nil {
		discardAll()
		return err
	}
	pending = append(pending, stIndex)

	if newKey != nil {
		stKey, err := stage(s.keyPath(name), []byte(hex.EncodeToString(newKey)+"\n"), 0o600)
		if err != nil {
			discardAll()
			return err
		}
		pending = append(pending, stKey)
	}

	for _, st := range pending {
		if err := st.rename(); err != nil {
			discardAll()
			return fmt.Errorf("publish %s: %w", filepath.Base(st.path), err)
		}
	}
	return nil
}
