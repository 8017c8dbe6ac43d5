package mirror

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrpeter/cloakmatch/dataset"
)

// The mirror talks to a *dataset.Store directly; the HTTP binding is
// exercised in package server.
func newPair(t *testing.T) (*dataset.Store, *Mirror) {
	t.Helper()
	store, err := dataset.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Create("ds1", dataset.Config{}))
	m := New(t.TempDir(), "testsrv", store)
	return store, m
}

func seed(t *testing.T, store *dataset.Store, pairs ...string) {
	t.Helper()
	var records []dataset.Record
	for i := 0; i+1 < len(pairs); i += 2 {
		records = append(records, dataset.Record{IOC: []byte(pairs[i]), Metadata: []byte(pairs[i+1])})
	}
	_, err := store.SyncFromSource("ds1", dataset.NewSliceSource(records))
	require.NoError(t, err)
}

func TestQueryRoundTrip(t *testing.T) {
	is := assert.New(t)
	store, m := newPair(t)
	seed(t, store, "evil.com", `{"desc":"known bad domain"}`)

	res, err := m.Query("ds1", []byte("evil.com"))
	require.NoError(t, err)
	is.Equal(OutcomeMatch, res.Outcome)
	is.Equal(`{"desc":"known bad domain"}`, string(res.Metadata))

	res, err = m.Query("ds1", []byte("benign.com"))
	require.NoError(t, err)
	is.Equal(OutcomeNoMatch, res.Outcome)
	is.Nil(res.Metadata)
}

func TestDeltaSync(t *testing.T) {
	is := assert.New(t)
	store, m := newPair(t)
	seed(t, store, "evil.com", `{"desc":"known bad domain"}`)
	require.NoError(t, m.Sync("ds1"))

	tipBefore, err := m.Tip("ds1")
	require.NoError(t, err)

	// evil.com removed, 1.2.3.4 added: one ADDED and one REMOVED.
	seed(t, store, "1.2.3.4", `{"as":"AS64500","type":"ip"}`)

	require.NoError(t, m.Sync("ds1"))
	tipAfter, err := m.Tip("ds1")
	require.NoError(t, err)
	is.NotEqual(tipBefore, tipAfter)

	res, err := m.Query("ds1", []byte("evil.com"))
	require.NoError(t, err)
	is.Equal(OutcomeNoMatch, res.Outcome, "removed IOC must no longer match")

	res, err = m.Query("ds1", []byte("1.2.3.4"))
	require.NoError(t, err)
	is.Equal(OutcomeMatch, res.Outcome)
	is.Equal(`{"as":"AS64500","type":"ip"}`, string(res.Metadata))
}

func TestDeltaEquivalence(t *testing.T) {
	is := assert.New(t)
	store, err := dataset.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Create("ds1", dataset.Config{}))

	incremental := New(t.TempDir(), "srv", store)
	fresh := New(t.TempDir(), "srv", store)

	seed(t, store, "a.example", `{"n":1}`, "b.example", `{"n":2}`)
	require.NoError(t, incremental.Sync("ds1"))
	seed(t, store, "b.example", `{"n":2}`, "c.example", `{"n":3}`)
	require.NoError(t, incremental.Sync("ds1"))

	// A client syncing from scratch lands on the same state.
	require.NoError(t, fresh.Sync("ds1"))

	tipInc, err := incremental.Tip("ds1")
	require.NoError(t, err)
	tipFresh, err := fresh.Tip("ds1")
	require.NoError(t, err)
	is.Equal(tipFresh, tipInc, "delta and full sync must land on the same tip")

	nInc, err := incremental.EntryCount("ds1")
	require.NoError(t, err)
	nFresh, err := fresh.EntryCount("ds1")
	require.NoError(t, err)
	is.Equal(nFresh, nInc, "active indexes must agree")
	is.Equal(2, nInc)
}

func TestRekeyForcesFullSync(t *testing.T) {
	is := assert.New(t)
	store, m := newPair(t)
	seed(t, store, "evil.com", `{"desc":"bad"}`)
	require.NoError(t, m.Sync("ds1"))
	staleTip, err := m.Tip("ds1")
	require.NoError(t, err)

	require.NoError(t, store.Rekey("ds1", dataset.NewSliceSource([]dataset.Record{
		{IOC: []byte("evil.com"), Metadata: []byte(`{"desc":"bad"}`)},
	})))

	// The server no longer knows the stale tip.
	_, mode, err := store.ReadChanges("ds1", staleTip)
	require.NoError(t, err)
	is.Equal(dataset.ModeFull, mode)

	// Post-sync queries succeed under the new key.
	res, err := m.Query("ds1", []byte("evil.com"))
	require.NoError(t, err)
	is.Equal(OutcomeMatch, res.Outcome)

	newTip, err := m.Tip("ds1")
	require.NoError(t, err)
	is.NotEqual(staleTip, newTip, "mirror must have replaced its log")
}

// staleRemote serves a frozen log but evaluates under the live key,
// modeling a client that refuses to resync across a rekey.
type staleRemote struct {
	store  *dataset.Store
	events []dataset.Event
}

func (r *staleRemote) ReadChanges(name string, sinceHash []byte) ([]dataset.Event, dataset.SyncMode, error) {
	return r.events, dataset.ModeFull, nil
}

func (r *staleRemote) EvaluateOPRF(name string, blinded []byte) ([]byte, error) {
	return r.store.EvaluateOPRF(name, blinded)
}

func TestQueryAgainstStaleMirror(t *testing.T) {
	is := assert.New(t)
	store, err := dataset.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Create("ds1", dataset.Config{}))

	_, err = store.SyncFromSource("ds1", dataset.NewSliceSource([]dataset.Record{
		{IOC: []byte("evil.com"), Metadata: []byte(`{"desc":"bad"}`)},
	}))
	require.NoError(t, err)
	frozen, _, err := store.ReadChanges("ds1", nil)
	require.NoError(t, err)

	require.NoError(t, store.Rekey("ds1", dataset.NewSliceSource([]dataset.Record{
		{IOC: []byte("evil.com"), Metadata: []byte(`{"desc":"bad"}`)},
	})))

	m := New(t.TempDir(), "srv", &staleRemote{store: store, events: frozen})
	res, err := m.Query("ds1", []byte("evil.com"))
	require.NoError(t, err)

	// The pre-rekey PRF differs from the post-rekey one, so the lookup
	// misses; either way the stale ciphertext must not decrypt.
	is.NotEqual(OutcomeMatch, res.Outcome, "stale mirror must not yield a match after rekey")
}

func TestTamperedLocalLogTriggersFullResync(t *testing.T) {
	is := assert.New(t)
	store, m := newPair(t)
	seed(t, store, "evil.com", `{"desc":"bad"}`, "1.2.3.4", `{"type":"ip"}`)
	require.NoError(t, m.Sync("ds1"))

	// Flip one byte of a mirrored log line.
	path := m.logPath("ds1")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	tampered := []byte(lines[0])
	tampered[10] ^= 0x01
	lines[0] = string(tampered)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))

	// Replay detects the mismatch and falls back to a full resync.
	require.NoError(t, m.Sync("ds1"))

	res, err := m.Query("ds1", []byte("evil.com"))
	require.NoError(t, err)
	is.Equal(OutcomeMatch, res.Outcome, "full resync must repair the mirror")
}

func TestResetAndPurge(t *testing.T) {
	is := assert.New(t)
	store, m := newPair(t)
	seed(t, store, "evil.com", `{"desc":"bad"}`)
	require.NoError(t, m.Sync("ds1"))

	require.NoError(t, m.Reset("ds1"))
	n, err := m.EntryCount("ds1")
	require.NoError(t, err)
	is.Equal(1, n, "reset performs a fresh full sync")

	require.NoError(t, m.Purge("ds1"))
	_, err = m.Tip("ds1")
	is.ErrorIs(err, ErrNoLocalState)
	is.ErrorIs(m.Purge("ds1"), ErrNoLocalState)
}

func TestQueryWithoutServerUsesLocalMirror(t *testing.T) {
	is := assert.New(t)
	store, m := newPair(t)
	seed(t, store, "evil.com", `{"desc":"bad"}`)
	require.NoError(t, m.Sync("ds1"))

	// Sync starts failing but evaluation still works: query proceeds on
	// the existing mirror.
	m.remote = &flakyRemote{store: store}
	res, err := m.Query("ds1", []byte("evil.com"))
	require.NoError(t, err)
	is.Equal(OutcomeMatch, res.Outcome)
}

// flakyRemote fails change reads but evaluates normally.
type flakyRemote struct{ store *dataset.Store }

func (r *flakyRemote) ReadChanges(name string, sinceHash []byte) ([]dataset.Event, dataset.SyncMode, error) {
	return nil, dataset.ModeFull, os.ErrDeadlineExceeded
}

func (r *flakyRemote) EvaluateOPRF(name string, blinded []byte) ([]byte, error) {
	return r.store.EvaluateOPRF(name, blinded)
}

func TestMatchHistory(t *testing.T) {
	is := assert.New(t)
	store, m := newPair(t)
	seed(t, store, "evil.com", `{"desc":"bad"}`)

	_, err := m.Query("ds1", []byte("evil.com"))
	require.NoError(t, err)
	_, err = m.Query("ds1", []byte("benign.com"))
	require.NoError(t, err)

	data, err := os.ReadFile(m.matchPath("ds1"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	is.Contains(lines[0], string(OutcomeMatch))
	is.Contains(lines[1], string(OutcomeNoMatch))
}
