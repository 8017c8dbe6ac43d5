package dataset

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/xrpeter/cloakmatch/oprf"
)

// Entry is one row of the canonical index: the server-side view of a
// single IOC. The raw IOC never leaves this file; only the PRF and the
// encrypted metadata appear in the change log.
type Entry struct {
	IOC        []byte
	PRF        []byte
	Nonce      []byte
	Ciphertext []byte
}

// EncMeta renders the entry's nonce/ciphertext as the change-log
// enc_meta token.
func (e Entry) EncMeta() string {
	return EncodeEncMeta(e.Nonce, e.Ciphertext)
}

// readIndex loads index.csv into an ioc-keyed map. Rows are RFC-4180
// CSV: ioc,prf_hex,nonce_hex,ct_hex; the csv layer quotes IOCs
// containing commas or quotes. Callers hold at least shared access.
func (s *Store) readIndex(name string) (map[string]Entry, error) {
	f, err := os.Open(s.indexPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
		}
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 4

	index := make(map[string]Entry)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse index: %w", err)
		}
		prf, err := hex.DecodeString(record[1])
		if err != nil || len(prf) != oprf.PRFBytes {
			return nil, fmt.Errorf("parse index: bad prf for %q", record[0])
		}
		nonce, err := hex.DecodeString(record[2])
		if err != nil {
			return nil, fmt.Errorf("parse index: bad nonce for %q", record[0])
		}
		ct, err := hex.DecodeString(record[3])
		if err != nil {
			return nil, fmt.Errorf("parse index: bad ciphertext for %q", record[0])
		}
		index[record[0]] = Entry{
			IOC:        []byte(record[0]),
			PRF:        prf,
			Nonce:      nonce,
			Ciphertext: ct,
		}
	}
	return index, nil
}

// renderIndex serializes entries to index.csv bytes. Entries must
// already be in the deterministic on-disk order.
func renderIndex(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, e := range entries {
		record := []string{
			string(e.IOC),
			hex.EncodeToString(e.PRF),
			hex.EncodeToString(e.Nonce),
			hex.EncodeToString(e.Ciphertext),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("render index: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("render index: %w", err)
	}
	return buf.Bytes(), nil
}
