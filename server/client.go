package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/xrpeter/cloakmatch/dataset"
)

// Client is the HTTP side of the wire protocol; it satisfies
// mirror.Remote.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a Client for the server at baseURL. httpClient may
// be nil to use http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// ReadChanges fetches the change log, full or delta, for a dataset.
func (c *Client) ReadChanges(name string, sinceHash []byte) ([]dataset.Event, dataset.SyncMode, error) {
	q := url.Values{"data_type": {name}}
	if len(sinceHash) > 0 {
		q.Set("hash", hex.EncodeToString(sinceHash))
	}

	resp, err := c.http.Get(c.base + "/sync_data?" + q.Encode())
	if err != nil {
		return nil, dataset.ModeFull, fmt.Errorf("fetch sync_data: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, dataset.ModeFull, err
	}

	mode := dataset.SyncMode(resp.Header.Get("X-Sync-Mode"))
	if mode != dataset.ModeDelta {
		mode = dataset.ModeFull
	}

	events, err := dataset.ParseLog(resp.Body)
	if err != nil {
		return nil, mode, err
	}
	return events, mode, nil
}

// EvaluateOPRF submits a blinded element for evaluation.
func (c *Client) EvaluateOPRF(name string, blinded []byte) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"data_type": name,
		"blinded":   hex.EncodeToString(blinded),
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Post(c.base+"/oprf_evaluate", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("post oprf_evaluate: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out struct {
		Evaluated string `json:"evaluated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode oprf_evaluate response: %w", err)
	}
	evaluated, err := hex.DecodeString(out.Evaluated)
	if err != nil {
		return nil, fmt.Errorf("decode evaluated element: %w", err)
	}
	return evaluated, nil
}

// EncryptionType fetches the dataset's cipher-suite descriptor.
func (c *Client) EncryptionType(name string) (EncryptionType, error) {
	resp, err := c.http.Get(c.base + "/encryption_type?" + url.Values{"data_type": {name}}.Encode())
	if err != nil {
		return EncryptionType{}, fmt.Errorf("fetch encryption_type: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return EncryptionType{}, err
	}

	var et EncryptionType
	if err := json.NewDecoder(resp.Body).Decode(&et); err != nil {
		return EncryptionType{}, fmt.Errorf("decode encryption_type response: %w", err)
	}
	return et, nil
}

// checkStatus maps error responses back to engine error kinds where
// the status allows it.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	trimmed := strings.TrimSpace(string(msg))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", dataset.ErrUnknownDataset, trimmed)
	case http.StatusBadRequest:
		return fmt.Errorf("server rejected request: %s", trimmed)
	default:
		return errors.New("server error: " + trimmed)
	}
}
