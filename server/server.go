// Package server binds the dataset engine to its HTTP wire protocol:
//
//	GET  /sync_data?data_type=NAME[&hash=HEX]  change log, full or delta
//	GET  /encryption_type?data_type=NAME       cipher-suite descriptor
//	POST /oprf_evaluate                        blinded OPRF evaluation
//
// The handlers are a thin envelope over *dataset.Store; every
// invariant lives in the engine. Package server also ships the HTTP
// client used by the mirror engine.
package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/xrpeter/cloakmatch/dataset"
	"github.com/xrpeter/cloakmatch/oprf"
)

// Suite identifiers reported by /encryption_type.
const (
	SuiteOPRF = "oprf-ristretto255-sha512"
	SuiteAEAD = "xchacha20poly1305-ietf"
)

// EncryptionType is the /encryption_type response body.
type EncryptionType struct {
	Suite      string `json:"suite"`
	Encryption string `json:"encryption"`
}

// evaluateRequest is the /oprf_evaluate request body.
type evaluateRequest struct {
	DataType string `json:"data_type"`
	Blinded  string `json:"blinded"`
}

// evaluateResponse is the /oprf_evaluate response body.
type evaluateResponse struct {
	Evaluated string `json:"evaluated"`
}

// syncModeHeader carries the full/delta indicator on /sync_data
// responses.
const syncModeHeader = "X-Sync-Mode"

// Server serves the CLOAKmatch wire protocol for one dataset store.
type Server struct {
	store *dataset.Store
	log   *logrus.Logger
}

// New returns a Server over store, logging to log.
func New(store *dataset.Store, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{store: store, log: log}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	only := func(method string, h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != method {
				w.Header().Set("Allow", method)
				http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
				return
			}
			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync_data", only(http.MethodGet, s.handleSyncData))
	mux.HandleFunc("/encryption_type", only(http.MethodGet, s.handleEncryptionType))
	mux.HandleFunc("/oprf_evaluate", only(http.MethodPost, s.handleEvaluate))
	return mux
}

func (s *Server) handleSyncData(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("data_type")
	if !dataset.ValidName(name) {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("%w: %q", dataset.ErrInvalidName, name))
		return
	}

	var sinceHash []byte
	if hexHash := r.URL.Query().Get("hash"); hexHash != "" {
		var err error
		sinceHash, err = hex.DecodeString(hexHash)
		if err != nil || len(sinceHash) != dataset.ChainHashBytes {
			s.fail(w, r, http.StatusBadRequest, errors.New("malformed hash parameter"))
			return
		}
	}

	events, mode, err := s.store.ReadChanges(name, sinceHash)
	if err != nil {
		s.failMapped(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(syncModeHeader, string(mode))
	for _, e := range events {
		fmt.Fprintln(w, dataset.FormatEvent(e))
	}

	s.log.WithFields(logrus.Fields{
		"dataset": name,
		"mode":    mode,
		"events":  len(events),
	}).Debug("served sync_data")
}

func (s *Server) handleEncryptionType(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("data_type")
	if !dataset.ValidName(name) {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("%w: %q", dataset.ErrInvalidName, name))
		return
	}
	if _, err := s.store.LoadConfig(name); err != nil {
		s.failMapped(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(EncryptionType{Suite: SuiteOPRF, Encryption: SuiteAEAD})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("malformed request body: %w", err))
		return
	}
	if !dataset.ValidName(req.DataType) {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("%w: %q", dataset.ErrInvalidName, req.DataType))
		return
	}
	blinded, err := hex.DecodeString(req.Blinded)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, errors.New("malformed blinded element"))
		return
	}

	evaluated, err := s.store.EvaluateOPRF(req.DataType, blinded)
	if err != nil {
		s.failMapped(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(evaluateResponse{Evaluated: hex.EncodeToString(evaluated)})

	s.log.WithField("dataset", req.DataType).Debug("served oprf_evaluate")
}

// failMapped translates engine errors to protocol status codes.
func (s *Server) failMapped(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dataset.ErrUnknownDataset):
		s.fail(w, r, http.StatusNotFound, err)
	case errors.Is(err, dataset.ErrInvalidName), errors.Is(err, oprf.ErrInvalidEncoding):
		s.fail(w, r, http.StatusBadRequest, err)
	default:
		s.fail(w, r, http.StatusInternalServerError, err)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.log.WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": status,
	}).WithError(err).Warn("request failed")
	http.Error(w, err.Error(), status)
}
