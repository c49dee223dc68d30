// Package statusapi exposes a read-only JSON surface over the sync
// engine's state, for the out-of-scope companion UI to poll: device
// status, peer cursors, pending conflicts, and migration progress. It
// never accepts a mutating request — every write to the ledger goes
// through the mutation log, not this API.
package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/recordmoney/syncd/internal/conflict"
	"github.com/recordmoney/syncd/internal/device"
	"github.com/recordmoney/syncd/internal/localstore"
	"github.com/recordmoney/syncd/internal/syncengine"
)

// Server wires the read-only status handlers to their collaborators.
type Server struct {
	store    *localstore.Store
	devices  *device.Service
	sync     *syncengine.Service
	detector *conflict.Detector
	logger   *logrus.Logger
}

func New(store *localstore.Store, devices *device.Service, sync *syncengine.Service, detector *conflict.Detector, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{store: store, devices: devices, sync: sync, detector: detector, logger: logger}
}

// Routes builds the chi mux serving this surface.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/status", s.handleStatus)
	r.Get("/peers", s.handlePeers)
	r.Get("/conflicts", s.handleConflicts)
	r.Get("/migration", s.handleMigration)
	return r
}

type statusResponse struct {
	Mode       localstore.SyncMode `json:"mode"`
	LastSyncAt *time.Time          `json:"lastSyncAt,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	mode, err := s.devices.Status()
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := statusResponse{Mode: mode}
	if s.sync != nil {
		resp.LastSyncAt = s.sync.LastSyncAt()
	}
	s.writeJSON(w, resp)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.store.PeerSyncStates()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, peers)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.store.Conflicts()
	if err != nil {
		s.writeError(w, err)
		return
	}
	pending := make([]localstore.Conflict, 0, len(conflicts))
	for _, c := range conflicts {
		if c.Status == localstore.ConflictPending {
			pending = append(pending, c)
		}
	}
	body := struct {
		Pending   []localstore.Conflict     `json:"pending"`
		Malformed []conflict.MalformedReport `json:"malformed,omitempty"`
	}{Pending: pending}
	if s.detector != nil {
		body.Malformed = s.detector.MalformedReports()
	}
	s.writeJSON(w, body)
}

func (s *Server) handleMigration(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.SyncConfig()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, struct {
		Migrated       bool       `json:"migrated"`
		MigratedAt     *time.Time `json:"migratedAt,omitempty"`
		SelfPersonUUID string     `json:"selfPersonUuid,omitempty"`
	}{Migrated: cfg.Migrated, MigratedAt: cfg.MigratedAt, SelfPersonUUID: cfg.SelfPersonUUID})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("status api: encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.logger.WithError(err).Warn("status api: handler error")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
