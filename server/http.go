package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/me-foundation/luckdrop/server/commitdb"
)

func decodeHexParam(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("digest is %d bytes, want 32", len(b))
	}
	return b, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleLedger serves the balance counters plus derived totals.
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	s.RLock()
	ledger := s.ledger
	count := s.nextID
	halted := s.halted
	s.RUnlock()

	writeJSON(w, struct {
		TreasuryAtoms uint64 `json:"treasury_atoms"`
		CommitAtoms   uint64 `json:"commit_atoms"`
		ProtocolAtoms uint64 `json:"protocol_atoms"`
		TotalAtoms    uint64 `json:"total_atoms"`
		Commits       uint64 `json:"commits"`
		Halted        bool   `json:"halted"`
	}{
		TreasuryAtoms: ledger.TreasuryAtoms,
		CommitAtoms:   ledger.CommitAtoms,
		ProtocolAtoms: ledger.ProtocolAtoms,
		TotalAtoms:    ledger.Total(),
		Commits:       count,
		Halted:        halted,
	})
}

// handleCommitQuery serves a single commit record by ?id= or ?digest=.
func (s *Server) handleCommitQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		rec *commitdb.CommitRecord
		err error
	)
	switch {
	case r.URL.Query().Get("id") != "":
		var id uint64
		id, err = strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		rec, err = s.db.Commit(ctx, id)

	case r.URL.Query().Get("digest") != "":
		var digest []byte
		digest, err = decodeHexParam(r.URL.Query().Get("digest"))
		if err != nil {
			http.Error(w, "bad digest", http.StatusBadRequest)
			return
		}
		var id uint64
		id, err = s.db.CommitByDigest(ctx, digest)
		if err == nil {
			rec, err = s.db.Commit(ctx, id)
		}

	default:
		http.Error(w, "id or digest required", http.StatusBadRequest)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}

// handleCosigners serves the cosigner activation map.
func (s *Server) handleCosigners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.CosignerSet())
}

// handleEvents serves the recent event ring, oldest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.events.recent())
}
