package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nerrad567/sparkplug-core/internal/process"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/store"
)

// RebirthRequest is the body of POST /peers/rebirth.
type RebirthRequest struct {
	Peer string `json:"peer"`
}

// handleListSessions returns the status of every supervised session.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	out := make([]process.Stats, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Stats())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": out,
		"count":    len(out),
	})
}

// handleListPeers returns the sequence state of every observed peer.
func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	host := s.currentHost()
	if host == nil {
		writeUnavailable(w, "host application is not running")
		return
	}

	peers, err := host.Peers(r.Context())
	if err != nil {
		writeSparkplugError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"host":  host.HostID(),
		"peers": peers,
		"count": len(peers),
	})
}

// handlePeerCatalog returns the metrics a peer declared in its last BIRTH.
// The peer is given as ?peer=group/node[/device].
func (s *Server) handlePeerCatalog(w http.ResponseWriter, r *http.Request) {
	host := s.currentHost()
	if host == nil {
		writeUnavailable(w, "host application is not running")
		return
	}

	peer, err := sparkplug.ParsePeerID(r.URL.Query().Get("peer"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	metrics, err := host.Catalog(r.Context(), peer)
	if err != nil {
		writeSparkplugError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"peer":    peer,
		"metrics": metrics,
		"count":   len(metrics),
	})
}

// handleRequestRebirth publishes a rebirth command to the peer.
func (s *Server) handleRequestRebirth(w http.ResponseWriter, r *http.Request) {
	host := s.currentHost()
	if host == nil {
		writeUnavailable(w, "host application is not running")
		return
	}

	var req RebirthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	peer, err := sparkplug.ParsePeerID(req.Peer)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if err := host.RequestRebirth(r.Context(), peer); err != nil {
		s.logger.Warn("rebirth request failed", "peer", peer.String(), "error", err)
		writeSparkplugError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "requested",
		"peer":   peer,
	})
}

// handleListBirths returns recorded births, newest first. Query parameters
// group, node and device filter; limit bounds the result.
func (s *Server) handleListBirths(w http.ResponseWriter, r *http.Request) {
	if s.births == nil {
		writeUnavailable(w, "birth catalog is not configured")
		return
	}

	q := r.URL.Query()
	f := store.BirthFilter{
		Group:  q.Get("group"),
		Node:   q.Get("node"),
		Device: q.Get("device"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	births, err := s.births.ListBirths(r.Context(), f)
	if err != nil {
		s.logger.Error("listing births failed", "error", err)
		writeInternalError(w, "failed to list births")
		return
	}
	if births == nil {
		births = []store.Birth{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"births": births,
		"count":  len(births),
	})
}
