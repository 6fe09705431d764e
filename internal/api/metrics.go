package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics is the body of GET /api/v1/metrics, a quick JSON view for
// operators. Prometheus scrapes /metrics.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	Sessions      SessionMetrics `json:"sessions"`
	Peers         *PeerMetrics   `json:"peers,omitempty"`
}

type RuntimeMetrics struct {
	Goroutines int     `json:"goroutines"`
	HeapMB     float64 `json:"heap_mb"`
	NumGC      uint32  `json:"num_gc"`
}

type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedEvents    uint64 `json:"dropped_events"`
}

// SessionMetrics counts supervised sessions by supervisor status and by
// broker connection state.
type SessionMetrics struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	ByConnection map[string]int `json:"by_connection"`
	Restarts     int            `json:"restarts"`
}

// PeerMetrics counts the edge peers a host application is tracking. It is
// present only while a host is running.
type PeerMetrics struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	out := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime) / time.Second),
		Runtime: RuntimeMetrics{
			Goroutines: runtime.NumGoroutine(),
			HeapMB:     float64(mem.HeapAlloc) / (1 << 20),
			NumGC:      mem.NumGC,
		},
		WebSocket: WSMetrics{ConnectedClients: s.hub.ClientCount(), DroppedEvents: s.hub.Dropped()},
		Sessions:  s.sessionMetrics(),
	}

	if host := s.currentHost(); host != nil {
		// A host that cannot answer leaves the section out rather than
		// failing the whole response.
		if peers, err := host.Peers(r.Context()); err == nil {
			pm := &PeerMetrics{Total: len(peers), ByStatus: make(map[string]int)}
			for _, p := range peers {
				pm.ByStatus[p.Status.String()]++
			}
			out.Peers = pm
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) sessionMetrics() SessionMetrics {
	m := SessionMetrics{
		Total:        len(s.sessions),
		ByStatus:     make(map[string]int),
		ByConnection: make(map[string]int),
	}
	for _, sess := range s.sessions {
		st := sess.Stats()
		m.ByStatus[string(st.Status)]++
		if st.Connection != "" {
			m.ByConnection[st.Connection]++
		}
		m.Restarts += st.RestartCount
	}
	return m
}
