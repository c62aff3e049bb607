package gateway

import "time"

// Stats is the gateway snapshot served on the state API.
type Stats struct {
	Sessions      int            `json:"sessions"`
	ByTransport   map[string]int `json:"by_transport"`
	TotalSessions int64          `json:"total_sessions"`
	Reaped        int64          `json:"reaped"`
	Now           string         `json:"now"`
}

func newStats(sessions map[string]*session, total, reaped int64) Stats {
	st := Stats{
		Sessions:      len(sessions),
		ByTransport:   map[string]int{},
		TotalSessions: total,
		Reaped:        reaped,
		Now:           time.Now().UTC().Format(time.RFC3339),
	}
	for _, s := range sessions {
		st.ByTransport[s.transport]++
	}
	return st
}
