package model

import "time"

// CallStats summarizes the participation history of one call.
type CallStats struct {
	CallID               CallID         `json:"call_id"`
	ParticipantCount     int            `json:"participant_count"`
	SessionCount         int            `json:"session_count"`
	ActiveParticipants   int            `json:"active_participants"`
	TotalDurationSeconds float64        `json:"total_duration_seconds"`
	AvgDurationSeconds   *float64       `json:"avg_duration_seconds"`
	LeaveReasons         map[string]int `json:"leave_reasons"`
}

// NewCallStats aggregates ledger rows. Rows that are still open count up to now.
func NewCallStats(callID CallID, ps []Participation, now time.Time) CallStats {
	stats := CallStats{
		CallID:       callID,
		SessionCount: len(ps),
		LeaveReasons: make(map[string]int),
	}
	users := make(map[UserID]struct{}, len(ps))
	for i := range ps {
		users[ps[i].UserID] = struct{}{}

		end := now
		if ps[i].LeftAt != nil {
			end = *ps[i].LeftAt
			stats.LeaveReasons[ps[i].LeaveReason]++
		}
		if d := end.Sub(ps[i].JoinedAt); d > 0 {
			stats.TotalDurationSeconds += d.Seconds()
		}
	}
	stats.ParticipantCount = len(users)
	if stats.SessionCount > 0 {
		avg := stats.TotalDurationSeconds / float64(stats.SessionCount)
		stats.AvgDurationSeconds = &avg
	}
	return stats
}

// TURNServer is a relay entry handed to WebRTC clients.
type TURNServer struct {
	URL        string `json:"url"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// ICEConfig lists the servers clients use to gather ICE candidates.
type ICEConfig struct {
	STUNServers []string     `json:"stun_servers"`
	TURNServers []TURNServer `json:"turn_servers"`
}
