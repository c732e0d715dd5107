package session

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// PeerConnectionStatsSource derives TransportStats from a pion
// PeerConnection's stats report. Inbound RTP stream entries supply
// packet counts and jitter; remote inbound entries supply round-trip
// time. Multiple streams are averaged into one reading.
type PeerConnectionStatsSource struct {
	pc *webrtc.PeerConnection
}

// NewPeerConnectionStatsSource wraps a peer connection as a StatsSource.
func NewPeerConnectionStatsSource(pc *webrtc.PeerConnection) *PeerConnectionStatsSource {
	return &PeerConnectionStatsSource{pc: pc}
}

// Sample reads the current stats report and reduces it to transport
// metrics. Jitter and RTT arrive from WebRTC in seconds and are
// converted to milliseconds.
func (s *PeerConnectionStatsSource) Sample(_ context.Context) (TransportStats, error) {
	if s.pc == nil {
		return TransportStats{}, fmt.Errorf("stats sample: no peer connection")
	}

	report := s.pc.GetStats()

	var (
		received, lost float64
		jitterSum      float64
		jitterCount    int
		rttSum         float64
		rttCount       int
	)

	for _, stat := range report {
		switch st := stat.(type) {
		case webrtc.InboundRTPStreamStats:
			received += float64(st.PacketsReceived)
			lost += float64(st.PacketsLost)
			jitterSum += st.Jitter * 1000
			jitterCount++
		case webrtc.RemoteInboundRTPStreamStats:
			rttSum += st.RoundTripTime * 1000
			rttCount++
		}
	}

	var out TransportStats
	if total := received + lost; total > 0 {
		out.PacketLossPct = lost / total * 100
	}
	if jitterCount > 0 {
		out.JitterMillis = jitterSum / float64(jitterCount)
	}
	if rttCount > 0 {
		out.RTTMillis = rttSum / float64(rttCount)
	}
	return out, nil
}
