package server

import (
	"sync/atomic"
)

// DNSStats collects DNS query statistics.
// All methods are safe for concurrent use.
type DNSStats struct {
	queriesTotal   atomic.Uint64
	queriesUDP     atomic.Uint64
	queriesTCP     atomic.Uint64
	responsesNX    atomic.Uint64
	responsesErr   atomic.Uint64
	latencyTotalNs atomic.Uint64

	udpRecvFail atomic.Uint64
	udpSendFail atomic.Uint64
	tcpRecvFail atomic.Uint64
	tcpSendFail atomic.Uint64
	dropped     atomic.Uint64
}

// NewDNSStats creates a new DNS statistics collector.
func NewDNSStats() *DNSStats {
	return &DNSStats{}
}

// RecordQuery records a DNS query for the given transport (udp or tcp).
func (s *DNSStats) RecordQuery(transport string) {
	s.queriesTotal.Add(1)
	switch transport {
	case "udp":
		s.queriesUDP.Add(1)
	case "tcp":
		s.queriesTCP.Add(1)
	}
}

// RecordNXDOMAIN records an NXDOMAIN response.
func (s *DNSStats) RecordNXDOMAIN() {
	s.responsesNX.Add(1)
}

// RecordError records an error response (SERVFAIL, FORMERR, etc.).
func (s *DNSStats) RecordError() {
	s.responsesErr.Add(1)
}

// RecordLatency records query latency in nanoseconds.
func (s *DNSStats) RecordLatency(ns int64) {
	if ns > 0 {
		s.latencyTotalNs.Add(uint64(ns))
	}
}

// RecordUDPRecvFail records a failed UDP receive (socket error, not EOF-on-shutdown).
func (s *DNSStats) RecordUDPRecvFail() { s.udpRecvFail.Add(1) }

// RecordUDPSendFail records a failed UDP send.
func (s *DNSStats) RecordUDPSendFail() { s.udpSendFail.Add(1) }

// RecordTCPRecvFail records a failed TCP read. The TCP server records one for
// every read that ends a connection, including a client closing it cleanly
// between messages.
func (s *DNSStats) RecordTCPRecvFail() { s.tcpRecvFail.Add(1) }

// RecordTCPSendFail records a failed TCP write.
func (s *DNSStats) RecordTCPSendFail() { s.tcpSendFail.Add(1) }

// RecordDropped records a packet dropped before processing (rate limit,
// full worker queue, or admission rejection).
func (s *DNSStats) RecordDropped() { s.dropped.Add(1) }

// DNSStatsSnapshot is a point-in-time snapshot of DNS server statistics.
type DNSStatsSnapshot struct {
	QueriesTotal uint64
	QueriesUDP   uint64
	QueriesTCP   uint64
	ResponsesNX  uint64
	ResponsesErr uint64
	AvgLatencyMs float64

	UDPRecvFail uint64
	UDPSendFail uint64
	TCPRecvFail uint64
	TCPSendFail uint64
	Dropped     uint64
}

// Snapshot returns the current statistics.
func (s *DNSStats) Snapshot() DNSStatsSnapshot {
	total := s.queriesTotal.Load()
	latencyNs := s.latencyTotalNs.Load()

	avgLatencyMs := 0.0
	if total > 0 {
		avgLatencyMs = float64(latencyNs) / float64(total) / 1e6
	}

	return DNSStatsSnapshot{
		QueriesTotal: total,
		QueriesUDP:   s.queriesUDP.Load(),
		QueriesTCP:   s.queriesTCP.Load(),
		ResponsesNX:  s.responsesNX.Load(),
		ResponsesErr: s.responsesErr.Load(),
		AvgLatencyMs: avgLatencyMs,

		UDPRecvFail: s.udpRecvFail.Load(),
		UDPSendFail: s.udpSendFail.Load(),
		TCPRecvFail: s.tcpRecvFail.Load(),
		TCPSendFail: s.tcpSendFail.Load(),
		Dropped:     s.dropped.Load(),
	}
}
