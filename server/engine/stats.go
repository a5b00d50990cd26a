package engine

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// PoolStats counters are atomic so snapshots never contend with borrowers.
type PoolStats struct {
	Total    atomic.Int64
	InFlight atomic.Int64
}

// SessionStatsDelta accumulates per-session counters between snapshots.
// A snapshot exchanges each counter to zero, so sessions never need to be
// paused for stats collection. Padded to keep the hot counters of adjacent
// pooled sessions off the same cache line.
type SessionStatsDelta struct {
	Transactions  atomic.Uint64
	BytesReceived atomic.Uint64
	BytesSent     atomic.Uint64
	_             cpu.CacheLinePad
}

// ContextInfo describes one reactor of a server.
type ContextInfo struct {
	Index            int
	Threads          int
	ActiveSessions   int
	StrandPoolSize   int
	StrandPoolFlight int
	Active           bool
}

// ServerInfo is the per-server view handed to the management surface.
type ServerInfo struct {
	Contexts []ContextInfo
}

// StatsRecord is one snapshot row for a server. The delta fields cover the
// interval since the previous snapshot.
type StatsRecord struct {
	TimestampMicros    int64
	Accepted           uint64
	PoolTotal          int
	PoolInFlight       int
	TransactionsDelta  uint64
	BytesReceivedDelta uint64
	BytesSentDelta     uint64
}
