package db

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PoolUsage is what a load did to the pool, logged by the Postgres sink.
type PoolUsage struct {
	Total       int32
	Idle        int32
	Acquired    int32
	Max         int32
	Acquires    int64
	AcquireWait time.Duration
	EmptyWaits  int64
}

// Usage reads the pool counters.
func Usage(pool *pgxpool.Pool) PoolUsage {
	stat := pool.Stat()
	return PoolUsage{
		Total:       stat.TotalConns(),
		Idle:        stat.IdleConns(),
		Acquired:    stat.AcquiredConns(),
		Max:         stat.MaxConns(),
		Acquires:    stat.AcquireCount(),
		AcquireWait: stat.AcquireDuration(),
		EmptyWaits:  stat.EmptyAcquireCount(),
	}
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (u PoolUsage) MarshalZerologObject(e *zerolog.Event) {
	e.Int32("total_conns", u.Total).
		Int32("idle_conns", u.Idle).
		Int32("acquired_conns", u.Acquired).
		Int32("max_conns", u.Max).
		Int64("acquires", u.Acquires).
		Dur("acquire_wait", u.AcquireWait).
		Int64("empty_waits", u.EmptyWaits)
}
