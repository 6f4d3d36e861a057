package corekv

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// logger wraps zerolog the way the rest of the retrieval corpus wraps it
// for a storage component: a thin struct around a configured
// zerolog.Logger, with helpers for the handful of structured events the
// environment and transaction manager actually emit. Logging never sits
// on the read hot path (Get, cursor navigation) — only state transitions
// (open/close, meta rotation) and error paths.
type logger struct {
	z zerolog.Logger
}

// LogConfig controls the environment's logger.
type LogConfig struct {
	Level  zerolog.Level
	Output io.Writer
}

func newLogger(cfg LogConfig) logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	z := zerolog.New(out).With().Timestamp().Str("component", "corekv").Logger().Level(cfg.Level)
	return logger{z: z}
}

func defaultLogger() logger {
	return newLogger(LogConfig{Level: zerolog.WarnLevel})
}

func (l logger) envOpened(path string, pageSize uint32, mapSize uint64) {
	l.z.Info().Str("path", path).Uint32("page_size", pageSize).Uint64("map_size", mapSize).Msg("environment opened")
}

func (l logger) envClosed(path string) {
	l.z.Info().Str("path", path).Msg("environment closed")
}

func (l logger) metaRotated(txnID uint64, metaIdx int) {
	l.z.Debug().Uint64("txn_id", txnID).Int("meta_index", metaIdx).Msg("meta page rotated")
}

func (l logger) checksumFailure(pn pgno, kind string) {
	l.z.Error().Uint32("pgno", uint32(pn)).Str("kind", kind).Msg("checksum verification failed")
}

func (l logger) readersFull(max int) {
	l.z.Warn().Int("max_readers", max).Msg("reader table exhausted")
}

func (l logger) commit(txnID uint64, dirtyPages int, nanos int64) {
	l.z.Debug().Uint64("txn_id", txnID).Int("dirty_pages", dirtyPages).Int64("latency_ns", nanos).Msg("write transaction committed")
}
