package metrics

import "depthwatch/logger"

// ArchiveStats are the cumulative counters of the raw book archiver.
type ArchiveStats struct {
	Objects int64
	Bytes   int64
	Rows    int64
	Skipped int64
	Errors  int64
}

// ReportArchive emits the archiver counters and logs them as one line, at
// warn level once any upload has failed.
func ReportArchive(log *logger.Log, stats ArchiveStats) {
	attempts := stats.Objects + stats.Errors
	var failureRate, rowsPerObject float64
	if attempts > 0 {
		failureRate = float64(stats.Errors) / float64(attempts)
	}
	if stats.Objects > 0 {
		rowsPerObject = float64(stats.Rows) / float64(stats.Objects)
	}

	EmitMetric(log, "archiver", "objects_written", stats.Objects, "counter", nil)
	EmitMetric(log, "archiver", "bytes_written", stats.Bytes, "counter", logger.Fields{"unit": "bytes"})
	EmitMetric(log, "archiver", "rows_written", stats.Rows, "counter", nil)
	EmitMetric(log, "archiver", "upload_failure_rate", failureRate, "gauge", nil)

	entry := log.WithComponent("archiver").WithFields(logger.Fields{
		"objects":         stats.Objects,
		"bytes":           stats.Bytes,
		"rows":            stats.Rows,
		"skipped":         stats.Skipped,
		"errors":          stats.Errors,
		"rows_per_object": rowsPerObject,
	})
	if stats.Errors > 0 {
		entry.Warn("archiver stats")
		return
	}
	entry.Info("archiver stats")
}
