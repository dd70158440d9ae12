// Statistics (spec.md §4.8, C10): aggregates the Volume Index's per-
// subindex Delta Index counters, the chapter window, and the Sparse
// Cache's size into one report, exported as JSON.
//
// Grounded on deltaindex.go's own per-zone Stats() aggregation (this
// just sums it again across the dense/sparse split), with JSON export
// via github.com/goccy/go-json (carried from the retrieved corpus) for
// the encode/decode the teacher's own stats reporting uses.
package uds

import (
	"time"

	json "github.com/goccy/go-json"
)

// Stats is a point-in-time snapshot of an Index Controller's counters.
type Stats struct {
	Zones               int           `json:"zones"`
	ListCount           int           `json:"list_count"`
	RecordCount         int64         `json:"record_count"`
	CollisionCount      int64         `json:"collision_count"`
	OverflowCount       int64         `json:"overflow_count"`
	RebalanceCount      int64         `json:"rebalance_count"`
	RebalanceTime       time.Duration `json:"rebalance_time_ns"`
	EarlyFlushes        int64         `json:"early_flushes"`
	WriterBufferBytes   int           `json:"writer_buffer_bytes"`
	SparseCacheChapters int           `json:"sparse_cache_chapters"`
	Newest              uint64        `json:"newest"`
	Oldest              uint64        `json:"oldest"`
	HaveChapters        bool          `json:"have_chapters"`
}

// JSON marshals s (spec.md §4.8: "statistics are exportable for
// diagnostics").
func (s Stats) JSON() ([]byte, error) {
	return json.Marshal(s)
}

// Stats aggregates the dense and sparse subindex counters, the chapter
// writer's window, and the sparse cache's current size.
func (ic *IndexController) Stats() Stats {
	denseStats := ic.vi.DenseStats()
	sparseStats := ic.vi.SparseStats()
	denseRecords, denseCollisions := ic.vi.DenseEntryCount()
	sparseRecords, sparseCollisions := ic.vi.SparseEntryCount()

	newest, haveChapters := ic.writer.Newest()
	oldest, _ := ic.writer.Oldest()

	cacheLen := 0
	if ic.cache != nil {
		cacheLen = ic.cache.Len()
	}

	return Stats{
		Zones:               ic.cfg.Zones,
		ListCount:           ic.cfg.NumDeltaLists,
		RecordCount:         denseRecords + sparseRecords,
		CollisionCount:      denseCollisions + sparseCollisions,
		OverflowCount:       denseStats.OverflowCount + sparseStats.OverflowCount,
		RebalanceCount:      denseStats.RebalanceCount + sparseStats.RebalanceCount,
		RebalanceTime:       denseStats.RebalanceTime + sparseStats.RebalanceTime,
		EarlyFlushes:        ic.vi.TotalEarlyFlushes(),
		WriterBufferBytes:   ic.cfg.RecordsPerChapter * (NameSize + MetadataSize),
		SparseCacheChapters: cacheLen,
		Newest:              newest,
		Oldest:              oldest,
		HaveChapters:        haveChapters,
	}
}
