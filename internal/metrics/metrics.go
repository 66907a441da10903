// Package metrics provides Prometheus metrics for the storage engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the core emits. One Metrics is
// created per Environment; promauto registers against a private
// registry so opening multiple databases in one process (as the tests
// do) never panics on duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	// Page manager
	PageCacheHitsTotal    prometheus.Counter
	PageCacheFetchesTotal prometheus.Counter
	PagesFlushedTotal     prometheus.Counter
	PagesEvictedTotal     prometheus.Counter
	PagesAllocatedTotal   prometheus.Counter
	CachedPages           prometheus.Gauge
	FreelistPages         prometheus.Gauge

	// Blob manager
	BlobAllocationsTotal prometheus.Counter
	BlobFreesTotal       prometheus.Counter
	BlobBytesAllocated   prometheus.Gauge

	// B+tree
	NodeSplitsTotal prometheus.Counter
	NodeMergesTotal prometheus.Counter
	RootCollapses   prometheus.Counter

	// Journal
	JournalRotationsTotal prometheus.Counter
	JournalFsyncsTotal    prometheus.Counter
	JournalBytesWritten   prometheus.Counter

	// Transactions
	TxnBeginTotal  prometheus.Counter
	TxnCommitTotal prometheus.Counter
	TxnAbortTotal  prometheus.Counter
	LiveTxns       prometheus.Gauge

	// Recovery
	RecoveryReplayedTotal prometheus.Counter
}

// New creates and registers every metric against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.PageCacheHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_page_cache_hits_total",
		Help: "Number of page fetches satisfied from the cache.",
	})
	m.PageCacheFetchesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_page_cache_fetches_total",
		Help: "Total number of page fetch calls.",
	})
	m.PagesFlushedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_pages_flushed_total",
		Help: "Number of dirty pages written back to the device.",
	})
	m.PagesEvictedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_pages_evicted_total",
		Help: "Number of clean pages dropped from the cache.",
	})
	m.PagesAllocatedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_pages_allocated_total",
		Help: "Number of pages allocated (freelist or file extension).",
	})
	m.CachedPages = f.NewGauge(prometheus.GaugeOpts{
		Name: "branchkv_cached_pages",
		Help: "Current number of pages resident in the cache.",
	})
	m.FreelistPages = f.NewGauge(prometheus.GaugeOpts{
		Name: "branchkv_freelist_pages",
		Help: "Current number of pages tracked by the freelist.",
	})

	m.BlobAllocationsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_blob_allocations_total",
		Help: "Number of blob allocations.",
	})
	m.BlobFreesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_blob_frees_total",
		Help: "Number of blob frees.",
	})
	m.BlobBytesAllocated = f.NewGauge(prometheus.GaugeOpts{
		Name: "branchkv_blob_bytes_allocated",
		Help: "Current bytes allocated to live blobs.",
	})

	m.NodeSplitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_btree_node_splits_total",
		Help: "Number of B+tree node splits.",
	})
	m.NodeMergesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_btree_node_merges_total",
		Help: "Number of B+tree node merges.",
	})
	m.RootCollapses = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_btree_root_collapses_total",
		Help: "Number of times the root was replaced by its single child.",
	})

	m.JournalRotationsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_journal_rotations_total",
		Help: "Number of journal file rotations.",
	})
	m.JournalFsyncsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_journal_fsyncs_total",
		Help: "Number of journal fsync calls.",
	})
	m.JournalBytesWritten = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_journal_bytes_written_total",
		Help: "Total bytes appended to the journal.",
	})

	m.TxnBeginTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_txn_begin_total",
		Help: "Number of transactions begun.",
	})
	m.TxnCommitTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_txn_commit_total",
		Help: "Number of transactions committed.",
	})
	m.TxnAbortTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_txn_abort_total",
		Help: "Number of transactions aborted.",
	})
	m.LiveTxns = f.NewGauge(prometheus.GaugeOpts{
		Name: "branchkv_live_txns",
		Help: "Current number of live (active or queued-committed) transactions.",
	})

	m.RecoveryReplayedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "branchkv_recovery_replayed_entries_total",
		Help: "Number of logical log entries replayed during the last recovery.",
	})

	return m
}

// Registry exposes the underlying registry, e.g. for an /metrics
// handler wired up by a caller outside the core.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
