// Request Pipeline (spec.md §4.7, C9): the request taxonomy, per-zone
// FIFO queues, triage (sparse-cache barrier fan-out), and the zone
// worker dispatch loop that actually executes a request's search and
// write-back.
//
// Grounded on the teacher's single-writer-goroutine shape (db.go,
// reused for the Chapter Writer in chapterwriter.go) generalized to one
// goroutine per zone, each draining its own channel-backed FIFO queue.
package uds

import (
	"sync"
	"time"
)

// RequestType is a caller-submitted operation's kind (spec.md §4.7).
type RequestType int

const (
	Post RequestType = iota
	Update
	Query
	QueryNoUpdate
	Delete
)

// Region reports where a name's prior record, if any, was located
// (spec.md §4.7 step 3).
type Region int

const (
	RegionUnavailable Region = iota
	RegionInOpenChapter
	RegionInDense
	RegionInSparse
	RegionRecordPageLookup
)

// Result is delivered to a Request's Callback exactly once, on the zone
// worker that executed it (spec.md §6: "callback invoked exactly once
// per request, on a zone worker, with status... and location set to
// the region where the prior record, if any, was found").
type Result struct {
	Err      error
	Found    bool
	Location Region
}

// Request is one caller operation (spec.md §4.7: "a name, a
// zone_number assigned at triage, a type, and pre/post metadata
// buffers"). NewMetadata is the "post" buffer; callers of QUERY/
// QUERY_NO_UPDATE/DELETE may leave it zero.
type Request struct {
	Name        RecordName
	Type        RequestType
	NewMetadata Metadata
	Callback    func(Result)
}

// RecordPageSource resolves an address-key collision against the
// actual on-disk record page spec.md §6 calls "the volume-page cache
// (external)... accessed read-only from zone workers". The Volume
// Index alone cannot disambiguate two different names that collide on
// the same compressed address within a chapter; a nil source is valid
// — such names are still reported as RegionRecordPageLookup, just
// without this Index confirming the match itself.
type RecordPageSource interface {
	Confirm(name RecordName, virtualChapter uint64) (bool, error)
}

type pipelineMsg struct {
	barrier bool
	vc      uint64
	req     *Request
}

// Pipeline is the Request Pipeline described by spec.md §4.7.
type Pipeline struct {
	cfg    Config
	vi     *VolumeIndex
	zones  []*IndexZone
	cache  *SparseCache
	pages  RecordPageSource
	logger *rateLimiter

	queues []chan pipelineMsg
	wg     sync.WaitGroup
}

// NewPipeline builds a pipeline over zones (index i owns delta lists
// routed to zone i) and starts one worker goroutine per zone. cache and
// pages may both be nil when sparse indexing is disabled.
func NewPipeline(cfg Config, vi *VolumeIndex, zones []*IndexZone, cache *SparseCache, pages RecordPageSource) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		vi:     vi,
		zones:  zones,
		cache:  cache,
		pages:  pages,
		logger: newRateLimiter(cfg.Logger, time.Minute),
		queues: make([]chan pipelineMsg, cfg.Zones),
	}
	for i := range p.queues {
		p.queues[i] = make(chan pipelineMsg, 256)
		p.wg.Add(1)
		go p.runZone(i)
	}
	return p
}

// Submit enqueues req for asynchronous execution (spec.md §5: "upper
// layers submit requests asynchronously").
func (p *Pipeline) Submit(req *Request) {
	p.dispatch(req)
}

// Stop closes every zone queue and waits for in-flight requests to
// drain (spec.md §5: "cancellation is implemented by draining at
// shutdown").
func (p *Pipeline) Stop() {
	for _, q := range p.queues {
		close(q)
	}
	p.wg.Wait()
}

// ownerZone routes name to the zone owning its delta list's contiguous
// range (spec.md:49: "each zone owns a contiguous range of lists") —
// the same partition DeltaIndex.zoneOf uses, so triage and storage
// agree on which zone a name belongs to.
func (p *Pipeline) ownerZone(name RecordName) int {
	list := extractListNumber(name, p.cfg.NameBytes, p.cfg.AddressBits, p.cfg.NumDeltaLists)
	return zoneForList(list, p.cfg.NumDeltaLists, p.cfg.Zones)
}

// dispatch implements triage (spec.md §4.7): for a multi-zone sparse
// index, a sampled name whose chapter falls in the sparse region gets a
// SPARSE_CACHE_BARRIER enqueued on every zone ahead of the request
// itself. A single-zone sparse index skips the queue-based barrier
// entirely and simulates it by updating the cache inline before the
// request is even enqueued (SPEC_FULL.md Open Question decision #1).
func (p *Pipeline) dispatch(req *Request) {
	zone := p.ownerZone(req.Name)

	if p.cfg.Zones == 1 {
		if p.cfg.sparse() {
			if vc, ok := p.vi.LookupName(req.Name); ok && p.isSparseChapter(vc, zone) {
				_ = p.zones[zone].HandleSparseCacheBarrier(vc)
			}
		}
		p.queues[zone] <- pipelineMsg{req: req}
		return
	}

	if p.cfg.sparse() {
		if vc, ok := p.vi.LookupName(req.Name); ok && p.isSparseChapter(vc, zone) {
			for z := range p.queues {
				p.queues[z] <- pipelineMsg{barrier: true, vc: vc}
			}
		}
	}
	p.queues[zone] <- pipelineMsg{req: req}
}

// isSparseChapter reports whether vc falls among the
// SparseChaptersPerVolume most-recently-closed chapters in zone's own
// window (spec.md §4.2/§4.7; see config.go's SparseChaptersPerVolume
// doc for which end of the window "sparse" names here).
func (p *Pipeline) isSparseChapter(vc uint64, zone int) bool {
	if !p.cfg.sparse() {
		return false
	}
	newest := p.zones[zone].Newest()
	if newest == 0 {
		return false
	}
	return chapterIsSparse(vc, newest-1, p.cfg.SparseChaptersPerVolume)
}

func (p *Pipeline) runZone(zoneIdx int) {
	defer p.wg.Done()
	for msg := range p.queues[zoneIdx] {
		if msg.barrier {
			_ = p.zones[zoneIdx].HandleSparseCacheBarrier(msg.vc)
			continue
		}
		p.execute(zoneIdx, msg.req)
	}
}

// execute runs the search flow of spec.md §4.7 steps 1-3 and dispatches
// to finish for steps 4-5 / DELETE.
func (p *Pipeline) execute(zoneIdx int, req *Request) {
	z := p.zones[zoneIdx]

	if found, meta := z.OpenChapter().Search(req.Name); found {
		p.finish(z, req, Result{Found: true, Location: RegionInOpenChapter}, meta)
		return
	}
	if found, meta := z.SearchWriting(req.Name); found {
		p.finish(z, req, Result{Found: true, Location: RegionInOpenChapter}, meta)
		return
	}

	rec := p.vi.GetRecord(req.Name)
	if !rec.IsFound {
		p.finish(z, req, Result{Found: false, Location: RegionUnavailable}, Metadata{})
		return
	}

	res := Result{Found: true}
	switch {
	case rec.IsCollision:
		res.Location = RegionRecordPageLookup
		if p.pages != nil {
			ok, err := p.pages.Confirm(req.Name, rec.VirtualChapter)
			if err != nil {
				req.Callback(Result{Err: err, Location: res.Location})
				return
			}
			res.Found = ok
		}
	case p.isSparseChapter(rec.VirtualChapter, zoneIdx):
		res.Location = RegionInSparse
		if p.cache != nil {
			if _, ok := p.cache.Lookup(req.Name, rec.VirtualChapter); !ok {
				res.Found = false
			}
		}
	default:
		res.Location = RegionInDense
	}
	p.finish(z, req, res, Metadata{})
}

// finish applies step 4 (volume-index update) and step 5 (open-chapter
// insert) or the DELETE path, then invokes req's callback (spec.md
// §4.7).
func (p *Pipeline) finish(z *IndexZone, req *Request, res Result, existingMeta Metadata) {
	if req.Type == Delete {
		if err := p.vi.RemoveRecord(req.Name); err != nil {
			req.Callback(Result{Err: err, Location: res.Location})
			return
		}
		z.RemoveOpenChapter(req.Name)
		req.Callback(Result{Found: res.Found, Location: res.Location})
		return
	}

	if req.Type == QueryNoUpdate {
		req.Callback(res)
		return
	}

	metadata := existingMeta
	switch req.Type {
	case Update:
		metadata = req.NewMetadata
	case Post:
		if !res.Found {
			metadata = req.NewMetadata
		}
	}

	if err := p.vi.PutRecord(req.Name, z.Newest(), p.logger); err != nil {
		req.Callback(Result{Err: err, Found: res.Found, Location: res.Location})
		return
	}
	if err := z.PutOpenChapter(req.Name, metadata); err != nil {
		req.Callback(Result{Err: err, Found: res.Found, Location: res.Location})
		return
	}
	req.Callback(Result{Found: res.Found, Location: res.Location})
}
