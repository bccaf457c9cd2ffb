package world

import (
	"context"
	"log"
	"sort"

	"voxelstream.ai/internal/sim/voxel"
)

// generator synthesizes chunk data asynchronously. done runs on the control
// goroutine; fail runs there when the chunk could not be produced.
type generator interface {
	generate(key voxel.ChunkKey, req *LoadRequest, done func([]byte), fail func(error))
}

type pendingFetch struct {
	req     *LoadRequest
	waiters []func([]byte)
}

type StoreStats struct {
	Resident    int    `json:"resident"`
	Pending     int    `json:"pending"`
	Generated   uint64 `json:"generated"`
	StorageHits uint64 `json:"storage_hits"`
	StorageMiss uint64 `json:"storage_miss"`
	StorageErrs uint64 `json:"storage_errors"`
	ZeroFilled  uint64 `json:"zero_filled"`
	Failed      uint64 `json:"failed"`
}

// ChunkStore owns resident voxel buffers and deduplicates fetches. Resolution
// order for a missing key: storage, then generation, then a zero-filled buffer
// when no generator is configured.
//
// Accessed only from the control goroutine.
type ChunkStore struct {
	cs      int
	ctx     context.Context
	loop    *loop
	storage Storage
	gen     generator
	log     *log.Logger

	data    map[voxel.ChunkKey][]byte
	pending map[voxel.ChunkKey]*pendingFetch

	// onArrive runs after a fetched or put buffer becomes resident.
	onArrive func(key voxel.ChunkKey)

	warned map[voxel.ChunkKey]bool
	stats  StoreStats
}

func newChunkStore(ctx context.Context, cs int, lp *loop, storage Storage, gen generator, logger *log.Logger) *ChunkStore {
	return &ChunkStore{
		cs:      cs,
		ctx:     ctx,
		loop:    lp,
		storage: storage,
		gen:     gen,
		log:     logger,
		data:    map[voxel.ChunkKey][]byte{},
		pending: map[voxel.ChunkKey]*pendingFetch{},
		warned:  map[voxel.ChunkKey]bool{},
	}
}

// Get delivers the buffer for key to fn. A resident buffer is delivered
// immediately; otherwise fn joins the single outstanding fetch for key. fn may
// be nil to only start loading.
func (s *ChunkStore) Get(key voxel.ChunkKey, fn func([]byte)) {
	if buf, ok := s.data[key]; ok {
		if fn != nil {
			fn(buf)
		}
		return
	}
	if p, ok := s.pending[key]; ok {
		if fn != nil {
			p.waiters = append(p.waiters, fn)
		}
		return
	}
	p := &pendingFetch{req: &LoadRequest{}}
	if fn != nil {
		p.waiters = append(p.waiters, fn)
	}
	s.pending[key] = p
	if s.storage != nil {
		s.fetchStored(key, p)
		return
	}
	s.synthesize(key, p)
}

func (s *ChunkStore) fetchStored(key voxel.ChunkKey, p *pendingFetch) {
	s.loop.track(1)
	skey := key.StorageKey()
	ctx := s.ctx
	storage := s.storage
	go func() {
		data, found, err := storage.Get(ctx, skey)
		s.loop.Post(func() {
			s.loop.track(-1)
			if p.req.Cancelled() {
				return
			}
			if err != nil {
				s.stats.StorageErrs++
				if !s.warned[key] {
					s.warned[key] = true
					s.log.Printf("[chunkstore] storage get %s: %v (falling back to generation)", skey, err)
				}
				found = false
			}
			if found {
				if cerr := voxel.CheckBuffer(s.cs, data); cerr != nil {
					s.log.Printf("[chunkstore] storage get %s: %v (ignored)", skey, cerr)
					found = false
				}
			}
			if found {
				s.stats.StorageHits++
				s.commit(key, p, data)
				return
			}
			s.stats.StorageMiss++
			s.synthesize(key, p)
		})
	}()
}

func (s *ChunkStore) synthesize(key voxel.ChunkKey, p *pendingFetch) {
	if s.gen == nil {
		s.stats.ZeroFilled++
		s.loop.track(1)
		s.loop.later(func() {
			s.loop.track(-1)
			s.commit(key, p, voxel.NewBuffer(s.cs))
		})
		return
	}
	s.stats.Generated++
	s.gen.generate(key, p.req,
		func(buf []byte) { s.commit(key, p, buf) },
		func(err error) {
			if p.req.Cancelled() || s.pending[key] != p {
				return
			}
			s.stats.Failed++
			s.log.Printf("[chunkstore] generate %s: %v (dropping fetch)", key, err)
			delete(s.pending, key)
		},
	)
}

func (s *ChunkStore) commit(key voxel.ChunkKey, p *pendingFetch, buf []byte) {
	if p.req.Cancelled() || s.pending[key] != p {
		return
	}
	if err := voxel.CheckBuffer(s.cs, buf); err != nil {
		s.stats.Failed++
		s.log.Printf("[chunkstore] %s: %v (dropping fetch)", key, err)
		delete(s.pending, key)
		return
	}
	delete(s.pending, key)
	s.data[key] = buf
	for _, fn := range p.waiters {
		fn(buf)
	}
	if s.onArrive != nil {
		s.onArrive(key)
	}
}

// Put makes buf resident for key, settling any outstanding fetch with it.
func (s *ChunkStore) Put(key voxel.ChunkKey, buf []byte) error {
	if err := voxel.CheckBuffer(s.cs, buf); err != nil {
		return err
	}
	var waiters []func([]byte)
	if p, ok := s.pending[key]; ok {
		p.req.Cancel()
		waiters = p.waiters
		delete(s.pending, key)
	}
	s.data[key] = buf
	for _, fn := range waiters {
		fn(buf)
	}
	if s.onArrive != nil {
		s.onArrive(key)
	}
	return nil
}

func (s *ChunkStore) Has(key voxel.ChunkKey) bool {
	_, ok := s.data[key]
	return ok
}

// Peek returns the resident buffer without starting a fetch.
func (s *ChunkStore) Peek(key voxel.ChunkKey) ([]byte, bool) {
	buf, ok := s.data[key]
	return buf, ok
}

func (s *ChunkStore) IsPending(key voxel.ChunkKey) bool {
	_, ok := s.pending[key]
	return ok
}

// Evict cancels any outstanding fetch for key (its waiters are abandoned) and
// drops the resident buffer.
func (s *ChunkStore) Evict(key voxel.ChunkKey) {
	if p, ok := s.pending[key]; ok {
		p.req.Cancel()
		delete(s.pending, key)
	}
	delete(s.data, key)
	delete(s.warned, key)
}

// Keys returns resident keys ordered by z, y, x.
func (s *ChunkStore) Keys() []voxel.ChunkKey {
	keys := make([]voxel.ChunkKey, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// PendingKeys returns keys with an outstanding fetch.
func (s *ChunkStore) PendingKeys() []voxel.ChunkKey {
	keys := make([]voxel.ChunkKey, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func (s *ChunkStore) Len() int { return len(s.data) }

func (s *ChunkStore) Reset() {
	for _, p := range s.pending {
		p.req.Cancel()
	}
	clear(s.pending)
	clear(s.data)
	clear(s.warned)
}

func (s *ChunkStore) Stats() StoreStats {
	st := s.stats
	st.Resident = len(s.data)
	st.Pending = len(s.pending)
	return st
}

func sortKeys(keys []voxel.ChunkKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
}
