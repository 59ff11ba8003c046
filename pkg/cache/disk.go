package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"mediagate/pkg/logger"
)

const (
	entryPrefix = "e:"
	metaPrefix  = "m:"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskOp struct {
	key     string
	entry   *Entry // nil means touch
	barrier chan struct{}
}

// DiskStore is a leveldb-backed Spill bounded by its own byte budget.
// Writes go through a single writer goroutine; when the budget is exceeded
// roughly a tenth of the entries, oldest access first, are dropped.
type DiskStore struct {
	maxBytes int64
	db       *leveldb.DB
	log      logger.Logger

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	closeMu sync.RWMutex
	closed  bool
	ops     chan diskOp
	done    chan struct{}
	dropped atomic.Int64
}

// OpenDiskStore opens (or creates) the store at path and loads its index
func OpenDiskStore(path string, maxBytes int64, log logger.Logger) (*DiskStore, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &DiskStore{
		maxBytes: maxBytes,
		db:       db,
		log:      log.WithField("component", "disk_cache"),
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

// Close drains pending writes and closes the database
func (d *DiskStore) Close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ops)
	d.closeMu.Unlock()

	<-d.done
	return d.db.Close()
}

func (d *DiskStore) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}

	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

// Get reads an entry and queues a recency touch
func (d *DiskStore) Get(key string) (*Entry, bool) {
	b, err := d.db.Get([]byte(entryPrefix+key), nil)
	if err != nil {
		return nil, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return nil, false
	}

	d.mu.Lock()
	meta, exists := d.index[key]
	if exists {
		meta.LastAccess = time.Now().UnixNano()
		d.index[key] = meta
	}
	d.mu.Unlock()
	if exists {
		d.enqueue(diskOp{key: key})
	}
	return &ent, true
}

// PutAsync queues e for writing; it never blocks and drops the write when
// the queue is full
func (d *DiskStore) PutAsync(key string, e *Entry) {
	d.enqueue(diskOp{key: key, entry: e})
}

// Flush waits until every queued operation has been applied
func (d *DiskStore) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	d.closeMu.RLock()
	if d.closed {
		d.closeMu.RUnlock()
		return nil
	}
	select {
	case d.ops <- diskOp{barrier: barrier}:
	case <-ctx.Done():
		d.closeMu.RUnlock()
		return ctx.Err()
	}
	d.closeMu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Has reports whether key is indexed
func (d *DiskStore) Has(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[key]
	return ok
}

// Stats returns the tier's current size
func (d *DiskStore) Stats() SpillStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return SpillStats{
		Entries:  len(d.index),
		Bytes:    d.totalSize,
		MaxBytes: d.maxBytes,
		Dropped:  d.dropped.Load(),
	}
}

func (d *DiskStore) enqueue(op diskOp) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ops <- op:
	default:
		if op.entry != nil {
			d.dropped.Add(1)
		}
	}
}

func (d *DiskStore) writerLoop() {
	defer close(d.done)

	for op := range d.ops {
		switch {
		case op.barrier != nil:
			close(op.barrier)
		case op.entry != nil:
			d.applyPut(op.key, op.entry)
		default:
			d.applyTouch(op.key)
		}
	}
}

func (d *DiskStore) applyPut(key string, ent *Entry) {
	b, err := encodeGob(ent)
	if err != nil {
		d.log.WithError(err).Warn("encode disk entry")
		return
	}
	size := int64(len(b))
	meta := diskMeta{Size: size, LastAccess: time.Now().UnixNano()}

	d.mu.Lock()
	if old, ok := d.index[key]; ok {
		d.totalSize -= old.Size
	}
	d.index[key] = meta
	d.totalSize += size
	over := d.totalSize > d.maxBytes
	d.mu.Unlock()

	mb, _ := encodeGob(meta)
	batch := new(leveldb.Batch)
	batch.Put([]byte(entryPrefix+key), b)
	batch.Put([]byte(metaPrefix+key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		d.log.WithError(err).Warn("write disk entry")
	}

	for over {
		over = d.evictSome()
	}
}

func (d *DiskStore) applyTouch(key string) {
	d.mu.Lock()
	meta, ok := d.index[key]
	d.mu.Unlock()
	if !ok {
		return
	}
	mb, _ := encodeGob(meta)
	_ = d.db.Put([]byte(metaPrefix+key), mb, nil)
}

func (d *DiskStore) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(entryPrefix + key))
	batch.Delete([]byte(metaPrefix + key))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
}

// evictSome drops the least recently accessed tenth of the index (at least
// one entry) and reports whether the store is still over budget
func (d *DiskStore) evictSome() bool {
	type item struct {
		key string
		m   diskMeta
	}

	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, item{k, m})
	}
	d.mu.Unlock()

	if len(items) == 0 {
		return false
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		d.applyDelete(items[i].key)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize > d.maxBytes && len(d.index) > 0
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
