// Package heapdir is an in-memory bluge index.Directory that keeps snapshot
// items as well as segments, so an index can be reopened read-only from it.
package heapdir

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/blugelabs/bluge/index"
	segment "github.com/blugelabs/bluge_segment_api"
)

var ErrLocked = errors.New("heapdir: directory already locked")

type Directory struct {
	mu     sync.RWMutex
	items  map[string]map[uint64][]byte
	locked bool
}

func New() *Directory {
	return &Directory{
		items: make(map[string]map[uint64][]byte),
	}
}

func (d *Directory) Setup(readOnly bool) error {
	return nil
}

// List returns ids of the given kind in descending order.
func (d *Directory) List(kind string) ([]uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]uint64, 0, len(d.items[kind]))
	for id := range d.items[kind] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return ids, nil
}

func (d *Directory) Load(kind string, id uint64) (*segment.Data, io.Closer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	data, found := d.items[kind][id]
	if !found {
		return nil, nil, fmt.Errorf("heapdir: item %d%s not found", id, kind)
	}
	// Persisted items are never written again, readers can share the bytes.
	return segment.NewDataBytes(data), nil, nil
}

func (d *Directory) Persist(kind string, id uint64, w index.WriterTo, closeCh chan struct{}) error {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf, closeCh); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	byID, found := d.items[kind]
	if !found {
		byID = make(map[uint64][]byte)
		d.items[kind] = byID
	}
	byID[id] = buf.Bytes()
	return nil
}

func (d *Directory) Remove(kind string, id uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.items[kind], id)
	return nil
}

func (d *Directory) Stats() (numItems uint64, numBytes uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, byID := range d.items {
		for _, data := range byID {
			numItems++
			numBytes += uint64(len(data))
		}
	}
	return numItems, numBytes
}

func (d *Directory) Sync() error {
	return nil
}

// Lock fails immediately if the directory is already locked.
func (d *Directory) Lock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return ErrLocked
	}
	d.locked = true
	return nil
}

func (d *Directory) Unlock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locked = false
	return nil
}
