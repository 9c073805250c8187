package engine

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-anvil/internal/metrics"
)

var ErrCacheOverflow = errors.New("kv cache overflow")

// Cache is the per-slot, per-layer key/value store backing incremental
// decoding. Each (slot, layer) entry owns a preallocated arena shaped
// [capacity, kvHeads*headDim] and a cursor marking the next free
// position. Slots are exclusively owned by one sequence at a time; the
// cache itself does no locking.
type Cache struct {
	layers  int
	kvHeads int
	headDim int
	slots   []*cacheSlot
}

type cacheSlot struct {
	capacity int
	cursors  []int
	k        [][]float32
	v        [][]float32
}

func NewCache(slots, layers, capacity, kvHeads, headDim int) (*Cache, error) {
	if slots <= 0 || layers <= 0 || capacity <= 0 || kvHeads <= 0 || headDim <= 0 {
		return nil, fmt.Errorf("invalid cache dims: slots=%d layers=%d capacity=%d kv_heads=%d head_dim=%d",
			slots, layers, capacity, kvHeads, headDim)
	}

	c := &Cache{layers: layers, kvHeads: kvHeads, headDim: headDim}
	kvDim := kvHeads * headDim
	for s := 0; s < slots; s++ {
		slot := &cacheSlot{
			capacity: capacity,
			cursors:  make([]int, layers),
			k:        make([][]float32, layers),
			v:        make([][]float32, layers),
		}
		for l := 0; l < layers; l++ {
			slot.k[l] = make([]float32, capacity*kvDim)
			slot.v[l] = make([]float32, capacity*kvDim)
		}
		c.slots = append(c.slots, slot)
	}

	metrics.RecordKVCacheStats(int64(slots*layers*2*capacity*kvDim*4), 0)
	return c, nil
}

func (c *Cache) Slots() int  { return len(c.slots) }
func (c *Cache) Layers() int { return c.layers }

func (c *Cache) kvDim() int { return c.kvHeads * c.headDim }

func (c *Cache) slot(s int) (*cacheSlot, error) {
	if s < 0 || s >= len(c.slots) {
		return nil, fmt.Errorf("invalid cache slot: %d (have %d)", s, len(c.slots))
	}
	return c.slots[s], nil
}

// Append writes one position's key and value rows at the entry's cursor
// and advances it. A full entry rejects the append; nothing is silently
// truncated.
func (c *Cache) Append(s, layer int, k, v []float32) error {
	slot, err := c.slot(s)
	if err != nil {
		return err
	}
	if layer < 0 || layer >= c.layers {
		return fmt.Errorf("invalid cache layer: %d (have %d)", layer, c.layers)
	}
	kvDim := c.kvDim()
	if len(k) != kvDim || len(v) != kvDim {
		return fmt.Errorf("cache append shape: got k=%d v=%d, want %d", len(k), len(v), kvDim)
	}

	cur := slot.cursors[layer]
	if cur >= slot.capacity {
		metrics.KVCacheOverflows.Inc()
		return fmt.Errorf("%w: slot %d layer %d at capacity %d", ErrCacheOverflow, s, layer, slot.capacity)
	}

	copy(slot.k[layer][cur*kvDim:(cur+1)*kvDim], k)
	copy(slot.v[layer][cur*kvDim:(cur+1)*kvDim], v)
	slot.cursors[layer] = cur + 1

	metrics.KVCacheAppends.Inc()
	metrics.KVCacheUsedBytes.Set(float64(c.usedBytes()))
	return nil
}

// Keys returns the valid range of cached keys for a (slot, layer) entry
// as a flat [count, kvHeads*headDim] view, plus the position count.
func (c *Cache) Keys(s, layer int) ([]float32, int, error) {
	slot, err := c.slot(s)
	if err != nil {
		return nil, 0, err
	}
	if layer < 0 || layer >= c.layers {
		return nil, 0, fmt.Errorf("invalid cache layer: %d (have %d)", layer, c.layers)
	}
	cur := slot.cursors[layer]
	return slot.k[layer][:cur*c.kvDim()], cur, nil
}

// Values is the value-side counterpart of Keys.
func (c *Cache) Values(s, layer int) ([]float32, int, error) {
	slot, err := c.slot(s)
	if err != nil {
		return nil, 0, err
	}
	if layer < 0 || layer >= c.layers {
		return nil, 0, fmt.Errorf("invalid cache layer: %d (have %d)", layer, c.layers)
	}
	cur := slot.cursors[layer]
	return slot.v[layer][:cur*c.kvDim()], cur, nil
}

// Cursor returns the next free position of a (slot, layer) entry.
func (c *Cache) Cursor(s, layer int) (int, error) {
	slot, err := c.slot(s)
	if err != nil {
		return 0, err
	}
	if layer < 0 || layer >= c.layers {
		return 0, fmt.Errorf("invalid cache layer: %d (have %d)", layer, c.layers)
	}
	return slot.cursors[layer], nil
}

// Reset rewinds every layer cursor of a slot to zero. The arenas are
// reused without reallocation; stale values are overwritten by later
// appends.
func (c *Cache) Reset(s int) error {
	slot, err := c.slot(s)
	if err != nil {
		return err
	}
	for l := range slot.cursors {
		slot.cursors[l] = 0
	}
	metrics.KVCacheUsedBytes.Set(float64(c.usedBytes()))
	return nil
}

// Resize grows a slot's capacity with a copy-extend. Shrinking is not
// supported; resize cost is explicit and amortized by doubling callers.
func (c *Cache) Resize(s, newCapacity int) error {
	slot, err := c.slot(s)
	if err != nil {
		return err
	}
	if newCapacity < slot.capacity {
		return fmt.Errorf("cache resize is grow-only: %d < current %d", newCapacity, slot.capacity)
	}
	if newCapacity == slot.capacity {
		return nil
	}

	kvDim := c.kvDim()
	for l := 0; l < c.layers; l++ {
		k := make([]float32, newCapacity*kvDim)
		v := make([]float32, newCapacity*kvDim)
		copy(k, slot.k[l])
		copy(v, slot.v[l])
		slot.k[l] = k
		slot.v[l] = v
	}
	slot.capacity = newCapacity

	metrics.KVCacheResizes.Inc()
	metrics.KVCacheCapacityBytes.Set(float64(c.capacityBytes()))
	return nil
}

// Capacity returns the position capacity of a slot.
func (c *Cache) Capacity(s int) (int, error) {
	slot, err := c.slot(s)
	if err != nil {
		return 0, err
	}
	return slot.capacity, nil
}

func (c *Cache) usedBytes() int64 {
	var used int64
	kvDim := int64(c.kvDim())
	for _, slot := range c.slots {
		for _, cur := range slot.cursors {
			used += 2 * int64(cur) * kvDim * 4
		}
	}
	return used
}

func (c *Cache) capacityBytes() int64 {
	var total int64
	kvDim := int64(c.kvDim())
	for _, slot := range c.slots {
		total += 2 * int64(c.layers) * int64(slot.capacity) * kvDim * 4
	}
	return total
}
