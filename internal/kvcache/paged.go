// Package kvcache provides a paged key/value store for the block-sparse
// attention backend. A pool of fixed-size blocks is shared across the
// sequence; a block table maps logical block indices to physical blocks so
// capacity is committed only as the rollout grows.
package kvcache

import (
	"fmt"
	"sync"

	"github.com/AndreHathora/SpecForge/internal/config"
	"github.com/AndreHathora/SpecForge/internal/metrics"
	"github.com/AndreHathora/SpecForge/internal/tensor"
)

const defaultBlockSize = 16

// Paged stores unexpanded key/value heads per layer. Each cached position
// occupies one slot of batch*kvHeads*headDim floats inside a block; all
// layers share one block table because update order is layer 0 first within
// each step.
type Paged struct {
	kvHeads int
	headDim int
	layers  int
	batch   int

	blockSize   int
	totalBlocks int

	// Per-layer pools, laid out [totalBlocks*blockSize, batch*kvHeads*headDim].
	kPools [][]float32
	vPools [][]float32

	mu         sync.Mutex
	freeBlocks []int32
	blockTable []int32
	seqLens    []int
}

// NewPaged allocates pools for the given capacity in positions, rounded up
// to whole blocks.
func NewPaged(cfg *config.Config, layers, batch, capacity int) (*Paged, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if layers <= 0 || batch <= 0 {
		return nil, fmt.Errorf("kvcache: layers and batch must be positive, got %d and %d", layers, batch)
	}
	if capacity <= 0 {
		capacity = cfg.MaxPositionEmbeddings
	}

	c := &Paged{
		kvHeads:   cfg.NumKeyValueHeads,
		headDim:   cfg.ResolvedHeadDim(),
		layers:    layers,
		batch:     batch,
		blockSize: defaultBlockSize,
	}
	c.totalBlocks = (capacity + c.blockSize - 1) / c.blockSize
	capacity = c.totalBlocks * c.blockSize

	c.freeBlocks = make([]int32, c.totalBlocks)
	for i := range c.freeBlocks {
		c.freeBlocks[i] = int32(c.totalBlocks - 1 - i)
	}
	c.blockTable = make([]int32, 0, c.totalBlocks)
	c.seqLens = make([]int, layers)

	slot := batch * c.kvHeads * c.headDim
	c.kPools = make([][]float32, layers)
	c.vPools = make([][]float32, layers)
	for i := 0; i < layers; i++ {
		c.kPools[i] = make([]float32, capacity*slot)
		c.vPools[i] = make([]float32, capacity*slot)
	}

	metrics.RecordKVCacheStats(int64(layers*2*capacity*slot*4), 0)
	return c, nil
}

// SeqLength reports the number of cached positions for a layer.
func (c *Paged) SeqLength(layer int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqLens[layer]
}

// Update appends k/v of shape [batch, kvHeads, qLen, headDim] for one layer
// and returns the gathered full history [batch, kvHeads, total, headDim].
func (c *Paged) Update(k, v *tensor.Tensor, layer int) (*tensor.Tensor, *tensor.Tensor, error) {
	if layer < 0 || layer >= c.layers {
		return nil, nil, fmt.Errorf("kvcache: layer %d out of range [0,%d)", layer, c.layers)
	}
	if k.Dim(0) != c.batch || k.Dim(1) != c.kvHeads || k.Dim(3) != c.headDim {
		return nil, nil, fmt.Errorf("kvcache: key shape %v, want [%d %d seq %d]",
			k.Shape(), c.batch, c.kvHeads, c.headDim)
	}
	qLen := k.Dim(2)

	c.mu.Lock()
	start := c.seqLens[layer]
	// Grow the shared block table. Layer 0 runs first each step, so later
	// layers always find their blocks already mapped.
	need := (start + qLen + c.blockSize - 1) / c.blockSize
	for len(c.blockTable) < need {
		if len(c.freeBlocks) == 0 {
			c.mu.Unlock()
			return nil, nil, fmt.Errorf("kvcache: out of blocks at position %d", start+qLen)
		}
		phys := c.freeBlocks[len(c.freeBlocks)-1]
		c.freeBlocks = c.freeBlocks[:len(c.freeBlocks)-1]
		c.blockTable = append(c.blockTable, phys)
	}
	c.seqLens[layer] = start + qLen
	table := c.blockTable
	c.mu.Unlock()

	slot := c.batch * c.kvHeads * c.headDim
	kd, vd := k.Data(), v.Data()
	for s := 0; s < qLen; s++ {
		pos := start + s
		phys := int(table[pos/c.blockSize])*c.blockSize + pos%c.blockSize
		dstK := c.kPools[layer][phys*slot : (phys+1)*slot]
		dstV := c.vPools[layer][phys*slot : (phys+1)*slot]
		for b := 0; b < c.batch; b++ {
			for h := 0; h < c.kvHeads; h++ {
				from := ((b*c.kvHeads+h)*qLen + s) * c.headDim
				to := (b*c.kvHeads + h) * c.headDim
				copy(dstK[to:to+c.headDim], kd[from:from+c.headDim])
				copy(dstV[to:to+c.headDim], vd[from:from+c.headDim])
			}
		}
	}

	total := start + qLen
	metrics.KVCacheAppends.Inc()
	metrics.KVCacheUsedBytes.Set(float64(c.layers * 2 * total * slot * 4))

	return c.gather(layer, total, table), c.gatherV(layer, total, table), nil
}

func (c *Paged) gather(layer, total int, table []int32) *tensor.Tensor {
	return gatherPool(c.kPools[layer], table, c.batch, c.kvHeads, total, c.headDim, c.blockSize)
}

func (c *Paged) gatherV(layer, total int, table []int32) *tensor.Tensor {
	return gatherPool(c.vPools[layer], table, c.batch, c.kvHeads, total, c.headDim, c.blockSize)
}

func gatherPool(pool []float32, table []int32, batch, kvHeads, total, headDim, blockSize int) *tensor.Tensor {
	out := tensor.New(batch, kvHeads, total, headDim)
	od := out.Data()
	slot := batch * kvHeads * headDim
	for pos := 0; pos < total; pos++ {
		phys := int(table[pos/blockSize])*blockSize + pos%blockSize
		src := pool[phys*slot : (phys+1)*slot]
		for b := 0; b < batch; b++ {
			for h := 0; h < kvHeads; h++ {
				from := (b*kvHeads + h) * headDim
				to := ((b*kvHeads+h)*total + pos) * headDim
				copy(od[to:to+headDim], src[from:from+headDim])
			}
		}
	}
	return out
}

// Capacity returns the total positions the pools can hold.
func (c *Paged) Capacity() int {
	return c.totalBlocks * c.blockSize
}

// Reset returns every block to the free list and zeroes all sequence
// lengths, preparing the cache for a new rollout.
func (c *Paged) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, phys := range c.blockTable {
		c.freeBlocks = append(c.freeBlocks, phys)
	}
	c.blockTable = c.blockTable[:0]
	for i := range c.seqLens {
		c.seqLens[i] = 0
	}
	metrics.KVCacheUsedBytes.Set(0)
}
