package software

import (
	"fmt"
	"sort"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

const (
	// Every allocation starts on this boundary of the fake GPU address space.
	addressAlignment uint64 = 256
	addressBase      uint64 = 0x10000
	// Size of one descriptor inside a heap's address range.
	descriptorSize uint64 = 32
)

type buffer struct {
	desc    metadata.BufferDesc
	data    []byte
	address uint64
	name    string
}

type texture struct {
	desc metadata.TextureDesc
	// levels[layer][mip]
	levels [][][]byte
	name   string
}

func (t *texture) level(layer, mip uint32) []byte {
	return t.levels[layer][mip]
}

type allocationKind int

const (
	allocationBuffer allocationKind = iota
	allocationHeap
)

type allocation struct {
	base uint64
	size uint64
	kind allocationKind
	id   uint32
}

// addressSpace hands out GPU virtual addresses and resolves them back to the
// owning object.
type addressSpace struct {
	next   uint64
	ranges []allocation
}

func newAddressSpace() *addressSpace {
	return &addressSpace{next: addressBase}
}

func (s *addressSpace) allocate(size uint64, kind allocationKind, id uint32) uint64 {
	base := s.next
	s.next += math.AlignUp(size, addressAlignment) + addressAlignment
	s.ranges = append(s.ranges, allocation{base: base, size: size, kind: kind, id: id})
	return base
}

func (s *addressSpace) release(base uint64) {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].base >= base })
	if i < len(s.ranges) && s.ranges[i].base == base {
		s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
	}
}

// resolve returns the allocation containing address and the offset inside it.
func (s *addressSpace) resolve(address uint64) (allocation, uint64, bool) {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].base > address })
	if i == 0 {
		return allocation{}, 0, false
	}
	a := s.ranges[i-1]
	if address-a.base >= a.size {
		return allocation{}, 0, false
	}
	return a, address - a.base, true
}

func (d *SoftwareDevice) CreateBuffer(desc metadata.BufferDesc) (rhi.BufferID, error) {
	if desc.Size == 0 {
		return rhi.InvalidBuffer, fmt.Errorf("create buffer %q: size is zero", desc.DebugName)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID()
	b := &buffer{
		desc: desc,
		data: make([]byte, desc.Size),
		name: debugName("buffer", desc.DebugName),
	}
	b.address = d.addresses.allocate(desc.Size, allocationBuffer, id)
	d.buffers[rhi.BufferID(id)] = b
	return rhi.BufferID(id), nil
}

func (d *SoftwareDevice) DestroyBuffer(id rhi.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		core.LogWarn("software device: destroy of unknown buffer %d", id)
		return
	}
	d.addresses.release(b.address)
	delete(d.accelStructures, b.address)
	delete(d.buffers, id)
}

func (d *SoftwareDevice) MapBuffer(id rhi.BufferID) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("map buffer %d: %w", id, core.ErrInvalidHandle)
	}
	if b.desc.Memory == metadata.MemoryKindDeviceLocal {
		return nil, fmt.Errorf("map buffer %s: device local memory is not host visible", b.name)
	}
	return b.data, nil
}

func (d *SoftwareDevice) BufferAddress(id rhi.BufferID) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if b, ok := d.buffers[id]; ok {
		return b.address
	}
	return 0
}

func (d *SoftwareDevice) CreateTexture(desc metadata.TextureDesc) (rhi.TextureID, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return rhi.InvalidTexture, fmt.Errorf("create texture %q: %w", desc.DebugName, core.ErrZeroSizedTexture)
	}
	if desc.Layers == 0 {
		desc.Layers = 1
	}
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}
	t := &texture{
		desc:   desc,
		levels: make([][][]byte, desc.Layers),
		name:   debugName("texture", desc.DebugName),
	}
	for layer := range t.levels {
		t.levels[layer] = make([][]byte, desc.MipLevels)
		for mip := range t.levels[layer] {
			t.levels[layer][mip] = make([]byte, desc.LayerSize(uint32(mip)))
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := rhi.TextureID(d.nextID())
	d.textures[id] = t
	return id, nil
}

func (d *SoftwareDevice) DestroyTexture(id rhi.TextureID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.textures[id]; !ok {
		core.LogWarn("software device: destroy of unknown texture %d", id)
		return
	}
	delete(d.textures, id)
}

func (d *SoftwareDevice) ReadTexture(id rhi.TextureID, layer uint32) ([]byte, error) {
	if err := d.WaitIdle(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.textures[id]
	if !ok {
		return nil, fmt.Errorf("read texture %d: %w", id, core.ErrInvalidHandle)
	}
	if layer >= t.desc.Layers {
		return nil, fmt.Errorf("read texture %s: layer %d out of range", t.name, layer)
	}
	out := make([]byte, len(t.level(layer, 0)))
	copy(out, t.level(layer, 0))
	return out, nil
}

// resolveAddress returns the buffer bytes starting at address.
func (d *SoftwareDevice) resolveAddress(address uint64) (*buffer, []byte, bool) {
	a, offset, ok := d.addresses.resolve(address)
	if !ok || a.kind != allocationBuffer {
		return nil, nil, false
	}
	b := d.buffers[rhi.BufferID(a.id)]
	if b == nil {
		return nil, nil, false
	}
	return b, b.data[offset:], true
}

func debugName(kind, name string) string {
	if name != "" {
		return name
	}
	return core.NewDebugName(kind)
}
