package vulkan

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type VulkanFence struct {
	Handle     vk.Fence
	IsSignaled bool
}

func NewFence(d *VulkanDevice, createSignaled bool) (*VulkanFence, error) {
	fence := &VulkanFence{
		IsSignaled: createSignaled,
	}

	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if fence.IsSignaled {
		fenceCreateInfo.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}

	var pFence vk.Fence
	if res := vk.CreateFence(d.logicalDevice, &fenceCreateInfo, nil, &pFence); res != vk.Success {
		err := fmt.Errorf("failed to create fence: %w", d.check("vkCreateFence", res))
		core.LogError(err.Error())
		return nil, err
	}
	fence.Handle = pFence
	return fence, nil
}

func (vf *VulkanFence) Destroy(d *VulkanDevice) {
	if vf.Handle != nil {
		vk.DestroyFence(d.logicalDevice, vf.Handle, nil)
		vf.Handle = nil
	}
	vf.IsSignaled = false
}

// Poll refreshes IsSignaled without blocking.
func (vf *VulkanFence) Poll(d *VulkanDevice) bool {
	if !vf.IsSignaled && vk.GetFenceStatus(d.logicalDevice, vf.Handle) == vk.Success {
		vf.IsSignaled = true
	}
	return vf.IsSignaled
}

func (vf *VulkanFence) Wait(d *VulkanDevice, timeoutNs uint64) error {
	if vf.IsSignaled {
		return nil
	}
	result := vk.WaitForFences(d.logicalDevice, 1, []vk.Fence{vf.Handle}, vk.True, timeoutNs)
	switch result {
	case vk.Success:
		vf.IsSignaled = true
		return nil
	case vk.Timeout:
		core.LogWarn("vk_fence_wait - Timed out")
	case vk.ErrorDeviceLost:
		core.LogError("vk_fence_wait - VK_ERROR_DEVICE_LOST.")
	case vk.ErrorOutOfHostMemory:
		core.LogError("vk_fence_wait - VK_ERROR_OUT_OF_HOST_MEMORY.")
	case vk.ErrorOutOfDeviceMemory:
		core.LogError("vk_fence_wait - VK_ERROR_OUT_OF_DEVICE_MEMORY.")
	default:
		core.LogError("vk_fence_wait - An unknown error has occurred.")
	}
	if result == vk.Timeout {
		return fmt.Errorf("vkWaitForFences timed out")
	}
	return d.check("vkWaitForFences", result)
}

func (vf *VulkanFence) Reset(d *VulkanDevice) error {
	if vf.IsSignaled {
		if res := vk.ResetFences(d.logicalDevice, 1, []vk.Fence{vf.Handle}); res != vk.Success {
			err := fmt.Errorf("failed to reset fence: %w", d.check("vkResetFences", res))
			core.LogError(err.Error())
			return err
		}
		vf.IsSignaled = false
	}
	return nil
}

// acquireFence hands out an unsignaled fence, reusing retired ones.
func (d *VulkanDevice) acquireFence() (*VulkanFence, error) {
	d.mu.Lock()
	if n := len(d.freeFences); n > 0 {
		f := d.freeFences[n-1]
		d.freeFences = d.freeFences[:n-1]
		d.mu.Unlock()
		if err := f.Reset(d); err != nil {
			f.Destroy(d)
			return nil, err
		}
		return f, nil
	}
	d.mu.Unlock()
	return NewFence(d, false)
}

func (d *VulkanDevice) retireFence(f *VulkanFence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		f.Destroy(d)
		return
	}
	d.freeFences = append(d.freeFences, f)
}

type pendingSignal struct {
	value uint64
	fence *VulkanFence
}

/**
 * @brief A timeline built out of binary fences. Every Signal submits an empty
 * batch that carries a pooled fence; the completed value advances as those
 * fences signal, in submission order.
 */
type timelineFence struct {
	dev       *VulkanDevice
	mu        sync.Mutex
	completed uint64
	pending   []pendingSignal
}

func (d *VulkanDevice) CreateFence(initial uint64) (rhi.Fence, error) {
	return &timelineFence{dev: d, completed: initial}, nil
}

// Signal queues an empty submission that signals fence to value once all
// previously submitted work is done.
func (d *VulkanDevice) Signal(fence rhi.Fence, value uint64) error {
	f, ok := fence.(*timelineFence)
	if !ok || f.dev != d {
		return fmt.Errorf("signal of foreign fence: %w", core.ErrInvalidHandle)
	}
	if err := d.Err(); err != nil {
		return err
	}
	native, err := d.acquireFence()
	if err != nil {
		return err
	}
	err = d.locks.SafeQueueCall(d.queues.GraphicsFamilyIndex, func() error {
		return d.check("vkQueueSubmit", vk.QueueSubmit(d.graphicsQueue, 0, nil, native.Handle))
	})
	if err != nil {
		d.retireFence(native)
		return err
	}
	f.mu.Lock()
	f.pending = append(f.pending, pendingSignal{value: value, fence: native})
	f.mu.Unlock()
	return nil
}

// retire drops every leading pending signal whose fence has fired. Callers
// hold f.mu.
func (f *timelineFence) retire() {
	n := 0
	for _, p := range f.pending {
		if !p.fence.Poll(f.dev) {
			break
		}
		if p.value > f.completed {
			f.completed = p.value
		}
		f.dev.retireFence(p.fence)
		n++
	}
	f.pending = f.pending[n:]
}

func (f *timelineFence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retire()
	return f.completed
}

func (f *timelineFence) Wait(value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		f.retire()
		if f.completed >= value {
			return nil
		}
		if len(f.pending) == 0 {
			return fmt.Errorf("wait for fence value %d that was never signaled (completed %d)", value, f.completed)
		}
		if err := f.pending[0].fence.Wait(f.dev, vk.MaxUint64); err != nil {
			return err
		}
	}
}

func (f *timelineFence) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pending {
		if err := p.fence.Wait(f.dev, vk.MaxUint64); err != nil {
			core.LogWarn("destroying fence with unfinished signal %d: %s", p.value, err)
		}
		f.dev.retireFence(p.fence)
	}
	f.pending = nil
}
