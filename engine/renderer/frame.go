package renderer

import (
	"github.com/spaghettifunk/anima-rhi/engine/core"
)

/**
 * @brief Starts recording frame slot CurrentFrame. Blocks until the GPU has
 * finished the work previously submitted for this slot, then destroys the
 * resources whose deletion became due and resets the per-frame allocators.
 * When something is due it also waits for the previous frame, the last one
 * allowed to use it.
 */
func (b *Backend) BeginFrame() error {
	target := b.frameFenceValues[b.currentFrame]
	if b.fenceCounter == 0 {
		// Setup work recorded before the first frame has no fence value.
		if err := b.device.WaitIdle(); err != nil {
			return err
		}
	}
	if target != 0 && b.frameFence.CompletedValue() < target {
		if err := b.frameFence.Wait(target); err != nil {
			core.LogError("wait for frame %d failed: %s", b.currentFrame, err)
			return err
		}
	}

	due := b.deletions.Advance()
	if len(due) > 0 && b.frameFence.CompletedValue() < b.fenceCounter {
		// Frame t+N-1 may still read what frame t deleted.
		if err := b.frameFence.Wait(b.fenceCounter); err != nil {
			for _, d := range due {
				b.deletions.Push(d)
			}
			core.LogError("wait before releasing %d deleted resources failed: %s", len(due), err)
			return err
		}
	}
	for _, d := range due {
		b.destroy(d)
	}
	b.dynamicCursor = 0
	b.recycleCommands()

	if err := b.applyPendingResize(); err != nil {
		return err
	}
	b.applyPendingReloads()
	return nil
}

/**
 * @brief Submits what is still open, presents, signals the frame fence and
 * moves to the next frame slot.
 */
func (b *Backend) EndFrame() error {
	if err := b.submitOpenCommands(); err != nil {
		return err
	}
	if err := b.device.Present(); err != nil {
		core.LogError("present failed: %s", err)
		return err
	}

	b.fenceCounter++
	if err := b.device.Signal(b.frameFence, b.fenceCounter); err != nil {
		return err
	}
	b.frameFenceValues[b.currentFrame] = b.fenceCounter
	b.currentFrame = (b.currentFrame + 1) % b.framesInFlight
	b.rt.clearScene()
	b.drawList = b.drawList[:0]

	last := b.clock.Elapsed()
	b.clock.Update()
	b.metrics.Update(b.clock.Elapsed() - last)
	return nil
}

// WaitForRenderFinish blocks until every submitted frame has completed.
func (b *Backend) WaitForRenderFinish() error {
	if b.fenceCounter > 0 {
		if err := b.frameFence.Wait(b.fenceCounter); err != nil {
			return err
		}
	}
	return b.device.WaitIdle()
}

/**
 * @brief Records a window size change. The swapchain and every frame buffer
 * following the window are recreated at the start of the next frame, once
 * the GPU has drained.
 */
func (b *Backend) OnWindowResized(width, height uint32) {
	if width == 0 || height == 0 {
		// Minimized.
		return
	}
	b.resizeMu.Lock()
	b.pendingResize = &[2]uint32{width, height}
	b.resizeMu.Unlock()
}

func (b *Backend) onResizedEvent(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	b.OnWindowResized(data.Data.U32[0], data.Data.U32[1])
	return false
}

func (b *Backend) applyPendingResize() error {
	b.resizeMu.Lock()
	size := b.pendingResize
	b.pendingResize = nil
	b.resizeMu.Unlock()
	if size == nil || (size[0] == b.width && size[1] == b.height) {
		return nil
	}

	if err := b.WaitForRenderFinish(); err != nil {
		return err
	}
	// Nothing is in flight anymore, so due deletions can go right away.
	for _, d := range b.deletions.Drain() {
		b.destroy(d)
	}
	if err := b.device.ResizeSwapchain(size[0], size[1]); err != nil {
		core.LogFatal("failed to resize swapchain to %dx%d: %s", size[0], size[1], err)
		return err
	}
	b.width, b.height = size[0], size[1]
	b.rewrapPresentTargets()

	b.frameBuffers.Each(func(id uint32, fb *frameBufferRecord) {
		if fb.followWindow && !fb.deleting {
			b.resizeFrameBuffer(fb, b.width, b.height)
		}
	})
	b.rt.accumulation = 0
	core.LogInfo("renderer resized to %dx%d", b.width, b.height)
	return nil
}
