package software

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type softwareFence struct {
	mu        sync.Mutex
	cond      *sync.Cond
	completed uint64
	destroyed bool
}

func newFence(initial uint64) *softwareFence {
	f := &softwareFence{completed: initial}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *softwareFence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *softwareFence) Wait(value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.completed < value && !f.destroyed {
		f.cond.Wait()
	}
	if f.completed < value {
		return fmt.Errorf("fence destroyed while waiting for %d: %w", value, core.ErrDeviceLost)
	}
	return nil
}

func (f *softwareFence) signal(value uint64) {
	f.mu.Lock()
	if value > f.completed {
		f.completed = value
	}
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *softwareFence) Destroy() {
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

// queueItem is one unit of GPU timeline work: a command list snapshot, a
// fence signal or a present.
type queueItem struct {
	ops     []op
	fence   *softwareFence
	value   uint64
	present func()
}

// queue executes submitted work in order on its own goroutine.
type queue struct {
	items chan queueItem
	done  chan struct{}

	pauseMu sync.Mutex
	paused  bool
	resume  *sync.Cond
}

func newQueue(depth int) *queue {
	q := &queue{
		items: make(chan queueItem, depth),
		done:  make(chan struct{}),
	}
	q.resume = sync.NewCond(&q.pauseMu)
	return q
}

func (q *queue) run(exec func(item queueItem)) {
	defer close(q.done)
	for item := range q.items {
		q.pauseMu.Lock()
		for q.paused {
			q.resume.Wait()
		}
		q.pauseMu.Unlock()
		exec(item)
	}
}

func (q *queue) setPaused(paused bool) {
	q.pauseMu.Lock()
	q.paused = paused
	q.pauseMu.Unlock()
	q.resume.Broadcast()
}

func (q *queue) close() {
	q.setPaused(false)
	close(q.items)
	<-q.done
}

func (d *SoftwareDevice) CreateFence(initial uint64) (rhi.Fence, error) {
	return newFence(initial), nil
}

func (d *SoftwareDevice) Submit(lists ...rhi.CommandList) error {
	if err := d.lostError(); err != nil {
		return err
	}
	for _, l := range lists {
		cl, ok := l.(*commandList)
		if !ok {
			return fmt.Errorf("submit: foreign command list %T", l)
		}
		if cl.released {
			return fmt.Errorf("submit: command list %s was released", cl.name)
		}
		if cl.recording {
			return fmt.Errorf("submit: command list %s is still recording", cl.name)
		}
		snapshot := make([]op, len(cl.ops))
		copy(snapshot, cl.ops)
		d.queue.items <- queueItem{ops: snapshot}
	}
	return nil
}

func (d *SoftwareDevice) Signal(fence rhi.Fence, value uint64) error {
	f, ok := fence.(*softwareFence)
	if !ok {
		return fmt.Errorf("signal: foreign fence %T", fence)
	}
	d.queue.items <- queueItem{fence: f, value: value}
	return nil
}

func (d *SoftwareDevice) WaitIdle() error {
	d.idleMu.Lock()
	d.idleValue++
	value := d.idleValue
	d.idleMu.Unlock()

	if err := d.Signal(d.idleFence, value); err != nil {
		return err
	}
	return d.idleFence.Wait(value)
}

// PauseQueue stops the GPU timeline before its next item. Submissions keep
// queueing until ResumeQueue.
func (d *SoftwareDevice) PauseQueue() {
	d.queue.setPaused(true)
}

func (d *SoftwareDevice) ResumeQueue() {
	d.queue.setPaused(false)
}

func (d *SoftwareDevice) execute(item queueItem) {
	switch {
	case item.fence != nil:
		item.fence.signal(item.value)
	case item.present != nil:
		item.present()
	default:
		x := newExecutor(d)
		for _, o := range item.ops {
			d.mu.RLock()
			err := o(x)
			d.mu.RUnlock()
			if err != nil {
				d.markLost(err)
				return
			}
		}
	}
}
