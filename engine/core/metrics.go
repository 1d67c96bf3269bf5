package core

import "github.com/spaghettifunk/anima-rhi/engine/containers"

const AVG_COUNT int = 30

// FrameMetrics keeps a rolling average of frame times and a frames-per-second counter.
type FrameMetrics struct {
	samples            *containers.RingQueue[float64]
	sum                float64
	msAvg              float64
	frames             int32
	accumulatedFrameMS float64
	fps                float64
	totalFrames        uint64
}

func NewFrameMetrics() *FrameMetrics {
	return &FrameMetrics{
		samples: containers.NewRingQueue[float64](AVG_COUNT),
	}
}

// Update records one frame that took frameElapsedTime seconds.
func (m *FrameMetrics) Update(frameElapsedTime float64) {
	frameMS := frameElapsedTime * 1000.0
	if m.samples.IsFull() {
		old, _ := m.samples.Dequeue()
		m.sum -= old
	}
	_ = m.samples.Enqueue(frameMS)
	m.sum += frameMS
	m.msAvg = m.sum / float64(m.samples.Len())

	// Calculate Frames per second.
	m.accumulatedFrameMS += frameMS
	if m.accumulatedFrameMS > 1000 {
		m.fps = float64(m.frames)
		m.accumulatedFrameMS -= 1000
		m.frames = 0
	}
	m.frames++
	m.totalFrames++
}

func (m *FrameMetrics) FPS() float64 {
	return m.fps
}

func (m *FrameMetrics) FrameTime() float64 {
	return m.msAvg
}

func (m *FrameMetrics) TotalFrames() uint64 {
	return m.totalFrames
}

func (m *FrameMetrics) Frame() (float64, float64) {
	return m.fps, m.msAvg
}
