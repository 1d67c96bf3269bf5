package renderer

import (
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type deletionKind int

const (
	deleteTexture deletionKind = iota
	deleteFrameBuffer
	deleteShader
	deleteMesh
	deleteMaterialData
	deleteRTMaterialData
	deleteRTPipeline
	// A native pipeline replaced by a hot reload. The logical shader lives on.
	deleteNativePipeline
)

func (k deletionKind) String() string {
	switch k {
	case deleteTexture:
		return "texture"
	case deleteFrameBuffer:
		return "frame buffer"
	case deleteShader:
		return "shader"
	case deleteMesh:
		return "mesh"
	case deleteMaterialData:
		return "material data"
	case deleteRTMaterialData:
		return "ray tracing material data"
	case deleteRTPipeline:
		return "ray tracing pipeline"
	case deleteNativePipeline:
		return "native pipeline"
	}
	return "unknown"
}

type deletion struct {
	kind   deletionKind
	handle uint32
	native rhi.PipelineID
}

// scheduleDeletion parks a resource until every frame that could still
// reference it has completed on the GPU.
func (b *Backend) scheduleDeletion(kind deletionKind, handle uint32) {
	b.deletions.Push(deletion{kind: kind, handle: handle, native: rhi.InvalidPipeline})
}

func (b *Backend) destroy(d deletion) {
	core.LogDebug("destroying %s %d", d.kind, d.handle)
	switch d.kind {
	case deleteTexture:
		b.destroyTexture(metadata.TextureHandle(d.handle))
	case deleteFrameBuffer:
		b.destroyFrameBuffer(metadata.FrameBufferHandle(d.handle))
	case deleteShader:
		b.destroyShader(metadata.ShaderHandle(d.handle))
	case deleteMesh:
		b.destroyMesh(metadata.MeshHandle(d.handle))
	case deleteMaterialData:
		b.destroyMaterialData(metadata.MaterialDataHandle(d.handle))
	case deleteRTMaterialData:
		b.destroyRTMaterialData(metadata.RTMaterialDataHandle(d.handle))
	case deleteRTPipeline:
		b.destroyRayTracingPipeline(metadata.RTPipelineHandle(d.handle))
	case deleteNativePipeline:
		b.device.DestroyPipeline(d.native)
	}
}
