package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

const (
	constantBufferSet = 0
	textureSet        = 1
)

/**
 * @brief Holds a Vulkan pipeline and its layout. Set 0 carries the constant
 * buffer at binding 0, set 1 one combined image sampler per texture property,
 * indexed by the property binding.
 */
type pipeline struct {
	name       string
	Handle     vk.Pipeline
	Layout     vk.PipelineLayout
	SetLayouts [2]vk.DescriptorSetLayout

	hasConstants bool
	textureCount uint32
}

func blendOp(op metadata.BlendOption) vk.BlendOp {
	switch op {
	case metadata.BlendOptionSubtract:
		return vk.BlendOpSubtract
	case metadata.BlendOptionReverseSubtract:
		return vk.BlendOpReverseSubtract
	case metadata.BlendOptionMin:
		return vk.BlendOpMin
	case metadata.BlendOptionMax:
		return vk.BlendOpMax
	}
	return vk.BlendOpAdd
}

func blendFactor(f metadata.BlendFactor) vk.BlendFactor {
	switch f {
	case metadata.BlendFactorZero:
		return vk.BlendFactorZero
	case metadata.BlendFactorSrcColor:
		return vk.BlendFactorSrcColor
	case metadata.BlendFactorOneMinusSrcColor:
		return vk.BlendFactorOneMinusSrcColor
	case metadata.BlendFactorDstColor:
		return vk.BlendFactorDstColor
	case metadata.BlendFactorOneMinusDstColor:
		return vk.BlendFactorOneMinusDstColor
	case metadata.BlendFactorSrcAlpha:
		return vk.BlendFactorSrcAlpha
	case metadata.BlendFactorOneMinusSrcAlpha:
		return vk.BlendFactorOneMinusSrcAlpha
	case metadata.BlendFactorDstAlpha:
		return vk.BlendFactorDstAlpha
	case metadata.BlendFactorOneMinusDstAlpha:
		return vk.BlendFactorOneMinusDstAlpha
	}
	return vk.BlendFactorOne
}

func cullMode(c metadata.FaceCullOption) vk.CullModeFlags {
	switch c {
	case metadata.FaceCullNone:
		return vk.CullModeFlags(vk.CullModeNone)
	case metadata.FaceCullFront:
		return vk.CullModeFlags(vk.CullModeFrontBit)
	}
	return vk.CullModeFlags(vk.CullModeBackBit)
}

func compareOp(c metadata.CompareOption) vk.CompareOp {
	switch c {
	case metadata.CompareLessOrEqual:
		return vk.CompareOpLessOrEqual
	case metadata.CompareEqual:
		return vk.CompareOpEqual
	case metadata.CompareGreater:
		return vk.CompareOpGreater
	case metadata.CompareGreaterOrEqual:
		return vk.CompareOpGreaterOrEqual
	case metadata.CompareNotEqual:
		return vk.CompareOpNotEqual
	case metadata.CompareAlways:
		return vk.CompareOpAlways
	case metadata.CompareNever:
		return vk.CompareOpNever
	}
	return vk.CompareOpLess
}

// vertexAttributes describes math.Vertex: position, texcoord, normal,
// tangent and bitangent at locations 0 to 4.
func vertexAttributes() []vk.VertexInputAttributeDescription {
	return []vk.VertexInputAttributeDescription{
		{Location: 0, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: 0},
		{Location: 1, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: 12},
		{Location: 2, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: 20},
		{Location: 3, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: 32},
		{Location: 4, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: 44},
	}
}

func (d *VulkanDevice) createSetLayout(bindings []vk.DescriptorSetLayoutBinding) (vk.DescriptorSetLayout, error) {
	info := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}
	var layout vk.DescriptorSetLayout
	if res := vk.CreateDescriptorSetLayout(d.logicalDevice, &info, nil, &layout); res != vk.Success {
		return nil, d.check("vkCreateDescriptorSetLayout", res)
	}
	return layout, nil
}

func (d *VulkanDevice) createPipelineLayout(p *pipeline) error {
	allGraphics := vk.ShaderStageFlags(vk.ShaderStageAllGraphics)

	var constants []vk.DescriptorSetLayoutBinding
	if p.hasConstants {
		constants = append(constants, vk.DescriptorSetLayoutBinding{
			Binding:         0,
			DescriptorType:  vk.DescriptorTypeUniformBuffer,
			DescriptorCount: 1,
			StageFlags:      allGraphics,
		})
	}
	textures := make([]vk.DescriptorSetLayoutBinding, p.textureCount)
	for i := range textures {
		textures[i] = vk.DescriptorSetLayoutBinding{
			Binding:         uint32(i),
			DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
			DescriptorCount: 1,
			StageFlags:      allGraphics,
		}
	}

	var err error
	if p.SetLayouts[constantBufferSet], err = d.createSetLayout(constants); err != nil {
		return err
	}
	if p.SetLayouts[textureSet], err = d.createSetLayout(textures); err != nil {
		return err
	}

	info := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(p.SetLayouts)),
		PSetLayouts:    p.SetLayouts[:],
	}
	if res := vk.CreatePipelineLayout(d.logicalDevice, &info, nil, &p.Layout); res != vk.Success {
		return d.check("vkCreatePipelineLayout", res)
	}
	return nil
}

func NewGraphicsPipeline(d *VulkanDevice, desc metadata.PipelineDesc) (*pipeline, error) {
	p := &pipeline{
		name:         desc.Name,
		hasConstants: desc.Info.ConstantBufferSize() > 0,
		textureCount: uint32(desc.Info.TextureCount()),
	}

	rpKey := renderPassKey{color: vk.FormatUndefined, depth: vk.FormatUndefined}
	if desc.HasColor {
		rpKey.color = vulkanFormat(desc.ColorFormat)
	}
	if desc.HasDepth {
		rpKey.depth = vulkanFormat(desc.DepthFormat)
	}
	renderPass, err := d.renderPass(rpKey)
	if err != nil {
		return nil, err
	}

	stages, err := newShaderStages(d, desc)
	if err != nil {
		return nil, err
	}
	defer destroyShaderStages(d, stages)

	if err := d.createPipelineLayout(p); err != nil {
		p.Destroy(d)
		return nil, err
	}

	state := desc.Info.StateSet

	// Viewport and scissor are dynamic.
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}

	rasterizerCreateInfo := vk.PipelineRasterizationStateCreateInfo{
		SType:                   vk.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        vk.False,
		RasterizerDiscardEnable: vk.False,
		PolygonMode:             vk.PolygonModeFill,
		LineWidth:               1.0,
		CullMode:                cullMode(state.Cull),
		FrontFace:               vk.FrontFaceCounterClockwise,
		DepthBiasEnable:         vk.False,
	}

	multisamplingCreateInfo := vk.PipelineMultisampleStateCreateInfo{
		SType:                 vk.StructureTypePipelineMultisampleStateCreateInfo,
		SampleShadingEnable:   vk.False,
		RasterizationSamples:  vk.SampleCount1Bit,
		MinSampleShading:      1.0,
		AlphaToCoverageEnable: vk.False,
		AlphaToOneEnable:      vk.False,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:             vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:   vk.False,
		DepthWriteEnable:  vk.False,
		StencilTestEnable: vk.False,
	}
	if desc.HasDepth {
		depthStencil.DepthTestEnable = vk.True
		depthStencil.DepthCompareOp = compareOp(state.DepthCompareOp)
		if state.DepthWrite {
			depthStencil.DepthWriteEnable = vk.True
		}
	}

	var blendAttachments []vk.PipelineColorBlendAttachmentState
	if desc.HasColor {
		blendAttachments = append(blendAttachments, vk.PipelineColorBlendAttachmentState{
			BlendEnable:         vk.True,
			SrcColorBlendFactor: blendFactor(state.SrcFactor),
			DstColorBlendFactor: blendFactor(state.DstFactor),
			ColorBlendOp:        blendOp(state.BlendOp),
			SrcAlphaBlendFactor: blendFactor(state.SrcFactor),
			DstAlphaBlendFactor: blendFactor(state.DstFactor),
			AlphaBlendOp:        blendOp(state.BlendOp),
			ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit) | vk.ColorComponentFlags(vk.ColorComponentGBit) |
				vk.ColorComponentFlags(vk.ColorComponentBBit) | vk.ColorComponentFlags(vk.ColorComponentABit),
		})
	}
	colorBlendStateCreateInfo := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOpEnable:   vk.False,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: uint32(len(blendAttachments)),
		PAttachments:    blendAttachments,
	}

	dynamicStates := []vk.DynamicState{
		vk.DynamicStateViewport,
		vk.DynamicStateScissor,
	}
	dynamicStateCreateInfo := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	attributes := vertexAttributes()
	vertexInputInfo := vk.PipelineVertexInputStateCreateInfo{
		SType:                         vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount: 1,
		PVertexBindingDescriptions: []vk.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    math.VertexSize,
			InputRate: vk.VertexInputRateVertex,
		}},
		VertexAttributeDescriptionCount: uint32(len(attributes)),
		PVertexAttributeDescriptions:    attributes,
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               vk.PrimitiveTopologyTriangleList,
		PrimitiveRestartEnable: vk.False,
	}

	stageInfos := make([]vk.PipelineShaderStageCreateInfo, len(stages))
	for i := range stages {
		stageInfos[i] = stages[i].ShaderStageCreateInfo
	}

	pipelineCreateInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stageInfos)),
		PStages:             stageInfos,
		PVertexInputState:   &vertexInputInfo,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizerCreateInfo,
		PMultisampleState:   &multisamplingCreateInfo,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlendStateCreateInfo,
		PDynamicState:       &dynamicStateCreateInfo,
		Layout:              p.Layout,
		RenderPass:          renderPass,
		Subpass:             0,
		BasePipelineHandle:  vk.NullPipeline,
		BasePipelineIndex:   -1,
	}

	pipelines := make([]vk.Pipeline, 1)
	result := vk.CreateGraphicsPipelines(d.logicalDevice, vk.NullPipelineCache, 1,
		[]vk.GraphicsPipelineCreateInfo{pipelineCreateInfo}, nil, pipelines)
	if !VulkanResultIsSuccess(result) {
		p.Destroy(d)
		return nil, d.check("vkCreateGraphicsPipelines", result)
	}
	p.Handle = pipelines[0]

	core.LogDebug("graphics pipeline %s created", desc.Name)
	return p, nil
}

func (p *pipeline) Destroy(d *VulkanDevice) {
	if p.Handle != nil {
		vk.DestroyPipeline(d.logicalDevice, p.Handle, nil)
		p.Handle = nil
	}
	if p.Layout != nil {
		vk.DestroyPipelineLayout(d.logicalDevice, p.Layout, nil)
		p.Layout = nil
	}
	for i, l := range p.SetLayouts {
		if l != nil {
			vk.DestroyDescriptorSetLayout(d.logicalDevice, l, nil)
			p.SetLayouts[i] = nil
		}
	}
}

func (d *VulkanDevice) CreatePipeline(desc metadata.PipelineDesc) (rhi.PipelineID, error) {
	p, err := NewGraphicsPipeline(d, desc)
	if err != nil {
		core.LogError("failed to create pipeline %s: %s", desc.Name, err)
		return rhi.InvalidPipeline, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := rhi.PipelineID(d.nextID())
	d.pipelines[id] = p
	return id, nil
}

func (d *VulkanDevice) DestroyPipeline(id rhi.PipelineID) {
	d.mu.Lock()
	p, ok := d.pipelines[id]
	delete(d.pipelines, id)
	d.mu.Unlock()
	if ok {
		p.Destroy(d)
	}
}

func (d *VulkanDevice) lookupPipeline(id rhi.PipelineID) (*pipeline, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.pipelines[id]
	return p, ok
}

func (d *VulkanDevice) CreateRayTracingPipeline(desc metadata.RayTracingPipelineDesc) (rhi.PipelineID, error) {
	return rhi.InvalidPipeline, fmt.Errorf("ray tracing pipeline: %w", core.ErrUnsupported)
}

func (d *VulkanDevice) ShaderIdentifier(p rhi.PipelineID, export string) ([]byte, error) {
	return nil, fmt.Errorf("shader identifier %s: %w", export, core.ErrUnsupported)
}

func (d *VulkanDevice) AccelerationStructureSizes(inputs metadata.ASInputs) metadata.ASPrebuildInfo {
	return metadata.ASPrebuildInfo{}
}
