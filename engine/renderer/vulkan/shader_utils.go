package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/assets/loaders"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

/**
 * @brief Represents a single shader stage.
 */
type VulkanShaderStage struct {
	/** @brief The internal shader module Handle. */
	Handle vk.ShaderModule
	/** @brief The pipeline shader stage creation info. */
	ShaderStageCreateInfo vk.PipelineShaderStageCreateInfo
}

var shaderStageBits = []struct {
	stage metadata.ShaderStageFlags
	bit   vk.ShaderStageFlagBits
}{
	{metadata.ShaderStageVertex, vk.ShaderStageVertexBit},
	{metadata.ShaderStageGeometry, vk.ShaderStageGeometryBit},
	{metadata.ShaderStageFragment, vk.ShaderStageFragmentBit},
}

// NewShaderModule wraps the SPIR-V of one stage.
func NewShaderModule(d *VulkanDevice, name string, code []byte, shaderStageFlag vk.ShaderStageFlagBits) (VulkanShaderStage, error) {
	var stage VulkanShaderStage
	if !loaders.IsSPIRV(code) {
		return stage, fmt.Errorf("shader %s: stage 0x%x is not SPIR-V", name, uint32(shaderStageFlag))
	}
	words, err := loaders.BytesToBytecode(code)
	if err != nil {
		return stage, fmt.Errorf("shader %s: %w", name, err)
	}

	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    words,
	}
	if res := vk.CreateShaderModule(d.logicalDevice, &createInfo, nil, &stage.Handle); res != vk.Success {
		return stage, d.check("vkCreateShaderModule", res)
	}

	stage.ShaderStageCreateInfo = vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  shaderStageFlag,
		Module: stage.Handle,
		PName:  VulkanSafeString("main"),
	}
	return stage, nil
}

// newShaderStages builds a module for every stage flagged in desc.Info.Stages.
// The returned stages must be destroyed by the caller once the pipeline exists.
func newShaderStages(d *VulkanDevice, desc metadata.PipelineDesc) ([]VulkanShaderStage, error) {
	var stages []VulkanShaderStage
	for _, s := range shaderStageBits {
		if desc.Info.Stages&s.stage == 0 {
			continue
		}
		code, ok := desc.Code[s.stage]
		if !ok || len(code) == 0 {
			destroyShaderStages(d, stages)
			return nil, fmt.Errorf("shader %s has no code for stage 0x%x", desc.Name, uint32(s.stage))
		}
		stage, err := NewShaderModule(d, desc.Name, code, s.bit)
		if err != nil {
			destroyShaderStages(d, stages)
			return nil, err
		}
		stages = append(stages, stage)
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("shader %s declares no graphics stages", desc.Name)
	}
	return stages, nil
}

func destroyShaderStages(d *VulkanDevice, stages []VulkanShaderStage) {
	for _, s := range stages {
		if s.Handle != nil {
			vk.DestroyShaderModule(d.logicalDevice, s.Handle, nil)
		}
	}
}
