package gpu

import (
	"github.com/cogentcore/webgpu/wgpu"
)

// pipeline is the implementation of the Pipeline interface.
// It holds the underlying WebGPU compute pipeline object and the shader it was built from.
type pipeline struct {
	// pipelineKey is the unique identifier for this pipeline, used for caching and lookups
	pipelineKey string

	// computeShader is the shader this pipeline executes; required before registration.
	computeShader Shader

	// computePipeline is the created compute pipeline, nil until registered with the Device
	computePipeline *wgpu.ComputePipeline
}

// Pipeline defines the interface for a GPU compute pipeline. It holds the shader and the
// created wgpu pipeline object; registration with the Device populates the latter.
type Pipeline interface {
	// PipelineKey returns the unique key associated with this pipeline, used for caching and lookups.
	//
	// Returns:
	//   - string: the unique key for this pipeline
	PipelineKey() string

	// Shader retrieves the compute shader associated with this pipeline.
	//
	// Returns:
	//   - Shader: the compute shader, or nil if not set
	Shader() Shader

	// Pipeline returns the underlying compute pipeline object, or nil if not registered.
	//
	// Returns:
	//   - *wgpu.ComputePipeline: the created pipeline or nil
	Pipeline() *wgpu.ComputePipeline

	// SetComputePipeline stores the created compute pipeline after registration.
	// Called by Device.RegisterComputePipeline().
	//
	// Parameters:
	//   - p: the created compute pipeline
	SetComputePipeline(p *wgpu.ComputePipeline)

	// Release releases the underlying compute pipeline if it was created.
	Release()
}

var _ Pipeline = &pipeline{}

// NewPipeline creates a compute Pipeline for the given shader.
//
// Parameters:
//   - key: unique identifier for caching and debug labels
//   - s: the compute shader to execute
//
// Returns:
//   - Pipeline: the pipeline instance (unregistered)
func NewPipeline(key string, s Shader) Pipeline {
	return &pipeline{
		pipelineKey:   key,
		computeShader: s,
	}
}

func (p *pipeline) PipelineKey() string {
	return p.pipelineKey
}

func (p *pipeline) Shader() Shader {
	return p.computeShader
}

func (p *pipeline) Pipeline() *wgpu.ComputePipeline {
	return p.computePipeline
}

func (p *pipeline) SetComputePipeline(cp *wgpu.ComputePipeline) {
	p.computePipeline = cp
}

func (p *pipeline) Release() {
	if p.computePipeline != nil {
		p.computePipeline.Release()
		p.computePipeline = nil
	}
}
