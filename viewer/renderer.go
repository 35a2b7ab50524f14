package viewer

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/tidefall-dev/tidefall/common"
	"github.com/tidefall-dev/tidefall/gpu"
	"github.com/tidefall-dev/tidefall/sim/particle"
)

// pointShader renders each particle as a screen point, tinted by how far its
// density sits from rest. Vertex pulling from a storage buffer keeps the
// upload path a single buffer write per frame.
const pointShader = `
struct ViewParams {
    view_proj: mat4x4<f32>,
    rest_density: f32,
    _pad0: f32,
    _pad1: f32,
    _pad2: f32,
};

@group(0) @binding(0) var<uniform> params: ViewParams;
@group(0) @binding(1) var<storage, read> points: array<vec4<f32>>;

struct VSOut {
    @builtin(position) clip: vec4<f32>,
    @location(0) color: vec3<f32>,
};

@vertex
fn vs_main(@builtin(vertex_index) vi: u32) -> VSOut {
    let p = points[vi];
    var out: VSOut;
    out.clip = params.view_proj * vec4<f32>(p.xyz, 1.0);
    let ratio = clamp(p.w / max(params.rest_density, 1e-6), 0.0, 2.0);
    let deep = vec3<f32>(0.1, 0.3, 0.8);
    let foam = vec3<f32>(0.8, 0.95, 1.0);
    out.color = mix(foam, deep, ratio * 0.5);
    return out;
}

@fragment
fn fs_main(in: VSOut) -> @location(0) vec4<f32> {
    return vec4<f32>(in.color, 1.0);
}
`

// PointRenderer draws particle readbacks to a window surface.
type PointRenderer struct {
	device  gpu.Device
	surface *wgpu.Surface
	format  wgpu.TextureFormat

	pipeline  *wgpu.RenderPipeline
	bindGroup *wgpu.BindGroup
	layout    *wgpu.BindGroupLayout

	uniform  *wgpu.Buffer
	points   *wgpu.Buffer
	capacity uint32
}

// NewPointRenderer creates a renderer targeting the given surface. The device
// must have been created with an adapter compatible with the surface.
//
// Parameters:
//   - device: the shared GPU device
//   - surface: the window surface
//   - capacity: maximum particle count per frame
//
// Returns:
//   - *PointRenderer: the renderer; call Configure before Render
//   - error: an error if pipeline creation fails
func NewPointRenderer(device gpu.Device, surface *wgpu.Surface, capacity uint32) (*PointRenderer, error) {
	if capacity == 0 {
		capacity = 1
	}
	r := &PointRenderer{
		device:   device,
		surface:  surface,
		capacity: capacity,
	}

	caps := surface.GetCapabilities(device.Adapter())
	r.format = caps.Formats[0]

	var err error
	r.uniform, err = device.CreateBuffer("viewer uniform", 80,
		wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
	if err != nil {
		return nil, fmt.Errorf("failed to create viewer uniform: %w", err)
	}
	r.points, err = device.CreateBuffer("viewer points", uint64(capacity)*16,
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return nil, fmt.Errorf("failed to create viewer point buffer: %w", err)
	}

	raw := device.Raw()
	r.layout, err = raw.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "viewer",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageVertex,
				Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform, MinBindingSize: 80}},
			{Binding: 1, Visibility: wgpu.ShaderStageVertex,
				Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
		},
	})
	if err != nil {
		return nil, err
	}
	r.bindGroup, err = raw.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "viewer bind group",
		Layout: r.layout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: r.uniform, Size: wgpu.WholeSize},
			{Binding: 1, Buffer: r.points, Size: wgpu.WholeSize},
		},
	})
	if err != nil {
		return nil, err
	}

	module, err := raw.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "viewer points",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: pointShader},
	})
	if err != nil {
		return nil, err
	}
	pipelineLayout, err := raw.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "viewer",
		BindGroupLayouts: []*wgpu.BindGroupLayout{r.layout},
	})
	if err != nil {
		return nil, err
	}
	r.pipeline, err = raw.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  "viewer point pipeline",
		Layout: pipelineLayout,
		Vertex: wgpu.VertexState{
			Module:     module,
			EntryPoint: "vs_main",
		},
		Fragment: &wgpu.FragmentState{
			Module:     module,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format:    r.format,
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology: wgpu.PrimitiveTopologyPointList,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Configure (re)configures the surface for a framebuffer size. Call once
// after creation and again on every resize.
//
// Parameters:
//   - width: framebuffer width in pixels
//   - height: framebuffer height in pixels
func (r *PointRenderer) Configure(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	caps := r.surface.GetCapabilities(r.device.Adapter())
	r.surface.Configure(r.device.Adapter(), r.device.Raw(), &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      r.format,
		Width:       uint32(width),
		Height:      uint32(height),
		PresentMode: wgpu.PresentModeFifo,
		AlphaMode:   caps.AlphaModes[0],
	})
}

// Render uploads a particle readback and draws one frame.
//
// Parameters:
//   - particles: the particle readback to draw
//   - viewProj: the column-major view-projection matrix
//   - restDensity: the rest density used for color mapping
//
// Returns:
//   - error: an error if the surface texture or encoder fails
func (r *PointRenderer) Render(particles []particle.GPUParticle, viewProj [16]float32, restDensity float32) error {
	count := uint32(len(particles))
	if count > r.capacity {
		count = r.capacity
	}

	uniform := struct {
		ViewProj    [16]float32
		RestDensity float32
		_           [3]float32
	}{ViewProj: viewProj, RestDensity: restDensity}

	rows := make([][4]float32, count)
	for i := uint32(0); i < count; i++ {
		rows[i] = [4]float32{
			particles[i].Position[0],
			particles[i].Position[1],
			particles[i].Position[2],
			particles[i].Density,
		}
	}

	queue := r.device.Queue()
	queue.WriteBuffer(r.uniform, 0, common.StructToBytes(&uniform))
	if count > 0 {
		queue.WriteBuffer(r.points, 0, common.SliceToBytes(rows))
	}

	surfaceTexture, err := r.surface.GetCurrentTexture()
	if err != nil {
		return fmt.Errorf("failed to acquire surface texture: %w", err)
	}
	view, err := surfaceTexture.CreateView(nil)
	if err != nil {
		surfaceTexture.Release()
		return err
	}

	encoder, err := r.device.Raw().CreateCommandEncoder(nil)
	if err != nil {
		view.Release()
		surfaceTexture.Release()
		return err
	}
	pass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{R: 0.02, G: 0.02, B: 0.05, A: 1},
		}},
	})
	pass.SetPipeline(r.pipeline)
	pass.SetBindGroup(0, r.bindGroup, nil)
	if count > 0 {
		pass.Draw(count, 1, 0, 0)
	}
	pass.End()

	cmd, err := encoder.Finish(nil)
	if err != nil {
		encoder.Release()
		view.Release()
		surfaceTexture.Release()
		return err
	}
	queue.Submit(cmd)
	r.surface.Present()

	cmd.Release()
	encoder.Release()
	view.Release()
	surfaceTexture.Release()
	return nil
}

// Release frees the renderer's GPU resources. The surface and device belong
// to the caller.
func (r *PointRenderer) Release() {
	if r.pipeline != nil {
		r.pipeline.Release()
	}
	if r.bindGroup != nil {
		r.bindGroup.Release()
	}
	if r.layout != nil {
		r.layout.Release()
	}
	if r.uniform != nil {
		r.uniform.Release()
	}
	if r.points != nil {
		r.points.Release()
	}
}
