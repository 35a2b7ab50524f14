package gpu

// shader is the implementation of the Shader interface.
// It holds the WGSL source and dispatch metadata for a single compute entry point.
// The fluid pipeline's bind group layouts are static, so shaders carry no parsed
// binding metadata; each pass supplies its wgpu.BindGroupLayoutDescriptor directly.
type shader struct {
	key           string
	source        string
	entryPoint    string
	workGroupSize uint32
}

// Shader defines the interface for a WGSL compute shader. It exposes the shader's
// unique key, source code, entry point, and 1D workgroup size needed for pipeline
// creation and dispatch sizing.
type Shader interface {
	// Key retrieves the unique identifier for this shader, used for caching and lookups.
	//
	// Returns:
	//   - string: the shader's unique key
	Key() string

	// Source retrieves the WGSL shader source code.
	//
	// Returns:
	//   - string: the WGSL source code of the shader
	Source() string

	// EntryPoint returns the compute entry point function name.
	//
	// Returns:
	//   - string: the entry point name
	EntryPoint() string

	// WorkGroupSize returns the 1D workgroup size declared by the shader's
	// @workgroup_size attribute. Used to compute dispatch counts.
	//
	// Returns:
	//   - uint32: threads per workgroup
	WorkGroupSize() uint32

	// WorkGroupCount returns the number of workgroups needed to cover n items.
	//
	// Parameters:
	//   - n: the number of items to process
	//
	// Returns:
	//   - uint32: ceil(n / WorkGroupSize()), minimum 1
	WorkGroupCount(n uint32) uint32
}

var _ Shader = &shader{}

// NewShader creates a Shader from embedded WGSL source.
//
// Parameters:
//   - key: unique identifier for caching and debug labels
//   - source: the WGSL source code
//   - entryPoint: the @compute entry point function name
//   - workGroupSize: the 1D @workgroup_size declared in the source
//
// Returns:
//   - Shader: the shader instance
func NewShader(key, source, entryPoint string, workGroupSize uint32) Shader {
	if workGroupSize == 0 {
		workGroupSize = 64
	}
	return &shader{
		key:           key,
		source:        source,
		entryPoint:    entryPoint,
		workGroupSize: workGroupSize,
	}
}

func (s *shader) Key() string {
	return s.key
}

func (s *shader) Source() string {
	return s.source
}

func (s *shader) EntryPoint() string {
	return s.entryPoint
}

func (s *shader) WorkGroupSize() uint32 {
	return s.workGroupSize
}

func (s *shader) WorkGroupCount(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	return (n + s.workGroupSize - 1) / s.workGroupSize
}
