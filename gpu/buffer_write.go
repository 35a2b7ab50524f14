package gpu

import "github.com/cogentcore/webgpu/wgpu"

// BufferWrite describes a single GPU buffer write operation. The target is
// either a binding on a BindGroupProvider or, for manager-owned buffers that
// live outside any provider, a raw buffer. Buffer takes precedence when set.
type BufferWrite struct {
	Provider BindGroupProvider
	Binding  int
	Buffer   *wgpu.Buffer
	Offset   uint64
	Data     []byte
}

// target resolves the destination buffer for this write.
func (w *BufferWrite) target() *wgpu.Buffer {
	if w.Buffer != nil {
		return w.Buffer
	}
	if w.Provider != nil {
		return w.Provider.Buffer(w.Binding)
	}
	return nil
}
