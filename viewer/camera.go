package viewer

import (
	"math"

	"github.com/tidefall-dev/tidefall/common"
)

// OrbitCamera orbits a target point at a distance, driven by mouse drag and
// scroll. Produces the column-major view-projection matrix the point renderer
// uploads each frame.
type OrbitCamera struct {
	Target   common.Vec3
	Distance float32
	Yaw      float32
	Pitch    float32

	FovY float32
	Near float32
	Far  float32
}

// NewOrbitCamera creates a camera looking at the target from the given
// distance with sensible projection defaults for centimeter scenes.
//
// Parameters:
//   - target: the orbit center
//   - distance: the initial orbit radius
//
// Returns:
//   - *OrbitCamera: the camera
func NewOrbitCamera(target common.Vec3, distance float32) *OrbitCamera {
	return &OrbitCamera{
		Target:   target,
		Distance: distance,
		Pitch:    -0.5,
		FovY:     float32(math.Pi / 4),
		Near:     1,
		Far:      100_000,
	}
}

// Orbit rotates the camera by a cursor delta.
//
// Parameters:
//   - dx: horizontal cursor delta in pixels
//   - dy: vertical cursor delta in pixels
func (c *OrbitCamera) Orbit(dx, dy float32) {
	const sensitivity = 0.005
	c.Yaw -= dx * sensitivity
	c.Pitch -= dy * sensitivity
	limit := float32(math.Pi/2 - 0.01)
	if c.Pitch > limit {
		c.Pitch = limit
	}
	if c.Pitch < -limit {
		c.Pitch = -limit
	}
}

// Zoom scales the orbit distance by a scroll delta.
//
// Parameters:
//   - delta: scroll units, positive zooms in
func (c *OrbitCamera) Zoom(delta float32) {
	c.Distance *= float32(math.Pow(0.9, float64(delta)))
	if c.Distance < c.Near*2 {
		c.Distance = c.Near * 2
	}
}

// Position returns the camera's world position.
//
// Returns:
//   - common.Vec3: the eye position
func (c *OrbitCamera) Position() common.Vec3 {
	cp := float32(math.Cos(float64(c.Pitch)))
	return c.Target.Add(common.Vec3{
		X: cp * float32(math.Sin(float64(c.Yaw))),
		Y: float32(math.Sin(float64(c.Pitch))) * -1,
		Z: cp * float32(math.Cos(float64(c.Yaw))),
	}.Scale(c.Distance))
}

// ViewProjection returns the column-major view-projection matrix for the
// given aspect ratio.
//
// Parameters:
//   - aspect: viewport width over height
//
// Returns:
//   - [16]float32: the column-major matrix
func (c *OrbitCamera) ViewProjection(aspect float32) [16]float32 {
	view := lookAt(c.Position(), c.Target, common.Vec3{Y: 1})
	proj := perspective(c.FovY, aspect, c.Near, c.Far)
	return mul4(proj, view)
}

func lookAt(eye, center, up common.Vec3) [16]float32 {
	f := center.Sub(eye).Normalized()
	s := f.Cross(up).Normalized()
	u := s.Cross(f)
	return [16]float32{
		s.X, u.X, -f.X, 0,
		s.Y, u.Y, -f.Y, 0,
		s.Z, u.Z, -f.Z, 0,
		-s.Dot(eye), -u.Dot(eye), f.Dot(eye), 1,
	}
}

// perspective builds a webgpu-style projection with depth in [0, 1].
func perspective(fovY, aspect, near, far float32) [16]float32 {
	t := float32(math.Tan(float64(fovY) / 2))
	return [16]float32{
		1 / (aspect * t), 0, 0, 0,
		0, 1 / t, 0, 0,
		0, 0, far / (near - far), -1,
		0, 0, far * near / (near - far), 0,
	}
}

func mul4(a, b [16]float32) [16]float32 {
	var out [16]float32
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += a[k*4+row] * b[col*4+k]
			}
			out[col*4+row] = sum
		}
	}
	return out
}
