package camera

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Uniform is the per-frame camera state read by every traversal.
type Uniform struct {
	Projection mgl32.Mat4
	View       mgl32.Mat4
	Eye        mgl32.Vec3
}

// New builds a right-handed look-to camera. Angles are in degrees; yaw -90
// looks down -Z.
func New(eye mgl32.Vec3, yaw, pitch, fovY, aspect, near, far float32) Uniform {
	return Uniform{
		Projection: mgl32.Perspective(mgl32.DegToRad(fovY), aspect, near, far),
		View:       mgl32.LookAtV(eye, eye.Add(Forward(yaw, pitch)), mgl32.Vec3{0, 1, 0}),
		Eye:        eye,
	}
}

// Forward returns the unit view direction for yaw/pitch in degrees.
func Forward(yaw, pitch float32) mgl32.Vec3 {
	y := float64(mgl32.DegToRad(yaw))
	p := float64(mgl32.DegToRad(pitch))
	return mgl32.Vec3{
		float32(math.Cos(y) * math.Cos(p)),
		float32(math.Sin(p)),
		float32(math.Sin(y) * math.Cos(p)),
	}.Normalize()
}

// Orbit places the eye on a horizontal circle around center, looking at it.
// angle is in degrees.
func Orbit(center mgl32.Vec3, radius, height, angle, fovY, aspect, near, far float32) Uniform {
	a := float64(mgl32.DegToRad(angle))
	eye := mgl32.Vec3{
		center.X() + radius*float32(math.Cos(a)),
		center.Y() + height,
		center.Z() + radius*float32(math.Sin(a)),
	}
	return Uniform{
		Projection: mgl32.Perspective(mgl32.DegToRad(fovY), aspect, near, far),
		View:       mgl32.LookAtV(eye, center, mgl32.Vec3{0, 1, 0}),
		Eye:        eye,
	}
}

// Rays unprojects pixels into world-space rays. Build it once per frame; it
// caches the inverted matrices.
type Rays struct {
	eye     mgl32.Vec3
	invProj mgl32.Mat4
	invView mgl32.Mat4
	width   float32
	height  float32
}

func (u Uniform) Rays(width, height int) Rays {
	return Rays{
		eye:     u.Eye,
		invProj: u.Projection.Inv(),
		invView: u.View.Inv(),
		width:   float32(width),
		height:  float32(height),
	}
}

// At returns the ray through the centre of pixel (px, py). Row 0 is the top of
// the image.
func (r Rays) At(px, py int) (origin, dir mgl32.Vec3) {
	x := 2*(float32(px)+0.5)/r.width - 1
	y := 1 - 2*(float32(py)+0.5)/r.height

	target := r.invProj.Mul4x1(mgl32.Vec4{x, y, 1, 1})
	if w := target.W(); w != 0 {
		target = target.Mul(1 / w)
	}
	d := r.invView.Mul4x1(mgl32.Vec4{target.X(), target.Y(), target.Z(), 0}).Vec3()
	return r.eye, d.Normalize()
}

// Ray is a convenience for one-off rays; use Rays when casting many.
func (u Uniform) Ray(px, py, width, height int) (origin, dir mgl32.Vec3) {
	return u.Rays(width, height).At(px, py)
}
