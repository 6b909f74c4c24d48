package message

import "sync"

// PointCloudView owns a flattened copy of a point cloud's points, made once
// when the view is created. The source message stays shared and untouched.
type PointCloudView struct {
	mu       sync.RWMutex
	cloud    *PointCloud
	points   []Point3fRGBA
	released bool
}

// NewPointCloudView materializes the view for p.
func NewPointCloudView(p *PointCloud) *PointCloudView {
	if p == nil {
		return nil
	}
	points := make([]Point3fRGBA, len(p.Points))
	copy(points, p.Points)
	return &PointCloudView{cloud: p, points: points}
}

// Points returns the cached points, or nil once released.
func (v *PointCloudView) Points() []Point3fRGBA {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.points
}

func (v *PointCloudView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.points)
}

func (v *PointCloudView) Width() int  { return v.cloud.Width }
func (v *PointCloudView) Height() int { return v.cloud.Height }

// Message returns the source message.
func (v *PointCloudView) Message() *PointCloud { return v.cloud }

// Release drops the cached points. Safe to call more than once.
func (v *PointCloudView) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.points = nil
	v.released = true
}

func (v *PointCloudView) Released() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.released
}

// RGBDView holds the colour/depth split of an RGBD message.
type RGBDView struct {
	mu       sync.RWMutex
	source   *RGBD
	color    *Frame
	depth    *Frame
	released bool
}

// NewRGBDView materializes the view for r.
func NewRGBDView(r *RGBD) *RGBDView {
	if r == nil {
		return nil
	}
	return &RGBDView{source: r, color: r.Color, depth: r.Depth}
}

// Color returns the colour frame, nil once released or when absent.
func (v *RGBDView) Color() *Frame {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.color
}

// Depth returns the depth frame, nil once released or when absent.
func (v *RGBDView) Depth() *Frame {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.depth
}

func (v *RGBDView) Unit() DepthUnit { return v.source.Unit }

// Message returns the source message.
func (v *RGBDView) Message() *RGBD { return v.source }

// Release drops the cached frames. Safe to call more than once.
func (v *RGBDView) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.color = nil
	v.depth = nil
	v.released = true
}

func (v *RGBDView) Released() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.released
}
