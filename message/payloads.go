package message

import "fmt"

// FrameType is the pixel layout of an ImgFrame.
type FrameType int

const (
	FrameYUV420p FrameType = iota
	FrameNV12
	FrameRGB888i
	FrameBGR888i
	FrameRGB888p
	FrameBGR888p
	FrameGRAY8
	FrameRAW8
	FrameRAW16
)

var frameTypeNames = map[FrameType]string{
	FrameYUV420p: "YUV420p",
	FrameNV12:    "NV12",
	FrameRGB888i: "RGB888i",
	FrameBGR888i: "BGR888i",
	FrameRGB888p: "RGB888p",
	FrameBGR888p: "BGR888p",
	FrameGRAY8:   "GRAY8",
	FrameRAW8:    "RAW8",
	FrameRAW16:   "RAW16",
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FrameType(%d)", int(t))
}

// BytesPerPixel returns the interleaved pixel size, or 0 for planar and
// subsampled layouts where stride is not width*bpp.
func (t FrameType) BytesPerPixel() int {
	switch t {
	case FrameRGB888i, FrameBGR888i:
		return 3
	case FrameGRAY8, FrameRAW8:
		return 1
	case FrameRAW16:
		return 2
	default:
		return 0
	}
}

// Frame is a raw image frame.
type Frame struct {
	header
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Type        FrameType `json:"type"`
	Stride      int       `json:"stride"`
	InstanceNum uint32    `json:"instance_num"`
	Data        []byte    `json:"data"`
}

// NewFrame creates an image frame. Stride defaults to width times the
// layout's bytes per pixel when the layout is interleaved.
func NewFrame(width, height int, ft FrameType, data []byte, opts ...Option) *Frame {
	return &Frame{
		header: newHeader(opts),
		Width:  width,
		Height: height,
		Type:   ft,
		Stride: width * ft.BytesPerPixel(),
		Data:   data,
	}
}

func (f *Frame) Datatype() Datatype { return ImgFrame }

func (f *Frame) String() string {
	return fmt.Sprintf("ImgFrame(%dx%d %s seq=%d)", f.Width, f.Height, f.Type, f.sequence)
}

// EncodedProfile is the codec of an EncodedFrame.
type EncodedProfile int

const (
	ProfileJPEG EncodedProfile = iota
	ProfileAVC
	ProfileHEVC
)

func (p EncodedProfile) String() string {
	switch p {
	case ProfileJPEG:
		return "JPEG"
	case ProfileAVC:
		return "AVC"
	case ProfileHEVC:
		return "HEVC"
	default:
		return fmt.Sprintf("EncodedProfile(%d)", int(p))
	}
}

// EncodedFrameType is the picture type of an encoded frame.
type EncodedFrameType int

const (
	FrameI EncodedFrameType = iota
	FrameP
	FrameB
	FrameUnknown
)

func (t EncodedFrameType) String() string {
	switch t {
	case FrameI:
		return "I"
	case FrameP:
		return "P"
	case FrameB:
		return "B"
	default:
		return "Unknown"
	}
}

// Encoded is a compressed video or JPEG frame.
//
// FrameOffset and FrameSize optionally locate the frame inside Data; Bytes
// honours them when they describe a valid range.
type Encoded struct {
	header
	Width       int              `json:"width"`
	Height      int              `json:"height"`
	Profile     EncodedProfile   `json:"profile"`
	FrameType   EncodedFrameType `json:"frame_type"`
	Quality     uint32           `json:"quality"`
	Bitrate     uint32           `json:"bitrate"`
	Lossless    bool             `json:"lossless"`
	InstanceNum uint32           `json:"instance_num"`
	FrameOffset int              `json:"frame_offset,omitempty"`
	FrameSize   int              `json:"frame_size,omitempty"`
	Data        []byte           `json:"data"`
}

// NewEncodedFrame creates an encoded frame.
func NewEncodedFrame(profile EncodedProfile, ft EncodedFrameType, data []byte, opts ...Option) *Encoded {
	return &Encoded{
		header:    newHeader(opts),
		Profile:   profile,
		FrameType: ft,
		Data:      data,
	}
}

func (e *Encoded) Datatype() Datatype { return EncodedFrame }

// Bytes returns the encoded frame, sliced to FrameOffset/FrameSize when those
// describe a range inside Data.
func (e *Encoded) Bytes() []byte {
	if e.FrameSize > 0 && e.FrameOffset >= 0 && e.FrameOffset+e.FrameSize <= len(e.Data) {
		return e.Data[e.FrameOffset : e.FrameOffset+e.FrameSize]
	}
	return e.Data
}

func (e *Encoded) String() string {
	return fmt.Sprintf("EncodedFrame(%s %s q=%d bitrate=%d lossless=%t %dB)",
		e.Profile, e.FrameType, e.Quality, e.Bitrate, e.Lossless, len(e.Bytes()))
}

// RawBuffer is an untyped byte payload.
type RawBuffer struct {
	header
	data []byte
}

// NewBuffer creates a raw buffer message.
func NewBuffer(data []byte, opts ...Option) *RawBuffer {
	return &RawBuffer{header: newHeader(opts), data: data}
}

func (b *RawBuffer) Datatype() Datatype { return Buffer }
func (b *RawBuffer) Data() []byte       { return b.data }

// SetData replaces the payload bytes.
func (b *RawBuffer) SetData(data []byte) { b.data = data }

// Point3fRGBA is one coloured point.
type Point3fRGBA struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
	R uint8   `json:"r"`
	G uint8   `json:"g"`
	B uint8   `json:"b"`
	A uint8   `json:"a"`
}

// RGBA32 packs the point colour for visualisers.
func (p Point3fRGBA) RGBA32() uint32 {
	return PackRGBA32(p.R, p.G, p.B, p.A)
}

// PackRGBA32 packs colour channels as 0xRRGGBBAA.
func PackRGBA32(r, g, b, a uint8) uint32 {
	return uint32(r)<<24 | uint32(g)<<16 | uint32(b)<<8 | uint32(a)
}

// PointCloud holds a point cloud. An organized cloud is laid out row-major
// with Width*Height points.
type PointCloud struct {
	header
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Organized bool          `json:"organized"`
	Points    []Point3fRGBA `json:"points"`
}

// NewPointCloud creates a point cloud message. The cloud is organized when
// height > 1 and the point count matches width*height.
func NewPointCloud(width, height int, points []Point3fRGBA, opts ...Option) *PointCloud {
	return &PointCloud{
		header:    newHeader(opts),
		Width:     width,
		Height:    height,
		Organized: height > 1 && len(points) == width*height,
		Points:    points,
	}
}

func (p *PointCloud) Datatype() Datatype { return PointCloudData }

// DepthUnit is the unit of RGBD depth values.
type DepthUnit int

const (
	DepthMeter DepthUnit = iota
	DepthCentimeter
	DepthMillimeter
	DepthInch
	DepthFoot
	DepthCustom
)

func (u DepthUnit) String() string {
	switch u {
	case DepthMeter:
		return "m"
	case DepthCentimeter:
		return "cm"
	case DepthMillimeter:
		return "mm"
	case DepthInch:
		return "in"
	case DepthFoot:
		return "ft"
	default:
		return "custom"
	}
}

// RGBD pairs an aligned colour frame with its depth frame.
type RGBD struct {
	header
	Color *Frame    `json:"color"`
	Depth *Frame    `json:"depth"`
	Unit  DepthUnit `json:"unit"`
}

// NewRGBD creates an RGBD message.
func NewRGBD(color, depth *Frame, unit DepthUnit, opts ...Option) *RGBD {
	return &RGBD{header: newHeader(opts), Color: color, Depth: depth, Unit: unit}
}

func (r *RGBD) Datatype() Datatype { return RGBDData }

// Generic carries any other datatype as opaque bytes, e.g. NNData or IMUData
// produced by a device and passed through unchanged.
type Generic struct {
	header
	dt   Datatype
	Data []byte `json:"data"`
}

// NewGeneric creates an opaque message of the given datatype.
func NewGeneric(dt Datatype, data []byte, opts ...Option) *Generic {
	return &Generic{header: newHeader(opts), dt: dt, Data: data}
}

func (g *Generic) Datatype() Datatype { return g.dt }
