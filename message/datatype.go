package message

import "fmt"

// Datatype is the runtime discriminant of a Message. The numeric tags are
// stable and match the device-side wire protocol.
type Datatype int

const (
	ADatatype Datatype = iota
	Buffer
	ImgFrame
	EncodedFrame
	NNData
	ImageManipConfig
	CameraControl
	ImgDetections
	SpatialImgDetections
	SystemInformation
	SystemInformationS3
	SpatialLocationCalculatorConfig
	SpatialLocationCalculatorData
	EdgeDetectorConfig
	AprilTagConfig
	AprilTags
	Tracklets
	IMUData
	StereoDepthConfig
	NeuralDepthConfig
	FeatureTrackerConfig
	ThermalConfig
	ToFConfig
	TrackedFeatures
	BenchmarkReport
	MessageGroup
	TransformData
	PointCloudConfig
	PointCloudData
	RGBDData
	ImageAlignConfig
	ImgAnnotations
	ImageFiltersConfig
	ToFDepthConfidenceFilterConfig
	ObjectTrackerConfig
	DynamicCalibrationControl
	DynamicCalibrationResult
	CalibrationQuality
	CoverageData

	datatypeCount
)

var datatypeNames = [datatypeCount]string{
	"ADatatype", "Buffer", "ImgFrame", "EncodedFrame", "NNData", "ImageManipConfig",
	"CameraControl", "ImgDetections", "SpatialImgDetections", "SystemInformation",
	"SystemInformationS3", "SpatialLocationCalculatorConfig", "SpatialLocationCalculatorData",
	"EdgeDetectorConfig", "AprilTagConfig", "AprilTags", "Tracklets", "IMUData",
	"StereoDepthConfig", "NeuralDepthConfig", "FeatureTrackerConfig", "ThermalConfig",
	"ToFConfig", "TrackedFeatures", "BenchmarkReport", "MessageGroup", "TransformData",
	"PointCloudConfig", "PointCloudData", "RGBDData", "ImageAlignConfig", "ImgAnnotations",
	"ImageFiltersConfig", "ToFDepthConfidenceFilterConfig", "ObjectTrackerConfig",
	"DynamicCalibrationControl", "DynamicCalibrationResult", "CalibrationQuality", "CoverageData",
}

// Valid reports whether d is a known tag.
func (d Datatype) Valid() bool {
	return d >= 0 && d < datatypeCount
}

func (d Datatype) String() string {
	if !d.Valid() {
		return fmt.Sprintf("Datatype(%d)", int(d))
	}
	return datatypeNames[d]
}

// ParseDatatype resolves a datatype by its name.
func ParseDatatype(name string) (Datatype, bool) {
	for i, n := range datatypeNames {
		if n == name {
			return Datatype(i), true
		}
	}
	return 0, false
}

// Parent returns the direct parent in the type hierarchy. ADatatype is the
// root and has no parent; Buffer is the parent of every payload type.
func (d Datatype) Parent() (Datatype, bool) {
	switch {
	case !d.Valid(), d == ADatatype:
		return 0, false
	case d == Buffer:
		return ADatatype, true
	default:
		return Buffer, true
	}
}

// DescendsFrom reports whether d is a strict descendant of ancestor.
func (d Datatype) DescendsFrom(ancestor Datatype) bool {
	for p, ok := d.Parent(); ok; p, ok = p.Parent() {
		if p == ancestor {
			return true
		}
	}
	return false
}

// TypeSpec is one entry of a port's accepted types. With Descendants set the
// port also accepts every datatype below Datatype in the hierarchy.
type TypeSpec struct {
	Datatype    Datatype
	Descendants bool
}

// TypeSet is the declared type list of a port.
type TypeSet []TypeSpec

// Types builds an exact-match TypeSet.
func Types(dts ...Datatype) TypeSet {
	set := make(TypeSet, len(dts))
	for i, dt := range dts {
		set[i] = TypeSpec{Datatype: dt}
	}
	return set
}

// Accepts reports whether a message of datatype d may travel through a port
// declaring s.
func (s TypeSet) Accepts(d Datatype) bool {
	for _, spec := range s {
		if spec.Datatype == d || (spec.Descendants && d.DescendsFrom(spec.Datatype)) {
			return true
		}
	}
	return false
}

func (s TypeSet) String() string {
	out := "["
	for i, spec := range s {
		if i > 0 {
			out += ", "
		}
		out += spec.Datatype.String()
		if spec.Descendants {
			out += "+"
		}
	}
	return out + "]"
}

// CanConnect reports whether an output declaring out may feed an input
// declaring in. A pair matches when the datatypes are equal, or when one
// side accepts descendants and the other's datatype descends from it.
func CanConnect(out, in TypeSet) bool {
	for _, o := range out {
		for _, i := range in {
			if o.Datatype == i.Datatype {
				return true
			}
			if i.Descendants && o.Datatype.DescendsFrom(i.Datatype) {
				return true
			}
			if o.Descendants && i.Datatype.DescendsFrom(o.Datatype) {
				return true
			}
		}
	}
	return false
}
