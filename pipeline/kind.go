package pipeline

import (
	"fmt"
	"strings"

	"github.com/c360/depthgraph/message"
)

// NodeKind is the closed set of node types a pipeline can create.
type NodeKind int

const (
	Camera NodeKind = iota
	MonoCamera
	StereoDepth
	ImageAlign
	RGBD
	VideoEncoder
	ImageManip
	NeuralNetwork
	Sync
	HostNode
	ThreadedHostNode

	nodeKindCount
)

var nodeKindNames = [nodeKindCount]string{
	"Camera", "MonoCamera", "StereoDepth", "ImageAlign", "RGBD", "VideoEncoder",
	"ImageManip", "NeuralNetwork", "Sync", "HostNode", "ThreadedHostNode",
}

func (k NodeKind) String() string {
	if k >= 0 && k < nodeKindCount {
		return nodeKindNames[k]
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

// ParseNodeKind looks a kind up by name, case-insensitively.
func ParseNodeKind(name string) (NodeKind, bool) {
	for k, n := range nodeKindNames {
		if strings.EqualFold(n, name) {
			return NodeKind(k), true
		}
	}
	return 0, false
}

// IsHost reports whether nodes of this kind run in the host process.
func (k NodeKind) IsHost() bool {
	return k == HostNode || k == ThreadedHostNode
}

// OnDevice reports whether nodes of this kind run on the device.
func (k NodeKind) OnDevice() bool {
	return k >= 0 && k < nodeKindCount && !k.IsHost()
}

// Default queue settings for inputs. Device-side inputs are consumed by the
// device and never block the sender; host inputs apply backpressure.
const (
	DefaultQueueSize  = 3
	deviceInputQueue  = 4
	hostInputBlocking = true
)

// Well-known port and map names.
const (
	InputsMap         = "inputs"
	DynamicOutputsMap = "dynamicOutputs"
)

type portDecl struct {
	name     string
	types    message.TypeSet
	required bool
}

type mapDecl struct {
	name    string
	types   message.TypeSet
	entries []portDecl
}

type layout struct {
	outputs    []portDecl
	inputs     []portDecl
	outputMaps []mapDecl
	inputMaps  []mapDecl
	subnodes   []subnodeDecl
}

type subnodeDecl struct {
	alias  string
	kind   NodeKind
	inputs []portDecl // entries added to the sub-node's inputs map
}

var (
	frames    = message.Types(message.ImgFrame)
	anyBuffer = message.TypeSet{{Datatype: message.Buffer, Descendants: true}}
)

func out(name string, dt message.Datatype) portDecl {
	return portDecl{name: name, types: message.Types(dt)}
}

func in(name string, dt message.Datatype) portDecl {
	return portDecl{name: name, types: message.Types(dt)}
}

func required(p portDecl) portDecl {
	p.required = true
	return p
}

// catalog holds the canonical port layout of every kind.
var catalog = map[NodeKind]layout{
	Camera: {
		outputs: []portDecl{
			out("raw", message.ImgFrame),
			out("isp", message.ImgFrame),
			out("video", message.ImgFrame),
			out("preview", message.ImgFrame),
			out("still", message.ImgFrame),
		},
		inputs:     []portDecl{in("inputControl", message.CameraControl)},
		outputMaps: []mapDecl{{name: DynamicOutputsMap, types: frames}},
	},
	MonoCamera: {
		outputs: []portDecl{out("out", message.ImgFrame), out("raw", message.ImgFrame)},
		inputs:  []portDecl{in("inputControl", message.CameraControl)},
	},
	StereoDepth: {
		outputs: []portDecl{
			out("depth", message.ImgFrame),
			out("disparity", message.ImgFrame),
			out("syncedLeft", message.ImgFrame),
			out("syncedRight", message.ImgFrame),
			out("rectifiedLeft", message.ImgFrame),
			out("rectifiedRight", message.ImgFrame),
			out("confidenceMap", message.ImgFrame),
			out("outConfig", message.StereoDepthConfig),
		},
		inputs: []portDecl{
			required(in("left", message.ImgFrame)),
			required(in("right", message.ImgFrame)),
			in("inputConfig", message.StereoDepthConfig),
		},
	},
	ImageAlign: {
		outputs: []portDecl{
			out("outputAligned", message.ImgFrame),
			out("passthroughInput", message.ImgFrame),
		},
		inputs: []portDecl{
			required(in("input", message.ImgFrame)),
			in("inputAlignTo", message.ImgFrame),
			in("inputConfig", message.ImageAlignConfig),
		},
	},
	RGBD: {
		outputs: []portDecl{out("pcl", message.PointCloudData), out("rgbd", message.RGBDData)},
		subnodes: []subnodeDecl{{
			alias: "sync",
			kind:  Sync,
			inputs: []portDecl{
				required(in("inColor", message.ImgFrame)),
				required(in("inDepth", message.ImgFrame)),
			},
		}},
	},
	VideoEncoder: {
		outputs: []portDecl{out("bitstream", message.ImgFrame), out("out", message.EncodedFrame)},
		inputs:  []portDecl{required(in("input", message.ImgFrame))},
	},
	ImageManip: {
		outputs: []portDecl{out("out", message.ImgFrame)},
		inputs: []portDecl{
			required(in("inputImage", message.ImgFrame)),
			in("inputConfig", message.ImageManipConfig),
		},
	},
	NeuralNetwork: {
		outputs: []portDecl{out("out", message.NNData), out("passthrough", message.ImgFrame)},
		inputs:  []portDecl{required(in("input", message.ImgFrame))},
	},
	Sync: {
		outputs:   []portDecl{out("out", message.MessageGroup)},
		inputMaps: []mapDecl{{name: InputsMap, types: anyBuffer}},
	},
	HostNode: {
		outputs:   []portDecl{{name: "out", types: anyBuffer}},
		inputMaps: []mapDecl{{name: InputsMap, types: anyBuffer}},
	},
	ThreadedHostNode: {},
}
