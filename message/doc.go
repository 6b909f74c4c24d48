// Package message defines the payloads that flow through a depthgraph
// pipeline.
//
// Every payload implements Message, a type-erased handle carrying a Datatype
// discriminant, an id, a timestamp and a sequence number. Datatype tags are
// stable and arranged in a hierarchy rooted at ADatatype, with Buffer as the
// parent of every payload kind. Ports declare a TypeSet and CanConnect
// decides whether two ports may be linked.
//
// Concrete payloads:
//
//	Frame        ImgFrame       raw image, width/height/stride/layout
//	Encoded      EncodedFrame   JPEG/AVC/HEVC bitstream
//	RawBuffer    Buffer         untyped bytes
//	PointCloud   PointCloudData points with packed colour
//	RGBD         RGBDData       aligned colour + depth pair
//	Group        MessageGroup   named sub-messages
//	Generic      anything else  opaque bytes tagged with a Datatype
//
// Narrow with the As helpers, which return (nil, false) on mismatch:
//
//	if f, ok := message.AsFrame(msg); ok {
//		process(f.Data)
//	}
//
// PointCloudView and RGBDView hold derived data computed once when a queue
// hands out a point cloud or RGBD pair; call Release when done.
//
// Envelope is the JSON wire form used by the NATS and websocket outputs,
// optionally snappy-compressed.
package message
