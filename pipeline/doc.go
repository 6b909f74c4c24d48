// Package pipeline builds and runs graphs of processing nodes that live
// partly on an imaging device and partly in the host process.
//
// A Pipeline creates nodes from a closed catalog of kinds (Camera,
// StereoDepth, VideoEncoder, RGBD, HostNode, ...). Each kind declares its
// outputs and inputs with the message datatypes they carry; some kinds add
// port maps whose entries are created on demand, and composite kinds own
// sub-nodes.
//
// # Linking
//
// Ports are connected by the Linker, usually through Pipeline.Link:
//
//	cam, _ := p.Create(pipeline.Camera, "cam")
//	enc, _ := p.Create(pipeline.VideoEncoder, "enc")
//
//	// Explicit ports.
//	p.Link(cam, pipeline.ByName("video"), enc, pipeline.ByName("input"))
//
//	// Let the linker choose.
//	p.Link(cam, pipeline.Any(), enc, pipeline.Any())
//
// Named ports are looked up exactly; input names without a group also try
// the node's "inputs" map and then its sub-nodes. Unnamed ports are chosen
// among type-compatible candidates by a Scorer over port names. Scans visit
// outputs before inputs and fixed ports before map entries, and the first
// candidate to reach the highest score wins, so results are deterministic.
// Unlink applies the same selection to existing connections.
//
// # Running
//
// Build validates the graph: a required input without a source fails the
// build. Start runs the graph against a device.Session. Outputs of
// device-side nodes that have consumers are streamed from the session's
// connection when it implements device.Producer. HostNode processors and
// ThreadedHostNode run functions start on their own goroutines, and
// producer queues created with Input.CreateQueue begin forwarding.
//
//	out, _ := enc.Output("", "out")
//	q, _ := out.CreateQueue(8, false)
//	p.Start(ctx, sess)
//	defer p.Stop(time.Second)
//	frame, err := q.GetEncodedFrame(time.Second)
package pipeline
