// Package depthgraph builds and runs dataflow pipelines for stereo depth
// cameras from Go.
//
// A pipeline is a graph of nodes (cameras, stereo depth, encoders, host-side
// processors) whose typed output ports feed typed input ports. The host
// reads results from bounded message queues and opens the physical device
// through a reference-counted session.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            Pipeline                 │  Node catalog, Linker,
//	│   (create, link, build, start)      │  lifecycle, host nodes
//	└─────────────────────────────────────┘
//	           ↓ streams through
//	┌─────────────────────────────────────┐
//	│         Device Session              │  Broker, weak default,
//	│   (open, clone, release, close)     │  exclusive connections
//	└─────────────────────────────────────┘
//	           ↓ delivers into
//	┌─────────────────────────────────────┐
//	│         Message Queues              │  Bounded FIFO, blocking or
//	│    (send, get, callbacks)           │  drop-oldest, taps
//	└─────────────────────────────────────┘
//
// # Packages
//
//   - pipeline: nodes, ports, the heuristic Linker and the Pipeline container
//   - pipeline/flowgraph: connectivity analysis run by Pipeline.Build
//   - device: Broker and Session; device/sim is an in-process transport
//   - queue: the Message Queue, built on pkg/buffer
//   - message: datatypes, payloads and the Envelope wire codec
//   - errors: classified errors and the last-error slot
//   - health, metric: status aggregation and the Prometheus endpoint
//   - natsclient, output/nats, output/websocket: streaming queue contents
//     off the host
//   - config, cmd/depthgraph: the command-line runner
//
// # Linking
//
// Links name their ports or leave them to the Linker:
//
//	p := pipeline.New(pipeline.WithName("stereo"))
//	left, _ := p.Create(pipeline.MonoCamera, "left")
//	right, _ := p.Create(pipeline.MonoCamera, "right")
//	stereo, _ := p.Create(pipeline.StereoDepth, "stereo")
//
//	p.Link(left, pipeline.Any(), stereo, pipeline.ByName("left"))
//	p.Link(right, pipeline.ByName("out"), stereo, pipeline.ByName("right"))
//
//	depth, _ := stereo.Output("", "depth")
//	q, _ := depth.CreateQueue(4, false)
//
// Unspecified ports are chosen by datatype compatibility first and a
// name-based score second; see pipeline.Scorer.
//
// # Sessions
//
// A process creates one device.Broker. Broker.Open returns a handle on the
// default device, reusing the live connection while any handle holds it.
// Pipeline.Start takes its own handle, so closing the caller's handle
// never pulls the device from under a running pipeline.
package depthgraph
