// Package websocket serves a live preview of pipeline queues to WebSocket
// clients.
//
// Output listens on Config.Addr and upgrades requests on Config.Path. Every
// message sent to a tapped queue is wrapped in a message.Envelope and written
// to each connected client as one JSON text frame:
//
//	preview, err := websocket.New(websocket.DefaultConfig(),
//	    websocket.WithLogger(logger),
//	    websocket.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := preview.Start(ctx); err != nil {
//	    return err
//	}
//	defer preview.Stop(5 * time.Second)
//
//	_ = preview.Tap(consumerQueue)
//
// # Client Management
//
// Each client owns a bounded drop-oldest buffer and a writer goroutine. A
// viewer that cannot keep up loses its oldest frames; the pipeline and other
// viewers are unaffected. Dropped frames are counted per queue.
//
// Clients may narrow what they receive by sending a ControlMessage:
//
//	{"type": "subscribe", "queues": ["camera#1.outputs[preview]"]}
//	{"type": "unsubscribe", "queues": ["camera#1.outputs[preview]"]}
//
// A subscribe with no queues restores the default of every tapped queue.
//
// The server pings clients every PingInterval; a client that misses two
// intervals is disconnected.
//
// # Frame Rate and Access
//
// MaxFPS limits how many messages per second each queue contributes. Excess
// messages are skipped before encoding and counted as throttled.
//
// With AuthSecret set, the upgrade requires an HS256 token from NewToken,
// passed as "Authorization: Bearer <token>" or as a token query parameter.
// Requests without a valid token get 401.
package websocket
