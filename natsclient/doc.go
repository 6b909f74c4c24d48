// Package natsclient manages the NATS connection used by the message tap.
//
// Client wraps a nats.go connection with connection status tracking, a
// circuit breaker over failed connects, slog logging and a bounded drain on
// close:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("depthgraph"),
//	    natsclient.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	err = client.Publish(ctx, "depthgraph.preview", data)
//
// After the configured number of consecutive failed connects (default 5)
// the circuit opens and Connect returns ErrCircuitOpen until the backoff
// elapses. The backoff doubles each time the circuit reopens, up to the
// configured maximum.
//
// TestClient starts a NATS server in a container through testcontainers-go
// for integration tests.
package natsclient
