// Package health reports the health of a running depthgraph process.
//
// A Status has one of three levels: healthy, degraded (working with reduced
// function, such as a queue dropping frames) and unhealthy. Aggregate folds
// sub-statuses into one: any unhealthy child makes the parent unhealthy,
// otherwise any degraded child makes it degraded.
//
// Checker polls the live objects of a process on every call:
//
//	checker := health.NewChecker("depthgraph")
//	checker.SetPipeline(p)
//	checker.SetSession(sess)
//	checker.WatchQueue(q)
//
//	server := metric.NewServer(":9090", "/metrics", registry, checker.Err)
//
// Components that are not polled, such as the NATS tap, push their state
// into Checker.Monitor. Error messages shown on the health endpoint are
// sanitized: URLs, paths, addresses and credentials are masked.
package health
