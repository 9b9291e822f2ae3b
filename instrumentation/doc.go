// Package instrumentation provides OpenTelemetry instrumentation for the
// identity engine: counters and histograms for token lifecycle operations,
// distributed tracing for flow and storage spans, and observable gauges for
// store sizes.
//
// Providers are no-op unless wired to an exporter, so instrumentation can be
// threaded through every layer with zero overhead when disabled.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "identityd",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
package instrumentation
