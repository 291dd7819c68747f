// Package session coordinates one wearable sensor connection and the telemetry
// streams opened on it.
//
// The Manager is the single entry point. It performs first-wins discovery and
// connect, keeps one Supervisor per stream kind, runs one-shot HR fetches, and
// tears everything down when the device goes away. Samples leave the package
// through a Dispatcher that hands them to registered Sinks on one goroutine, so
// consumers never run on device callback threads.
//
// Basic usage:
//
//	mgr, err := session.NewManager(link, session.Options{ConnectTimeout: 30 * time.Second}, logger)
//	if err != nil {
//	    return err
//	}
//	defer mgr.Close(context.Background())
//
//	id, err := mgr.DiscoverAndConnect(ctx)
//	mgr.RegisterSink(device.ECG, sink)
//	err = mgr.StartStream(ctx, device.ECG)
package session
