// Package device defines the vocabulary shared between the session core and the
// device communication stack.
//
// It contains:
//   - Stream kinds, negotiated stream settings and the closed set of telemetry samples
//   - The typed events a link reports asynchronously (connect, disconnect, battery, ...)
//   - The Link and Stream interfaces implemented by concrete transports (see go-ble)
//   - Link-level sentinel errors
package device
