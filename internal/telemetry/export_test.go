package telemetry

var SignalURL = signalURL
