// Package timesync converts notification timestamps to wall-clock time.
//
// Notifications carry Unix epoch nanoseconds. Hosts that cannot stamp an
// event send zero, in which case the time the event is read is used. The
// clock is injected so tests can pin it.
package timesync
