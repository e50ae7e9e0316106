// Package progress carries engine run events from spider runs to sinks. The
// hub batches events on a background goroutine so emitters never block on
// log writes, metric updates or store calls.
package progress
