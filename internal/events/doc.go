// Package events carries monitor and capture milestones to pluggable sinks.
// A Hub batches events on a background goroutine and never blocks emitters.
package events
