// Package recurring re-arms work on a scheduler's lane at fixed periods or
// cron times, and keeps a registry of named recurring jobs.
//
// Every tick runs on the target scheduler's lane, so the threaded state is
// never touched concurrently. Cancelling a Handle stops future ticks; a tick
// already dispatched on the lane finishes.
package recurring
