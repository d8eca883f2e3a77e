/*
Package events provides in-process publish/subscribe for loop lifecycle
events.

The orchestrator publishes an event as each generation moves through its
states (started, produced, ingested, trained, finished) and when a new
network is pushed to the worker. Subscribers receive events on buffered
channels; a slow subscriber drops events rather than stalling the loop.

The broker is best-effort by design: anything that must be durable goes
through the metric log or the generation state on disk, not through
events.
*/
package events
