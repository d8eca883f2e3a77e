/*
Package types defines the shared domain types used across zeroloop: the
game tensor profiles that fix batch shapes, and the summary metadata
attached to every generation data file.

Game profiles are static. The orchestrator, the sampler and the external
self-play worker must agree on a profile by name; shapes are never
negotiated at runtime.
*/
package types
