/*
Package datafile reads the immutable generation files produced by the
self-play worker.

A generation lives at a path prefix (selfplay/games_<gi>) as three files:
JSON metadata with summary statistics, a little-endian offset index, and
the binary position records themselves. Files are immutable once the
worker reports them finished; this package never writes into a live
generation.

Handles are reference counted. The replay buffer owns one reference and
each live sampler takes another, so a file evicted from the buffer stays
readable until the last sampler over it is closed.

The Writer mirrors the worker's output format and exists for tests and
offline data tooling only.
*/
package datafile
