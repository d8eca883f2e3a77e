/*
Package replay implements the sliding-window replay buffer and the batch
sampler that turns it into training batches.

# Buffer

The buffer holds an ordered list of immutable generation files, oldest
first, plus a cached position total. Appending a finished generation may
evict whole files from the front until

	total − len(oldest) ≤ target

holds again; the window may therefore exceed the target by up to one
generation, because generations are evicted whole. The just-appended file
is never evicted, and eviction terminates even when the head files are
empty. Buffer membership is mutated only by the orchestrator's control
goroutine.

# Sampler

A sampler draws batches independently and uniformly at random across the
union of positions in its file set: position-weighted, so a larger file
contributes proportionally more samples. Draws are without replacement
within one internal shuffle pass and with replacement across passes;
callers must not rely on within-batch uniqueness.

Background workers decode batches ahead of the consumer into a bounded
queue. A sampler is a scoped resource: Close must run on every exit path,
stopping the workers and releasing the file references the sampler holds.
Eviction never closes a file out from under a live sampler: files are
reference counted and released only when both the buffer and every
sampler are done with them.

With UnrollSteps > 0 the sampler produces sequences of consecutive
positions from a single game for multi-step-ahead training. Sequences
never cross a game boundary; whether a window running past the end of a
game is truncated or excluded is governed by the IncludeFinal option, and
both policies are deterministic for a fixed seed.
*/
package replay
