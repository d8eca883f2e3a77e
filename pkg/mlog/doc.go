/*
Package mlog is the durable metric log for training runs.

Metrics accumulate in batches, one batch per generation: StartBatch opens
a row, Log records (category, key) values into it, and Save snapshots the
whole log to a BoltDB file in a single transaction. Load restores the
snapshot when a run resumes, so metric history lines up with the
generation the loop restarts from.

The log also carries a run UUID, assigned when a run first starts and
preserved across resumes.

This is the training-metric store consumed by `zeroloop log dump`;
operational metrics are exported separately via the metrics package.
*/
package mlog
