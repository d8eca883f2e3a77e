/*
Package metrics exposes Prometheus metrics for the training loop.

Metrics are package-level collectors registered in init(), covering the
replay buffer (window size in generations, games and positions), loop
progress (current generation, finished generations, training steps and
their latency), the time spent blocked on the self-play worker, and the
protocol messages sent over the channel.

Handler returns the promhttp handler; cmd/zeroloop serves it on an
optional listener. These metrics are operational observability only;
training metrics that must survive restarts go through the mlog package.
*/
package metrics
