/*
Package config loads and validates the YAML configuration for a training
run.

A configuration file covers the run layout (directory, game), the replay
window, the sampling and training schedules, the self-play worker
connection, the worker's search parameters, and the ambient logging and
metrics setup. Load applies defaults for absent values and rejects
configurations the loop cannot run with.
*/
package config
