/*
Package loop drives the training loop against an external self-play
worker.

One iteration is a generation: the worker plays a batch of games and
writes them as a data file, the orchestrator ingests the file into the
sliding replay window, trains the model for a fixed number of steps,
saves and exports the network, and pushes the export back to the worker
for the next generation.

A generation is finished exactly when its marker file exists, and the
marker is always the last write. Startup recovery scans markers from
generation zero, replays the finished data files into the window, and
restarts cleanly at the first unfinished generation; partially written
generations are redone, never resumed.

The model is injected behind the TrainableModel and ModelStore
interfaces. The loop owns scheduling and durability, nothing else.
*/
package loop
