/*
Package selfplay implements the client side of the protocol to the
external self-play worker.

The worker is a long-running process that continuously plays games and
writes finished generations to disk. It listens on a TCP socket and
speaks newline-delimited JSON: the orchestrator sends commands
(StartupSettings, NewSettings, NewNetwork, WaitForNewNetwork, Stop) and
the worker reports back FinishedFile notifications and a final Stopped
acknowledgement.

The session is a small state machine. StartupSettings must be the first
command, exactly once; every other command is only valid afterwards.
Messages travel over one ordered connection, so the worker observes them
in send order, and it never begins generation gi+1 before it has
announced the completion of gi.

There is deliberately no reconnect handling: a dropped connection aborts
the run, and a restart replays startup settings on a fresh connection,
with the loop's on-disk recovery preventing duplicated work.
*/
package selfplay
