package loop

import (
	"errors"

	"github.com/zeroloop/zeroloop/pkg/replay"
)

// TrainableModel is the training side of the loop. The orchestrator never
// constructs a model; it receives one through a ModelStore and only ever
// talks to it through this interface. Optimizer state lives behind the
// model: one TrainStep is one optimizer step.
type TrainableModel interface {
	// TrainStep runs one optimizer step on the batch and logs its losses
	// to the sink.
	TrainStep(batch *replay.Batch, sink replay.MetricSink) error

	// Evaluate computes evaluation losses on the batch without updating
	// the model, logging them under the given label.
	Evaluate(label string, batch *replay.Batch, sink replay.MetricSink) error

	// SaveCheckpoint writes a resumable checkpoint, optimizer state
	// included.
	SaveCheckpoint(path string) error

	// Export writes the inference artifact handed to the self-play
	// worker.
	Export(path string) error
}

// UnrolledTrainer is implemented by models that train on multi-step
// sequences. The orchestrator type-asserts for it when unrolling is
// configured.
type UnrolledTrainer interface {
	TrainStepUnrolled(batch *replay.UnrolledBatch, sink replay.MetricSink) error
}

// ModelStore creates and restores trainable models. Init is used for a
// fresh run, Load when resuming from a previous generation's checkpoint.
type ModelStore interface {
	Init() (TrainableModel, error)
	Load(checkpointPath string) (TrainableModel, error)
}

// NopStore backs data-generation-only runs, where the model is never
// trained or exported. Every training operation on its model fails.
type NopStore struct{}

func (NopStore) Init() (TrainableModel, error) { return nopModel{}, nil }

func (NopStore) Load(string) (TrainableModel, error) { return nopModel{}, nil }

type nopModel struct{}

func (nopModel) TrainStep(*replay.Batch, replay.MetricSink) error {
	return errNoModel
}

func (nopModel) Evaluate(string, *replay.Batch, replay.MetricSink) error {
	return errNoModel
}

func (nopModel) SaveCheckpoint(string) error { return errNoModel }

func (nopModel) Export(string) error { return errNoModel }

var errNoModel = errors.New("loop: no trainable model configured")
