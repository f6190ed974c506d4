// Package accumulator collects stage outputs into a per-request composite
// record. Merges are keyed by (request, stage), so replayed success events
// fold in without duplication.
package accumulator

import (
	"context"
	"log/slog"

	"conveyor/internal/ledger"
	"conveyor/internal/logging"
)

// Composite is the assembled record of a request's stage outputs in pipeline
// order.
type Composite struct {
	RequestID string          `json:"request_id"`
	Outputs   []ledger.Output `json:"outputs"`
}

// Accumulator persists and assembles stage outputs.
type Accumulator struct {
	store  *ledger.Store
	logger *slog.Logger
}

// New builds an accumulator over the ledger store.
func New(store *ledger.Store, logger *slog.Logger) *Accumulator {
	return &Accumulator{
		store:  store,
		logger: logging.NewComponentLogger(logger, "accumulator"),
	}
}

// Merge records a stage's output reference. The first merge for a stage wins;
// later merges for the same stage are no-ops.
func (a *Accumulator) Merge(ctx context.Context, requestID, stage, outputRef string) error {
	if outputRef == "" {
		return nil
	}
	if err := a.store.MergeOutput(ctx, requestID, stage, outputRef); err != nil {
		return err
	}
	a.logger.Debug("merged stage output",
		logging.String(logging.FieldRequestID, requestID),
		logging.String(logging.FieldStage, stage))
	return nil
}

// Compose assembles the composite record with outputs sorted into pipeline
// order. Stages that produced no output are simply absent.
func (a *Accumulator) Compose(ctx context.Context, requestID string, pipelineOrder []string) (Composite, error) {
	outputs, err := a.store.Outputs(ctx, requestID)
	if err != nil {
		return Composite{}, err
	}

	position := make(map[string]int, len(pipelineOrder))
	for i, name := range pipelineOrder {
		position[name] = i
	}

	ordered := make([]ledger.Output, 0, len(outputs))
	for _, name := range pipelineOrder {
		for _, out := range outputs {
			if out.Stage == name {
				ordered = append(ordered, out)
			}
		}
	}
	// Outputs from stages missing in the order list go last, merge order
	// preserved.
	for _, out := range outputs {
		if _, known := position[out.Stage]; !known {
			ordered = append(ordered, out)
		}
	}
	return Composite{RequestID: requestID, Outputs: ordered}, nil
}
