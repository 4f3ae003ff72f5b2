package engine

import (
	"context"

	"go.uber.org/zap"

	"panelsim/internal/prompt"
	"panelsim/internal/types"
)

// Summarize distills a completed simulation's transcript into bullet
// points and themes. Summaries are billed like any other completion:
// estimated, authorized, reconciled against actual usage.
func (o *Orchestrator) Summarize(ctx context.Context, simulationID string) (*types.Summary, error) {
	sim, err := o.store.GetSimulation(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	if sim.Status != types.StatusCompleted {
		return nil, &types.ValidationError{Field: "status", Reason: "simulation must be Completed before summarizing"}
	}
	transcript, err := o.store.ListMessages(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	if len(transcript) == 0 {
		return nil, &types.ValidationError{Field: "messages", Reason: "nothing to summarize"}
	}

	segments := o.builder.Summary(sim, transcript)
	est, err := o.meter.EstimateText(o.completer.Model(), prompt.Render(segments), 0)
	if err != nil {
		return nil, err
	}
	hold, err := o.meter.Authorize(ctx, sim.UserID, est)
	if err != nil {
		return nil, err
	}

	comp, err := o.completer.Complete(ctx, segments)
	if err != nil {
		if rerr := o.meter.Release(ctx, hold); rerr != nil {
			o.log.Warn("releasing credit hold failed", zap.String("simulation_id", simulationID), zap.Error(rerr))
		}
		return nil, err
	}
	o.settle(ctx, hold, simulationID, comp.InputTokens, comp.OutputTokens)

	sum, err := ParseSummary(comp.Text)
	if err != nil {
		return nil, err
	}
	o.log.Info("summary generated",
		zap.String("simulation_id", simulationID),
		zap.Int("bullets", len(sum.Bullets)),
		zap.Int("themes", len(sum.Themes)))
	return sum, nil
}
