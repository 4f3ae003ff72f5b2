// Package engine sequences simulation turn cycles: retrieval, prompt
// assembly, credit authorization, the model call, parsing, and the
// atomic persist. One cycle either lands whole or leaves no trace in
// the transcript.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"panelsim/internal/credit"
	"panelsim/internal/gateway"
	"panelsim/internal/prompt"
	"panelsim/internal/store"
	"panelsim/internal/types"
)

// Completer is the slice of the gateway the orchestrator needs.
type Completer interface {
	Complete(ctx context.Context, segments []prompt.Segment) (*gateway.Completion, error)
	Model() string
}

// Augmenter supplies best-effort grounding context. May be nil.
type Augmenter interface {
	Context(ctx context.Context, query string) []types.RetrievedChunk
	Inject(segments []prompt.Segment, chunks []types.RetrievedChunk) []prompt.Segment
}

// Orchestrator drives turn cycles. Cycles for the same simulation are
// serialized on a per-simulation lock; different simulations proceed
// concurrently.
type Orchestrator struct {
	store     *store.Store
	completer Completer
	meter     *credit.Meter
	builder   *prompt.Builder
	augmenter Augmenter
	log       *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires an orchestrator. augmenter may be nil to run without
// retrieval.
func New(st *store.Store, completer Completer, meter *credit.Meter, augmenter Augmenter, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		completer: completer,
		meter:     meter,
		builder:   prompt.NewBuilder(),
		augmenter: augmenter,
		log:       log,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) simLock(simulationID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[simulationID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[simulationID] = l
	}
	return l
}

// RunCycle executes one turn cycle. moderatorMessage carries the human
// moderator's utterance; it may be empty only when the transcript is
// empty, which auto-opens the simulation from the discussion guide.
// The returned messages are exactly the batch persisted by this cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, simulationID, moderatorMessage string) ([]types.SimulationMessage, error) {
	l := o.simLock(simulationID)
	l.Lock()
	defer l.Unlock()
	return o.runCycleLocked(ctx, simulationID, moderatorMessage)
}

func (o *Orchestrator) runCycleLocked(ctx context.Context, simulationID, moderatorMessage string) ([]types.SimulationMessage, error) {
	sim, err := o.store.GetSimulation(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	if sim.Status == types.StatusCompleted {
		return nil, types.ErrSimulationCompleted
	}
	personas, err := o.store.GetPersonas(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	history, err := o.store.ListMessages(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	lastTurn := 0
	if len(history) > 0 {
		lastTurn = history[len(history)-1].TurnNumber
	}

	opening := len(history) == 0 && (moderatorMessage == "" || sim.Mode == types.ModeAIBoth)
	auto := sim.Mode == types.ModeAIBoth
	if moderatorMessage == "" && !opening && !auto {
		return nil, &types.ValidationError{Field: "moderator_message", Reason: "required once the conversation has started"}
	}
	moderatorAllowed := auto || (opening && moderatorMessage == "")

	segments := o.assemble(sim, personas, history, moderatorMessage, opening, auto)
	segments = o.augment(ctx, sim, segments, moderatorMessage)

	est, err := o.meter.EstimateText(o.completer.Model(), prompt.Render(segments), 0)
	if err != nil {
		return nil, err
	}
	hold, err := o.meter.Authorize(ctx, sim.UserID, est)
	if err != nil {
		return nil, err
	}

	entries, usedIn, usedOut, err := o.generate(ctx, segments, personas, !moderatorAllowed)
	if err != nil {
		if usedIn == 0 && usedOut == 0 {
			// Nothing reached the provider; give the reservation back.
			if rerr := o.meter.Release(ctx, hold); rerr != nil {
				o.log.Warn("releasing credit hold failed", zap.String("simulation_id", simulationID), zap.Error(rerr))
			}
		} else {
			o.settle(ctx, hold, simulationID, usedIn, usedOut)
		}
		return nil, err
	}

	batch, err := o.resolve(sim, personas, entries, moderatorMessage, lastTurn, moderatorAllowed)
	if err != nil {
		o.settle(ctx, hold, simulationID, usedIn, usedOut)
		return nil, err
	}

	persisted, err := o.persist(ctx, sim, batch, lastTurn)
	o.settle(ctx, hold, simulationID, usedIn, usedOut)
	if err != nil {
		return nil, err
	}
	o.log.Info("turn cycle persisted",
		zap.String("simulation_id", simulationID),
		zap.Int("messages", len(persisted)),
		zap.Int("last_turn", persisted[len(persisted)-1].TurnNumber))
	return persisted, nil
}

func (o *Orchestrator) assemble(sim *types.Simulation, personas []types.Persona, history []types.SimulationMessage, moderatorMessage string, opening, auto bool) []prompt.Segment {
	switch {
	case auto:
		segments := o.builder.Auto(sim, personas, history)
		if moderatorMessage != "" {
			segments = append(segments, prompt.Segment{
				Role:    prompt.RoleUser,
				Content: fmt.Sprintf("Moderator: %s", moderatorMessage),
			})
		}
		return segments
	case opening:
		return o.builder.Opening(sim, personas)
	default:
		segments := o.builder.Continuation(sim, personas, history)
		return append(segments, prompt.Segment{
			Role:    prompt.RoleUser,
			Content: fmt.Sprintf("Moderator: %s", moderatorMessage),
		})
	}
}

func (o *Orchestrator) augment(ctx context.Context, sim *types.Simulation, segments []prompt.Segment, moderatorMessage string) []prompt.Segment {
	if o.augmenter == nil {
		return segments
	}
	query := moderatorMessage
	if query == "" {
		query = sim.StudyTitle
	}
	chunks := o.augmenter.Context(ctx, query)
	return o.augmenter.Inject(segments, chunks)
}

// generate calls the model and parses the reply, retrying once with a
// corrective instruction when the reply does not parse or, on
// participant-only cycles, when it speaks exclusively as the
// moderator. Token usage is accumulated across both attempts so
// reconciliation charges what the provider actually consumed.
func (o *Orchestrator) generate(ctx context.Context, segments []prompt.Segment, personas []types.Persona, requireParticipant bool) (entries []Entry, usedIn, usedOut int, err error) {
	comp, err := o.completer.Complete(ctx, segments)
	if err != nil {
		return nil, 0, 0, err
	}
	usedIn, usedOut = comp.InputTokens, comp.OutputTokens

	entries, perr := ParseEntries(comp.Text)
	if perr == nil {
		perr = checkParticipants(entries, requireParticipant)
	}
	if perr == nil {
		return entries, usedIn, usedOut, nil
	}

	var parseErr *types.ParseError
	reason := "reply was not valid JSON"
	if errors.As(perr, &parseErr) {
		reason = parseErr.Reason
	}
	o.log.Warn("model reply failed to parse, retrying with correction", zap.String("reason", reason))

	// The failed reply rides along as an assistant turn so the
	// correction reads as a follow-up to it.
	corrected := o.builder.WithCorrection(append(segments, prompt.Segment{
		Role:    prompt.RoleAssistant,
		Content: comp.Text,
	}), personas, reason)

	comp, err = o.completer.Complete(ctx, corrected)
	if err != nil {
		return nil, usedIn, usedOut, err
	}
	usedIn += comp.InputTokens
	usedOut += comp.OutputTokens

	entries, perr = ParseEntries(comp.Text)
	if perr == nil {
		perr = checkParticipants(entries, requireParticipant)
	}
	if perr != nil {
		if errors.As(perr, &parseErr) {
			return nil, usedIn, usedOut, &types.ParseError{Attempts: 2, Reason: parseErr.Reason}
		}
		return nil, usedIn, usedOut, perr
	}
	return entries, usedIn, usedOut, nil
}

// checkParticipants rejects a participant-only reply in which the
// model answered entirely as the moderator; the cycle would otherwise
// persist the moderator's question with no responses at all.
func checkParticipants(entries []Entry, requireParticipant bool) error {
	if !requireParticipant {
		return nil
	}
	for _, e := range entries {
		if e.Name != "Moderator" {
			return nil
		}
	}
	return &types.ParseError{Reason: "no participant responses parsed"}
}

// resolve maps parsed entries onto roster identities and numbers the
// batch. An entry naming nobody in the roster fails the whole cycle.
// In human-moderated continuation cycles a "Moderator" entry is the
// model overstepping its contract; it is dropped with a warning.
func (o *Orchestrator) resolve(sim *types.Simulation, personas []types.Persona, entries []Entry, moderatorMessage string, lastTurn int, moderatorAllowed bool) ([]types.SimulationMessage, error) {
	byName := make(map[string]string, len(personas))
	for _, p := range personas {
		byName[p.Name] = p.ID
	}

	var batch []types.SimulationMessage
	if moderatorMessage != "" {
		batch = append(batch, types.SimulationMessage{
			SimulationID: sim.ID,
			SenderType:   types.SenderModerator,
			Message:      moderatorMessage,
		})
	}

	// Continuation replies are capped at four participant entries per
	// the output contract; engine-driven cycles may run longer.
	limit := len(entries)
	if !moderatorAllowed && limit > 4 {
		o.log.Warn("model returned more entries than the contract allows, truncating",
			zap.String("simulation_id", sim.ID), zap.Int("entries", len(entries)))
		limit = 4
	}

	for _, e := range entries[:limit] {
		if e.Name == "Moderator" {
			if !moderatorAllowed {
				o.log.Warn("dropping moderator entry from participant-only reply", zap.String("simulation_id", sim.ID))
				continue
			}
			batch = append(batch, types.SimulationMessage{
				SimulationID: sim.ID,
				SenderType:   types.SenderModerator,
				Message:      e.Message,
			})
			continue
		}
		personaID, ok := byName[e.Name]
		if !ok {
			return nil, &types.UnknownSpeakerError{Name: e.Name}
		}
		batch = append(batch, types.SimulationMessage{
			SimulationID: sim.ID,
			SenderType:   types.SenderParticipant,
			SenderID:     personaID,
			Message:      e.Message,
		})
	}
	if len(batch) == 0 {
		return nil, &types.ParseError{Reason: "reply contained no usable entries"}
	}
	for i := range batch {
		batch[i].TurnNumber = lastTurn + 1 + i
	}
	return batch, nil
}

// persist writes the batch, advancing Draft to Running and closing the
// simulation when the turn target is reached. A turn-number race is
// retried once against the re-read transcript tail.
func (o *Orchestrator) persist(ctx context.Context, sim *types.Simulation, batch []types.SimulationMessage, lastTurn int) ([]types.SimulationMessage, error) {
	newStatus := types.StatusRunning
	if lastTurn+len(batch) >= sim.NumTurns {
		newStatus = types.StatusCompleted
	}

	err := o.store.AppendMessages(ctx, sim.ID, lastTurn, batch, newStatus)
	if errors.Is(err, types.ErrConcurrencyConflict) {
		o.log.Warn("turn-number conflict, retrying against current tail", zap.String("simulation_id", sim.ID))
		lastTurn, err = o.store.LastTurn(ctx, sim.ID)
		if err != nil {
			return nil, err
		}
		for i := range batch {
			batch[i].TurnNumber = lastTurn + 1 + i
		}
		if lastTurn+len(batch) >= sim.NumTurns {
			newStatus = types.StatusCompleted
		}
		err = o.store.AppendMessages(ctx, sim.ID, lastTurn, batch, newStatus)
	}
	if err != nil {
		return nil, err
	}
	return o.store.ListMessagesFrom(ctx, sim.ID, lastTurn+1)
}

// settle reconciles a hold against accumulated usage, logging rather
// than failing the cycle when the ledger write goes wrong.
func (o *Orchestrator) settle(ctx context.Context, hold *credit.Hold, simulationID string, usedIn, usedOut int) {
	if _, err := o.meter.Reconcile(ctx, hold, usedIn, usedOut); err != nil {
		o.log.Error("credit reconciliation failed",
			zap.String("simulation_id", simulationID),
			zap.Int("input_tokens", usedIn),
			zap.Int("output_tokens", usedOut),
			zap.Error(err))
	}
}

// RunAll drives an engine-moderated simulation to completion, cycle by
// cycle. It stops at Completed, on context cancellation, or on the
// first cycle error.
func (o *Orchestrator) RunAll(ctx context.Context, simulationID string) error {
	sim, err := o.store.GetSimulation(ctx, simulationID)
	if err != nil {
		return err
	}
	if sim.Mode != types.ModeAIBoth {
		return &types.ValidationError{Field: "mode", Reason: "RunAll needs an ai-both simulation"}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := o.RunCycle(ctx, simulationID, "")
		if errors.Is(err, types.ErrSimulationCompleted) {
			return nil
		}
		if err != nil {
			return err
		}
		sim, err = o.store.GetSimulation(ctx, simulationID)
		if err != nil {
			return err
		}
		if sim.Status == types.StatusCompleted {
			return nil
		}
	}
}
