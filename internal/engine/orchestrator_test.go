package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"panelsim/internal/credit"
	"panelsim/internal/gateway"
	"panelsim/internal/prompt"
	"panelsim/internal/store"
	"panelsim/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// opencensus (indirect dep of google.golang.org/genai) starts a
		// background worker in init() that can never be stopped.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// scriptedCompleter replays canned completions in order and records
// the segment sequence of every call.
type scriptedCompleter struct {
	model string

	mu       sync.Mutex
	replies  []gateway.Completion
	errs     []error
	calls    int
	received [][]prompt.Segment
}

func (s *scriptedCompleter) Complete(ctx context.Context, segments []prompt.Segment) (*gateway.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, segments)
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.replies) {
		return nil, errors.New("scripted completer exhausted")
	}
	c := s.replies[i]
	if c.Model == "" {
		c.Model = s.model
	}
	return &c, nil
}

func (s *scriptedCompleter) Model() string { return s.model }

func (s *scriptedCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedCompleter) sentSegments(call int) []prompt.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call >= len(s.received) {
		return nil
	}
	return s.received[call]
}

// wordCounter bills one token per word, keeping tests off tokenizer
// data files.
type wordCounter struct{}

func (wordCounter) Count(model, text string) (int, error) {
	return len(strings.Fields(text)), nil
}

type fixture struct {
	store     *store.Store
	meter     *credit.Meter
	completer *scriptedCompleter
	orch      *Orchestrator
	sim       *types.Simulation
	personas  []types.Persona
}

func newFixture(t *testing.T, balance float64, replies []gateway.Completion) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop()

	st, err := store.New(filepath.Join(t.TempDir(), "panelsim.db"), 4, log)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	meter := credit.NewMeter(credit.DefaultRates(), wordCounter{}, st, 400, log)
	completer := &scriptedCompleter{model: "gpt-4o-mini", replies: replies}
	orch := New(st, completer, meter, nil, log)

	sim, err := st.CreateSimulation(ctx, &types.Simulation{
		UserID:              "u1",
		StudyTitle:          "Snack habits",
		DiscussionQuestions: []string{"What do you snack on?"},
		NumTurns:            10,
	}, []types.Persona{{Name: "Alice"}, {Name: "Bob"}})
	if err != nil {
		t.Fatalf("creating simulation: %v", err)
	}
	personas, err := st.GetPersonas(ctx, sim.ID)
	if err != nil {
		t.Fatalf("loading personas: %v", err)
	}
	if _, err := st.Grant(ctx, "u1", balance); err != nil {
		t.Fatalf("granting credits: %v", err)
	}

	return &fixture{store: st, meter: meter, completer: completer, orch: orch, sim: sim, personas: personas}
}

func reply(text string) gateway.Completion {
	return gateway.Completion{Text: text, InputTokens: 100, OutputTokens: 50}
}

func TestRunCyclePersistsBatch(t *testing.T) {
	f := newFixture(t, 100, []gateway.Completion{
		reply(`[{"name": "Alice", "message": "Mostly crisps."}, {"name": "Bob", "message": "Fruit for me."}]`),
	})
	ctx := context.Background()

	msgs, err := f.orch.RunCycle(ctx, f.sim.ID, "What do you think about TikTok?")
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("persisted %d messages, want 3", len(msgs))
	}
	if msgs[0].SenderType != types.SenderModerator || msgs[0].Message != "What do you think about TikTok?" {
		t.Errorf("first message = %+v, want the moderator utterance", msgs[0])
	}
	for i, m := range msgs {
		if m.TurnNumber != i+1 {
			t.Errorf("message %d turn = %d, want %d", i, m.TurnNumber, i+1)
		}
	}
	for _, m := range msgs[1:] {
		if m.SenderType != types.SenderParticipant {
			t.Errorf("message %d sender_type = %s, want participant", m.TurnNumber, m.SenderType)
		}
		if m.SenderID != f.personas[0].ID && m.SenderID != f.personas[1].ID {
			t.Errorf("message %d sender_id %q not in roster", m.TurnNumber, m.SenderID)
		}
	}

	sim, _ := f.store.GetSimulation(ctx, f.sim.ID)
	if sim.Status != types.StatusRunning {
		t.Errorf("status = %s, want Running", sim.Status)
	}

	// Actual usage was reconciled against the balance.
	b, err := f.meter.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance error: %v", err)
	}
	if b >= 100 {
		t.Errorf("balance = %v, want < 100 after billed cycle", b)
	}
}

func TestRunCycleInsufficientCredits(t *testing.T) {
	f := newFixture(t, 5, []gateway.Completion{
		reply(`[{"name": "Alice", "message": "Never reached."}]`),
	})
	f.completer.model = "gpt-4.1"
	ctx := context.Background()

	// 9000 prompt tokens of gpt-4.1 estimate well past 5 credits.
	long := strings.Repeat("snack ", 9000)
	_, err := f.orch.RunCycle(ctx, f.sim.ID, long)
	if !errors.Is(err, types.ErrInsufficientCredits) {
		t.Fatalf("RunCycle error = %v, want ErrInsufficientCredits", err)
	}

	b, _ := f.meter.Balance(ctx, "u1")
	if b != 5 {
		t.Errorf("balance = %v, want 5 untouched", b)
	}
	msgs, _ := f.store.ListMessages(ctx, f.sim.ID)
	if len(msgs) != 0 {
		t.Errorf("transcript has %d messages, want 0", len(msgs))
	}
	if f.completer.callCount() != 0 {
		t.Errorf("model called %d times, want 0", f.completer.callCount())
	}
}

func TestRunCycleParseRetrySucceeds(t *testing.T) {
	f := newFixture(t, 100, []gateway.Completion{
		reply("I think the participants would say interesting things!"),
		reply(`[{"name": "Alice", "message": "One."}, {"name": "Bob", "message": "Two."}, {"name": "Alice", "message": "Three."}]`),
	})
	ctx := context.Background()

	msgs, err := f.orch.RunCycle(ctx, f.sim.ID, "Opening question?")
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("persisted %d messages, want moderator + 3", len(msgs))
	}
	if f.completer.callCount() != 2 {
		t.Errorf("model called %d times, want 2", f.completer.callCount())
	}
	for _, m := range msgs {
		if strings.Contains(m.Message, "interesting things") {
			t.Error("artifact of the failed first attempt was persisted")
		}
	}

	// The failed reply goes back up as an assistant turn, not folded
	// into the user text.
	retry := f.completer.sentSegments(1)
	var assistant bool
	for _, s := range retry {
		if s.Role == prompt.RoleAssistant && strings.Contains(s.Content, "interesting things") {
			assistant = true
		}
		if s.Role != prompt.RoleAssistant && strings.Contains(s.Content, "interesting things") {
			t.Errorf("failed reply leaked into a %s segment", s.Role)
		}
	}
	if !assistant {
		t.Error("retry prompt is missing the failed reply as an assistant segment")
	}
}

func TestRunCycleParseFailureTwicePersistsNothing(t *testing.T) {
	f := newFixture(t, 100, []gateway.Completion{
		reply("not json"),
		reply("still not json"),
	})
	ctx := context.Background()

	_, err := f.orch.RunCycle(ctx, f.sim.ID, "Question?")
	var perr *types.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("RunCycle error = %v, want ParseError", err)
	}
	if perr.Attempts != 2 {
		t.Errorf("ParseError.Attempts = %d, want 2", perr.Attempts)
	}

	msgs, _ := f.store.ListMessages(ctx, f.sim.ID)
	if len(msgs) != 0 {
		t.Errorf("transcript has %d messages, want 0", len(msgs))
	}
	// Both attempts consumed tokens, so the balance still moved.
	b, _ := f.meter.Balance(ctx, "u1")
	if b >= 100 {
		t.Errorf("balance = %v, want < 100 after consumed attempts", b)
	}
}

func TestRunCycleUnknownSpeakerFailsWhole(t *testing.T) {
	f := newFixture(t, 100, []gateway.Completion{
		reply(`[{"name": "Alice", "message": "Fine."}, {"name": "Zed", "message": "Who am I?"}]`),
	})
	ctx := context.Background()

	_, err := f.orch.RunCycle(ctx, f.sim.ID, "Question?")
	var uerr *types.UnknownSpeakerError
	if !errors.As(err, &uerr) {
		t.Fatalf("RunCycle error = %v, want UnknownSpeakerError", err)
	}
	if uerr.Name != "Zed" {
		t.Errorf("unknown speaker = %q, want Zed", uerr.Name)
	}
	msgs, _ := f.store.ListMessages(ctx, f.sim.ID)
	if len(msgs) != 0 {
		t.Errorf("transcript has %d messages, want 0", len(msgs))
	}
}

func TestRunCycleDropsModeratorEntry(t *testing.T) {
	f := newFixture(t, 100, []gateway.Completion{
		reply(`[{"name": "Moderator", "message": "Let me answer my own question."}, {"name": "Alice", "message": "Crisps."}]`),
	})
	ctx := context.Background()

	msgs, err := f.orch.RunCycle(ctx, f.sim.ID, "Question?")
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want moderator + 1 participant", len(msgs))
	}
	if msgs[1].Message != "Crisps." {
		t.Errorf("kept message = %q", msgs[1].Message)
	}
}

func TestContinuationHistoryKeepsRoles(t *testing.T) {
	f := newFixture(t, 100, []gateway.Completion{
		reply(`[{"name": "Alice", "message": "Crisps."}]`),
		reply(`[{"name": "Bob", "message": "Fruit."}]`),
	})
	ctx := context.Background()

	if _, err := f.orch.RunCycle(ctx, f.sim.ID, "Q1?"); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if _, err := f.orch.RunCycle(ctx, f.sim.ID, "Q2?"); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	// The second cycle's prompt carries the transcript as separate
	// role-tagged segments: moderator turns as user, participants as
	// assistant.
	sent := f.completer.sentSegments(1)
	var sawModerator, sawParticipant bool
	for _, s := range sent {
		switch {
		case s.Content == "Moderator: Q1?":
			sawModerator = true
			if s.Role != prompt.RoleUser {
				t.Errorf("moderator history sent as %s, want user", s.Role)
			}
		case s.Content == "Alice: Crisps.":
			sawParticipant = true
			if s.Role != prompt.RoleAssistant {
				t.Errorf("participant history sent as %s, want assistant", s.Role)
			}
		case s.Role == prompt.RoleUser && strings.Contains(s.Content, "Alice: Crisps."):
			t.Error("participant history folded into a user segment")
		}
	}
	if !sawModerator || !sawParticipant {
		t.Errorf("history segments missing from prompt: moderator=%v participant=%v", sawModerator, sawParticipant)
	}
	if last := sent[len(sent)-1]; last.Role != prompt.RoleUser || last.Content != "Moderator: Q2?" {
		t.Errorf("final segment = %+v, want the new moderator question as user", last)
	}
}

func TestRunCycleModeratorOnlyReplyRetried(t *testing.T) {
	f := newFixture(t, 100, []gateway.Completion{
		reply(`[{"name": "Moderator", "message": "Answering my own question."}]`),
		reply(`[{"name": "Alice", "message": "Crisps."}, {"name": "Bob", "message": "Fruit."}]`),
	})
	ctx := context.Background()

	msgs, err := f.orch.RunCycle(ctx, f.sim.ID, "Question?")
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if f.completer.callCount() != 2 {
		t.Errorf("model called %d times, want 2", f.completer.callCount())
	}
	if len(msgs) != 3 {
		t.Fatalf("persisted %d messages, want moderator + 2 participants", len(msgs))
	}
	for _, m := range msgs[1:] {
		if m.SenderType != types.SenderParticipant {
			t.Errorf("message %q sender = %s, want participant", m.Message, m.SenderType)
		}
	}
}

func TestRunCycleModeratorOnlyReplyTwiceFails(t *testing.T) {
	f := newFixture(t, 100, []gateway.Completion{
		reply(`[{"name": "Moderator", "message": "Me again."}]`),
		reply(`[{"name": "Moderator", "message": "Still me."}]`),
	})
	ctx := context.Background()

	_, err := f.orch.RunCycle(ctx, f.sim.ID, "Question?")
	var perr *types.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("RunCycle error = %v, want ParseError", err)
	}
	if perr.Attempts != 2 || !strings.Contains(perr.Reason, "no participant responses") {
		t.Errorf("ParseError = %+v, want attempts=2 and a no-participant reason", perr)
	}
	msgs, _ := f.store.ListMessages(ctx, f.sim.ID)
	if len(msgs) != 0 {
		t.Errorf("transcript has %d messages, want 0", len(msgs))
	}
}

func TestRunCycleCompletedRejected(t *testing.T) {
	f := newFixture(t, 100, nil)
	ctx := context.Background()

	if err := f.store.UpdateStatus(ctx, f.sim.ID, types.StatusCompleted); err != nil {
		t.Fatalf("UpdateStatus error: %v", err)
	}
	_, err := f.orch.RunCycle(ctx, f.sim.ID, "Anyone there?")
	if !errors.Is(err, types.ErrSimulationCompleted) {
		t.Errorf("RunCycle on completed simulation error = %v, want ErrSimulationCompleted", err)
	}
}

func TestRunCycleReachesCompletion(t *testing.T) {
	f := newFixture(t, 100, []gateway.Completion{
		reply(`[{"name": "Alice", "message": "A."}, {"name": "Bob", "message": "B."}, {"name": "Alice", "message": "C."}]`),
	})
	ctx := context.Background()

	// Lower the target so one cycle crosses it.
	sim, err := f.store.CreateSimulation(ctx, &types.Simulation{
		UserID:     "u1",
		StudyTitle: "Short study",
		NumTurns:   3,
	}, []types.Persona{{Name: "Alice"}, {Name: "Bob"}})
	if err != nil {
		t.Fatalf("creating simulation: %v", err)
	}

	msgs, err := f.orch.RunCycle(ctx, sim.ID, "Only question?")
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("persisted %d messages, want 4", len(msgs))
	}
	got, _ := f.store.GetSimulation(ctx, sim.ID)
	if got.Status != types.StatusCompleted {
		t.Errorf("status = %s, want Completed", got.Status)
	}
}

func TestConcurrentCyclesSerialized(t *testing.T) {
	f := newFixture(t, 100, []gateway.Completion{
		reply(`[{"name": "Alice", "message": "First reply."}]`),
		reply(`[{"name": "Bob", "message": "Second reply."}]`),
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orch.RunCycle(ctx, f.sim.ID, "Question?")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("cycle %d error: %v", i, err)
		}
	}
	msgs, err := f.store.ListMessages(ctx, f.sim.ID)
	if err != nil {
		t.Fatalf("ListMessages error: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("transcript has %d messages, want 4", len(msgs))
	}
	for i, m := range msgs {
		if m.TurnNumber != i+1 {
			t.Errorf("turn %d out of order: %d", i, m.TurnNumber)
		}
	}
}

func TestAutoOpenEmptyModeratorMessage(t *testing.T) {
	f := newFixture(t, 100, []gateway.Completion{
		reply(`[{"name": "Moderator", "message": "Welcome, everyone."}, {"name": "Alice", "message": "Glad to be here."}]`),
	})
	ctx := context.Background()

	msgs, err := f.orch.RunCycle(ctx, f.sim.ID, "")
	if err != nil {
		t.Fatalf("auto-open RunCycle error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].SenderType != types.SenderModerator || msgs[0].SenderID != "" {
		t.Errorf("opening message = %+v, want moderator with null sender", msgs[0])
	}

	// A second empty message is rejected once history exists.
	_, err = f.orch.RunCycle(ctx, f.sim.ID, "")
	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("empty moderator message mid-conversation error = %v, want ValidationError", err)
	}
}

func TestRunAllDrivesToCompletion(t *testing.T) {
	f := newFixture(t, 100, []gateway.Completion{
		reply(`[{"name": "Moderator", "message": "Welcome."}, {"name": "Alice", "message": "Hello."}]`),
		reply(`[{"name": "Moderator", "message": "Next question."}, {"name": "Bob", "message": "Sure."}]`),
	})
	ctx := context.Background()

	sim, err := f.store.CreateSimulation(ctx, &types.Simulation{
		UserID:     "u1",
		StudyTitle: "Auto study",
		Mode:       types.ModeAIBoth,
		NumTurns:   4,
	}, []types.Persona{{Name: "Alice"}, {Name: "Bob"}})
	if err != nil {
		t.Fatalf("creating simulation: %v", err)
	}

	if err := f.orch.RunAll(ctx, sim.ID); err != nil {
		t.Fatalf("RunAll error: %v", err)
	}
	got, _ := f.store.GetSimulation(ctx, sim.ID)
	if got.Status != types.StatusCompleted {
		t.Errorf("status = %s, want Completed", got.Status)
	}
	msgs, _ := f.store.ListMessages(ctx, sim.ID)
	if len(msgs) != 4 {
		t.Errorf("transcript has %d messages, want 4", len(msgs))
	}
}

func TestSummarize(t *testing.T) {
	f := newFixture(t, 100, []gateway.Completion{
		reply(`[{"name": "Alice", "message": "A."}, {"name": "Bob", "message": "B."}]`),
		reply(`{"summary": ["People snack in the afternoon.", "Price drives switching."], "themes": ["Pricing", "Habits", "Health", "Brands"]}`),
	})
	ctx := context.Background()

	sim, err := f.store.CreateSimulation(ctx, &types.Simulation{
		UserID:     "u1",
		StudyTitle: "Short study",
		NumTurns:   3,
	}, []types.Persona{{Name: "Alice"}, {Name: "Bob"}})
	if err != nil {
		t.Fatalf("creating simulation: %v", err)
	}

	// Summarizing before completion is rejected.
	if _, err := f.orch.Summarize(ctx, sim.ID); err == nil {
		t.Error("Summarize on a draft succeeded, want error")
	}

	if _, err := f.orch.RunCycle(ctx, sim.ID, "Only question?"); err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	sum, err := f.orch.Summarize(ctx, sim.ID)
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if len(sum.Bullets) != 2 || len(sum.Themes) != 4 {
		t.Errorf("summary = %+v", sum)
	}
}
