package credit

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Ledger is the persistent credit balance store. Withdraw must be
// atomic and fail with types.ErrInsufficientCredits when the balance
// cannot cover the amount; WithdrawUpTo clamps at zero instead of
// failing. All methods return the resulting balance.
type Ledger interface {
	Balance(ctx context.Context, userID string) (float64, error)
	Withdraw(ctx context.Context, userID string, amount float64) (float64, error)
	WithdrawUpTo(ctx context.Context, userID string, amount float64) (float64, error)
	Deposit(ctx context.Context, userID string, amount float64) (float64, error)
}

// Estimate is a pre-call cost projection for a prompt.
type Estimate struct {
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Credits      float64 `json:"credits"`
}

// Hold is a reservation taken against a user's balance before an
// upstream call. Exactly one of Reconcile or Release settles it.
type Hold struct {
	UserID   string
	Model    string
	Reserved float64

	settled bool
}

// Meter prices model usage and enforces the reserve-then-reconcile
// billing cycle. Per-user mutexes serialize the read-check-write
// sequence; the ledger's conditional updates are the backstop against
// writers outside this process.
type Meter struct {
	rates          RateTable
	counter        Counter
	ledger         Ledger
	expectedOutput int
	log            *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMeter builds a meter. expectedOutput is the output token count
// assumed by estimates when the caller has no better number.
func NewMeter(rates RateTable, counter Counter, ledger Ledger, expectedOutput int, log *zap.Logger) *Meter {
	if expectedOutput <= 0 {
		expectedOutput = 400
	}
	return &Meter{
		rates:          rates,
		counter:        counter,
		ledger:         ledger,
		expectedOutput: expectedOutput,
		log:            log,
		locks:          make(map[string]*sync.Mutex),
	}
}

func (m *Meter) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

// Price converts actual token usage into credits for model.
func (m *Meter) Price(model string, inputTokens, outputTokens int) (float64, error) {
	rate, err := m.rates.Lookup(model)
	if err != nil {
		return 0, err
	}
	return rate.Price(inputTokens, outputTokens), nil
}

// EstimateText prices a prompt before sending it. The input side is
// tokenized exactly; the output side uses expectedOutputTokens, or
// the meter default when it is zero or negative. For a fixed prompt
// the estimate never shrinks as expected output grows.
func (m *Meter) EstimateText(model, input string, expectedOutputTokens int) (Estimate, error) {
	rate, err := m.rates.Lookup(model)
	if err != nil {
		return Estimate{}, err
	}
	inTokens, err := m.counter.Count(model, input)
	if err != nil {
		return Estimate{}, fmt.Errorf("counting input tokens: %w", err)
	}
	outTokens := expectedOutputTokens
	if outTokens <= 0 {
		outTokens = m.expectedOutput
	}
	return Estimate{
		Model:        model,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		Credits:      rate.Price(inTokens, outTokens),
	}, nil
}

// Authorize reserves est.Credits against userID's balance. It fails
// with types.ErrInsufficientCredits without touching the balance when
// the reservation cannot be covered.
func (m *Meter) Authorize(ctx context.Context, userID string, est Estimate) (*Hold, error) {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()

	balance, err := m.ledger.Withdraw(ctx, userID, est.Credits)
	if err != nil {
		return nil, err
	}
	m.log.Debug("credit hold taken",
		zap.String("user_id", userID),
		zap.String("model", est.Model),
		zap.Float64("reserved", est.Credits),
		zap.Float64("balance", balance))
	return &Hold{UserID: userID, Model: est.Model, Reserved: est.Credits}, nil
}

// Reconcile settles a hold against the provider-reported token usage.
// Overestimates are refunded; underestimates charge the shortfall,
// clamped so the balance never goes below zero. Returns the resulting
// balance.
func (m *Meter) Reconcile(ctx context.Context, hold *Hold, inputTokens, outputTokens int) (float64, error) {
	if hold.settled {
		return 0, fmt.Errorf("hold for user %s already settled", hold.UserID)
	}
	actual, err := m.Price(hold.Model, inputTokens, outputTokens)
	if err != nil {
		return 0, err
	}

	l := m.userLock(hold.UserID)
	l.Lock()
	defer l.Unlock()

	var balance float64
	delta := actual - hold.Reserved
	switch {
	case delta < 0:
		balance, err = m.ledger.Deposit(ctx, hold.UserID, -delta)
	case delta > 0:
		balance, err = m.ledger.WithdrawUpTo(ctx, hold.UserID, delta)
	default:
		balance, err = m.ledger.Balance(ctx, hold.UserID)
	}
	if err != nil {
		return 0, err
	}
	hold.settled = true
	m.log.Debug("credit hold settled",
		zap.String("user_id", hold.UserID),
		zap.Float64("reserved", hold.Reserved),
		zap.Float64("actual", actual),
		zap.Float64("balance", balance))
	return balance, nil
}

// Release returns the full reservation to the user. Used when the
// cycle aborts before anything was sent upstream.
func (m *Meter) Release(ctx context.Context, hold *Hold) error {
	if hold.settled {
		return nil
	}
	l := m.userLock(hold.UserID)
	l.Lock()
	defer l.Unlock()

	if _, err := m.ledger.Deposit(ctx, hold.UserID, hold.Reserved); err != nil {
		return err
	}
	hold.settled = true
	return nil
}

// Deduct charges userID for already-measured usage in one step, with
// no prior hold. It fails with types.ErrInsufficientCredits when the
// balance cannot cover the charge. Returns the resulting balance.
func (m *Meter) Deduct(ctx context.Context, userID, model string, inputTokens, outputTokens int) (float64, error) {
	cost, err := m.Price(model, inputTokens, outputTokens)
	if err != nil {
		return 0, err
	}
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return m.ledger.Withdraw(ctx, userID, cost)
}

// Balance reports userID's current balance.
func (m *Meter) Balance(ctx context.Context, userID string) (float64, error) {
	return m.ledger.Balance(ctx, userID)
}

// Rates exposes the meter's price table.
func (m *Meter) Rates() RateTable {
	return m.rates
}
