// Package engine is the settlement core: it owns every market aggregate and
// the collateral ledger, prices trades through the AMM, and drives the
// propose/challenge/finalize resolution protocol.
//
// Every mutating operation builds one domain.Event describing the resulting
// state, appends it to the journal, and only then installs it in memory.
// Replaying the journal through the same install path rebuilds the engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/ledger"
)

// Version is reported by the version view.
const Version = "1.2.0"

// Config holds the economic and timing parameters of the engine.
type Config struct {
	FeeBps          int64
	ProposalBond    *big.Int
	ChallengeBond   *big.Int
	ChallengeWindow time.Duration
	AutoVoidWindow  time.Duration
	MinLiquidity    *big.Int
	LiquidityFloor  *big.Int
	OracleTimeout   time.Duration
	Admin           common.Address
	TreasuryAddress common.Address
}

// DefaultConfig returns the production parameters: 2% fee, 5/10 unit bonds,
// a 24h challenge window and a 7 day auto-void window.
func DefaultConfig() Config {
	return Config{
		FeeBps:          200,
		ProposalBond:    domain.Units(5),
		ChallengeBond:   domain.Units(10),
		ChallengeWindow: 24 * time.Hour,
		AutoVoidWindow:  7 * 24 * time.Hour,
		MinLiquidity:    domain.Units(10),
		LiquidityFloor:  domain.Unit(),
		OracleTimeout:   10 * time.Second,
	}
}

// Validate checks the parameters for internal consistency.
func (c Config) Validate() error {
	switch {
	case c.FeeBps < 0 || c.FeeBps >= 10_000:
		return fmt.Errorf("engine: fee_bps %d out of range [0, 10000)", c.FeeBps)
	case !domain.IsPositive(c.ProposalBond):
		return errors.New("engine: proposal bond must be positive")
	case c.ChallengeBond == nil || c.ChallengeBond.Cmp(c.ProposalBond) <= 0:
		return errors.New("engine: challenge bond must exceed the proposal bond")
	case c.ChallengeWindow <= 0:
		return errors.New("engine: challenge window must be positive")
	case c.AutoVoidWindow < c.ChallengeWindow:
		return errors.New("engine: auto-void window must not be shorter than the challenge window")
	case !domain.IsPositive(c.LiquidityFloor):
		return errors.New("engine: liquidity floor must be positive")
	case c.MinLiquidity == nil || c.MinLiquidity.Cmp(c.LiquidityFloor) <= 0:
		return errors.New("engine: minimum liquidity must exceed the liquidity floor")
	case c.OracleTimeout <= 0:
		return errors.New("engine: oracle timeout must be positive")
	}
	return nil
}

// Publisher receives committed events for the change feed. Publish must not
// block; the engine never waits for the indexer.
type Publisher interface {
	Publish(ctx context.Context, events []domain.Event)
}

// Deps are the collaborators of the engine. Feed and Publisher are optional.
type Deps struct {
	Journal   domain.Journal
	Feed      domain.PriceFeed
	Clock     domain.Clock
	Publisher Publisher
	Logger    *slog.Logger
}

type marketSlot struct {
	mu sync.Mutex
	m  *domain.Market
}

// Engine is safe for concurrent use. Lock order: state (shared) → one market
// slot → ledger accounts → treasury → walMu. mu guards the market index and is never
// held while acquiring another lock.
type Engine struct {
	cfg       Config
	journal   domain.Journal
	feed      domain.PriceFeed
	clock     domain.Clock
	publisher Publisher
	logger    *slog.Logger
	sanitizer *bluemonday.Policy

	state    sync.RWMutex
	createMu sync.Mutex

	mu      sync.RWMutex
	markets map[uint64]*marketSlot
	nextID  uint64

	ledger *ledger.Ledger

	// walMu serializes sequence assignment with the journal append so the
	// journal is written in seq order without gaps.
	walMu sync.Mutex
	seq   atomic.Uint64

	flowMu  sync.Mutex
	netFlow *big.Int
}

// New creates an empty engine. Call Replay before serving traffic when the
// journal is not empty.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Journal == nil {
		return nil, errors.New("engine: journal is required")
	}
	if deps.Clock == nil {
		deps.Clock = domain.NewMonotonicClock(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		journal:   deps.Journal,
		feed:      deps.Feed,
		clock:     deps.Clock,
		publisher: deps.Publisher,
		logger:    deps.Logger.With(slog.String("component", "engine")),
		sanitizer: bluemonday.StrictPolicy(),
		markets:   make(map[uint64]*marketSlot),
		nextID:    1,
		ledger:    ledger.New(),
		netFlow:   new(big.Int),
	}, nil
}

// Config returns the engine parameters.
func (e *Engine) Config() Config { return e.cfg }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

func (e *Engine) slot(id uint64) (*marketSlot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.markets[id]
	return s, ok
}

// lockMarket takes the shared state lock and the market's mutex. The returned
// function releases both.
func (e *Engine) lockMarket(op string, id uint64) (*marketSlot, func(), error) {
	e.state.RLock()
	s, ok := e.slot(id)
	if !ok {
		e.state.RUnlock()
		return nil, nil, fail(op, domain.ErrMarketNotFound, "market_id", fmt.Sprint(id))
	}
	s.mu.Lock()
	return s, func() {
		s.mu.Unlock()
		e.state.RUnlock()
	}, nil
}

// commit journals ev and installs it. The ledger moves in ev are checked and
// applied atomically with the install; on any failure nothing changes.
func (e *Engine) commit(ctx context.Context, op string, s *marketSlot, ev *domain.Event) error {
	ev.ID = uuid.New()
	if ev.At.IsZero() {
		ev.At = e.clock.Now()
	}
	err := e.ledger.Transact(ev.Moves, func() error {
		e.walMu.Lock()
		defer e.walMu.Unlock()
		ev.Seq = e.seq.Load() + 1
		if err := e.journal.Append(ctx, []domain.Event{*ev}); err != nil {
			e.logger.ErrorContext(ctx, "engine: journal append failed",
				slog.String("op", op),
				slog.String("error", err.Error()),
			)
			return fail(op, domain.ErrStorageUnavailable, "cause", err.Error())
		}
		e.seq.Store(ev.Seq)
		e.install(s, ev)
		return nil
	})
	if err != nil {
		return relabel(op, err)
	}
	if e.publisher != nil {
		e.publisher.Publish(ctx, []domain.Event{*ev})
	}
	return nil
}

// install applies a committed event to in-memory state. It is the only
// writer of market slots and is shared by live operations and replay.
func (e *Engine) install(s *marketSlot, ev *domain.Event) {
	switch ev.Type {
	case domain.EventDeposited:
		e.addFlow(ev.Amount)
	case domain.EventWithdrawn:
		e.addFlow(new(big.Int).Neg(ev.Amount))
	}
	if ev.Market == nil || s == nil {
		return
	}

	var positions map[common.Address]*domain.Position
	if s.m != nil {
		positions = s.m.Positions
	}
	if positions == nil {
		positions = make(map[common.Address]*domain.Position)
	}
	m := ev.Market.CloneHeader()
	m.Positions = positions
	for _, p := range ev.Positions {
		positions[p.Participant] = p.Clone()
	}
	s.m = m

	if ev.Type == domain.EventMarketCreated {
		e.mu.Lock()
		e.markets[m.ID] = s
		if m.ID >= e.nextID {
			e.nextID = m.ID + 1
		}
		e.mu.Unlock()
	}
}

func (e *Engine) addFlow(delta *big.Int) {
	if delta == nil {
		return
	}
	e.flowMu.Lock()
	e.netFlow.Add(e.netFlow, delta)
	e.flowMu.Unlock()
}

// invariantViolation logs and returns an unrecoverable consistency failure.
// The caller aborts before commit.
func (e *Engine) invariantViolation(ctx context.Context, op string, marketID uint64, what string) error {
	e.logger.ErrorContext(ctx, "engine: invariant violation",
		slog.String("op", op),
		slog.Uint64("market_id", marketID),
		slog.String("invariant", what),
	)
	return fail(op, domain.ErrInvariantViolation, "invariant", what, "market_id", fmt.Sprint(marketID))
}

func fail(op string, sentinel error, kv ...string) error {
	return domain.NewError(op, sentinel, kv...)
}

// relabel attributes a lower-level engine error to op.
func relabel(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) && de.Op != op {
		c := *de
		c.Op = op
		return &c
	}
	return err
}

func requireParticipant(op string, p common.Address) error {
	if p == (common.Address{}) {
		return fail(op, domain.ErrInvalidInput, "field", "participant")
	}
	return nil
}

func requireAmount(op, field string, a *big.Int) error {
	if !domain.IsPositive(a) {
		return fail(op, domain.ErrInvalidAmount, "field", field)
	}
	return nil
}

func requireSide(op string, s domain.Side) error {
	if s != domain.SideYes && s != domain.SideNo {
		return fail(op, domain.ErrInvalidInput, "field", "side")
	}
	return nil
}
