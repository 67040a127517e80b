package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"ledger_books/internal/actionlog"
	"ledger_books/internal/audit"
	"ledger_books/internal/metrics"
	"ledger_books/internal/models"
	"ledger_books/internal/orderbook"
	"ledger_books/internal/ws"
)

const (
	DefaultWarmUp             = 2 * time.Second
	DefaultMaxConcurrentLoads = 16
	DefaultResyncAttempts     = 5
)

var (
	ErrNotReady       = errors.New("book not ready")
	ErrContractFailed = errors.New("contract failed")
)

// Transport is the bidirectional message stream the controller listens on.
type Transport interface {
	Start(ctx context.Context, h ws.Handler) error
	Stop() error
}

// SnapshotSource fetches the contract directory and book-state snapshots.
type SnapshotSource interface {
	ListActiveContracts(ctx context.Context) ([]models.Contract, error)
	RetrieveContract(ctx context.Context, contractID int64) (models.Contract, error)
	GetBookState(ctx context.Context, contractID int64) (models.BookState, error)
}

// BookFunc receives a private copy of a book after every successful update,
// in clock order per contract. It is called with the controller lock held:
// it must not block or call back into the Controller.
type BookFunc func(*orderbook.Book)

type Config struct {
	Contracts          []int64
	All                bool
	WarmUp             time.Duration
	WaitForHeartbeat   bool
	LogCapacity        int
	MaxConcurrentLoads int
	AutoResync         bool
	ResyncAttempts     int
	// Audit receives integrity events; nil disables it.
	Audit *audit.Log
	// OnSnapshot is called once per startup snapshot load, from the loading
	// goroutine, with the load error if any.
	OnSnapshot func(contractID int64, err error)
}

// Controller keeps one order book per subscribed contract in step with the
// action report stream. Books are only mutated while mu is held; callers
// outside the package only ever see clones.
type Controller struct {
	cfg       Config
	transport Transport
	source    SnapshotSource
	onBook    BookFunc
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu            sync.Mutex
	subscribed    map[int64]struct{}
	directory     map[int64]models.Contract
	books         map[int64]*orderbook.Book
	logs          map[int64]*actionlog.Log
	states        map[int64]State
	resyncing     map[int64]bool
	lastHeartbeat int64
	runID         int64

	firstHeartbeat chan struct{}
	heartbeatOnce  sync.Once

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, transport Transport, source SnapshotSource, onBook BookFunc, logger zerolog.Logger, m *metrics.Metrics) *Controller {
	if cfg.WarmUp < 0 {
		cfg.WarmUp = 0
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = actionlog.DefaultCapacity
	}
	if cfg.MaxConcurrentLoads <= 0 {
		cfg.MaxConcurrentLoads = DefaultMaxConcurrentLoads
	}
	if cfg.ResyncAttempts <= 0 {
		cfg.ResyncAttempts = DefaultResyncAttempts
	}
	if onBook == nil {
		onBook = func(*orderbook.Book) {}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:            cfg,
		transport:      transport,
		source:         source,
		onBook:         onBook,
		logger:         logger.With().Str("component", "feed").Logger(),
		metrics:        m,
		subscribed:     make(map[int64]struct{}),
		directory:      make(map[int64]models.Contract),
		books:          make(map[int64]*orderbook.Book),
		logs:           make(map[int64]*actionlog.Log),
		states:         make(map[int64]State),
		resyncing:      make(map[int64]bool),
		firstHeartbeat: make(chan struct{}),
		runCtx:         runCtx,
		runCancel:      cancel,
	}
	for _, id := range cfg.Contracts {
		c.subscribeLocked(id)
	}
	return c
}

// Start opens the transport, loads the contract directory, waits out the
// warm-up and then loads one snapshot per subscribed contract. It returns
// once every load has finished; the error joins the per-contract failures
// while the other contracts are already live.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.transport.Start(ctx, c); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	dirErr := make(chan error, 1)
	go func() { dirErr <- c.loadDirectory(ctx) }()

	if err := c.warmUp(ctx); err != nil {
		return err
	}
	if err := <-dirErr; err != nil {
		if c.cfg.All {
			return fmt.Errorf("load contract directory: %w", err)
		}
		c.logger.Warn().Err(err).Msg("contract directory unavailable, continuing with subscribed ids")
	}

	ids := c.Contracts()
	c.logger.Info().Int("contracts", len(ids)).Msg("loading book snapshots")

	p := pool.New().WithMaxGoroutines(c.cfg.MaxConcurrentLoads).WithErrors()
	for _, id := range ids {
		p.Go(func() error {
			err := c.LoadSnapshot(ctx, id)
			if c.cfg.OnSnapshot != nil {
				c.cfg.OnSnapshot(id, err)
			}
			return err
		})
	}
	return p.Wait()
}

// Stop closes the transport and waits for background resyncs to exit.
func (c *Controller) Stop() error {
	// cancel under mu so failLocked never starts a resync after Wait
	c.mu.Lock()
	c.runCancel()
	c.mu.Unlock()
	err := c.transport.Stop()
	c.wg.Wait()
	return err
}

func (c *Controller) warmUp(ctx context.Context) error {
	if c.cfg.WarmUp == 0 {
		return nil
	}
	timer := time.NewTimer(c.cfg.WarmUp)
	defer timer.Stop()

	var heartbeat <-chan struct{}
	if c.cfg.WaitForHeartbeat {
		heartbeat = c.firstHeartbeat
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if c.cfg.WaitForHeartbeat {
			c.logger.Warn().Dur("warm_up", c.cfg.WarmUp).Msg("no heartbeat before warm-up elapsed")
		}
	case <-heartbeat:
	}
	return nil
}

func (c *Controller) loadDirectory(ctx context.Context) error {
	contracts, err := c.source.ListActiveContracts(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ct := range contracts {
		c.directory[ct.ID] = ct
		if c.cfg.All {
			c.subscribeLocked(ct.ID)
		}
	}
	c.logger.Info().Int("active", len(contracts)).Msg("contract directory loaded")
	return nil
}

func (c *Controller) subscribeLocked(id int64) {
	if _, ok := c.subscribed[id]; ok {
		return
	}
	c.subscribed[id] = struct{}{}
	c.logs[id] = actionlog.New(c.cfg.LogCapacity)
	c.states[id] = StateUnloaded
}

// LoadSnapshot fetches the book state for contractID and installs a fresh
// book built from it. Failures are returned, never retried here.
func (c *Controller) LoadSnapshot(ctx context.Context, contractID int64) error {
	return c.loadSnapshot(ctx, contractID, StateLoading)
}

func (c *Controller) loadSnapshot(ctx context.Context, contractID int64, during State) error {
	c.mu.Lock()
	if _, ok := c.subscribed[contractID]; !ok {
		c.subscribeLocked(contractID)
	}
	c.setStateLocked(contractID, during)
	c.mu.Unlock()

	info := c.contractInfo(ctx, contractID)
	state, err := c.source.GetBookState(ctx, contractID)
	if err != nil {
		c.metrics.SnapshotLoad("error")
		err = fmt.Errorf("load snapshot for contract %d: %w", contractID, err)
		c.mu.Lock()
		if during == StateLoading {
			c.failLocked(contractID, err)
		} else {
			c.setStateLocked(contractID, StateFailed)
		}
		c.mu.Unlock()
		return err
	}

	book := orderbook.New(contractID, state.Clock, orderbook.EntriesFromState(state.BookStates), info)
	if err := c.install(book, during); err != nil {
		c.metrics.SnapshotLoad("error")
		return err
	}
	c.metrics.SnapshotLoad("ok")
	return nil
}

// install swaps in a freshly built book, catches it up from whatever the
// action report log collected while the snapshot was in flight and hands a
// copy to the consumer. The copy is delivered under mu so it cannot
// overtake a later report's copy.
func (c *Controller) install(book *orderbook.Book, during State) error {
	id := book.ContractID()
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.books[id]; ok && book.Clock() < old.Clock() {
		c.setStateLocked(id, StateFailed)
		return fmt.Errorf("%w: contract %d snapshot clock %d behind book clock %d",
			ErrContractFailed, id, book.Clock(), old.Clock())
	}
	snapClock := book.Clock()
	c.books[id] = book
	if err := c.catchUpLocked(book); err != nil {
		err = fmt.Errorf("%w: contract %d catch-up from snapshot clock %d: %w", ErrContractFailed, id, snapClock, err)
		c.failLocked(id, err)
		return err
	}
	c.setStateLocked(id, StateLive)
	c.metrics.BookClock(id, book.Clock())

	c.logger.Info().
		Int64("contract_id", id).
		Uint64("snapshot_clock", snapClock).
		Uint64("clock", book.Clock()).
		Int("orders", book.OrderCount()).
		Int("levels", book.Len()).
		Msg("book snapshot installed")
	c.cfg.Audit.Record(audit.EventSnapshotInstalled, id, map[string]any{
		"snapshot_clock": snapClock,
		"clock":          book.Clock(),
		"orders":         book.OrderCount(),
		"levels":         book.Len(),
		"resync":         during == StateRepairing,
	})
	c.onBook(book.Clone())
	return nil
}

// catchUpLocked replays logged reports newer than the snapshot. A gap or a
// failed mutation leaves the book untrusted.
func (c *Controller) catchUpLocked(book *orderbook.Book) error {
	log := c.logs[book.ContractID()]
	if log == nil {
		return nil
	}
	var target uint64
	for _, r := range log.Reports() {
		if r.Clock > target {
			target = r.Clock
		}
	}
	if target <= book.Clock() {
		return nil
	}
	n, err := log.ReplayUpTo(book, target, c.applyActionReport)
	if n > 0 {
		c.metrics.Report("replayed")
	}
	if errors.Is(err, actionlog.ErrGapUnrecoverable) {
		c.metrics.GapFailure()
	}
	return err
}

func (c *Controller) contractInfo(ctx context.Context, id int64) models.Contract {
	c.mu.Lock()
	info, ok := c.directory[id]
	c.mu.Unlock()
	if ok {
		return info
	}
	info, err := c.source.RetrieveContract(ctx, id)
	if err != nil {
		c.logger.Warn().Err(err).Int64("contract_id", id).Msg("contract metadata unavailable")
		return models.Contract{ID: id}
	}
	c.mu.Lock()
	c.directory[id] = info
	c.mu.Unlock()
	return info
}

func (c *Controller) setStateLocked(id int64, s State) {
	c.states[id] = s
	c.metrics.ContractState(id, int(s))
}

// Book returns a copy of the current book for contractID. Books that
// failed or are being resynced are not handed out.
func (c *Controller) Book(contractID int64) (*orderbook.Book, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.states[contractID] {
	case StateFailed:
		return nil, fmt.Errorf("%w: contract %d", ErrContractFailed, contractID)
	case StateRepairing:
		return nil, fmt.Errorf("%w: contract %d is resyncing", ErrNotReady, contractID)
	}
	b, ok := c.books[contractID]
	if !ok {
		return nil, fmt.Errorf("%w: contract %d", ErrNotReady, contractID)
	}
	return b.Clone(), nil
}

func (c *Controller) State(contractID int64) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[contractID]
}

// Contracts returns the subscribed contract ids in ascending order.
func (c *Controller) Contracts() []int64 {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.subscribed))
	for id := range c.subscribed {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Contract returns directory metadata for contractID.
func (c *Controller) Contract(contractID int64) (models.Contract, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.directory[contractID]
	return ct, ok
}

func (c *Controller) LastHeartbeat() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Controller) RunID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}
