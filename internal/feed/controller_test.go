package feed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger_books/internal/actionlog"
	"ledger_books/internal/audit"
	"ledger_books/internal/models"
	"ledger_books/internal/orderbook"
	"ledger_books/internal/sink"
	"ledger_books/internal/ws"
)

type fakeTransport struct {
	mu      sync.Mutex
	handler ws.Handler
	onStart func(h ws.Handler)
	stopped bool
}

func (f *fakeTransport) Start(_ context.Context, h ws.Handler) error {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	if f.onStart != nil {
		f.onStart(h)
	}
	return nil
}

func (f *fakeTransport) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

type fakeSource struct {
	mu        sync.Mutex
	contracts []models.Contract
	states    map[int64]models.BookState
	errs      map[int64]error
	loads     map[int64]int
	onLoad    func(id int64)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		states: make(map[int64]models.BookState),
		errs:   make(map[int64]error),
		loads:  make(map[int64]int),
	}
}

func (f *fakeSource) ListActiveContracts(context.Context) ([]models.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Contract(nil), f.contracts...), nil
}

func (f *fakeSource) RetrieveContract(_ context.Context, id int64) (models.Contract, error) {
	return models.Contract{ID: id, Label: fmt.Sprintf("C-%d", id)}, nil
}

func (f *fakeSource) GetBookState(_ context.Context, id int64) (models.BookState, error) {
	f.mu.Lock()
	f.loads[id]++
	hook := f.onLoad
	err := f.errs[id]
	st, ok := f.states[id]
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	if err != nil {
		return models.BookState{}, err
	}
	if !ok {
		return models.BookState{}, fmt.Errorf("no state for %d", id)
	}
	return st, nil
}

func (f *fakeSource) set(id int64, st models.BookState) {
	f.mu.Lock()
	f.states[id] = st
	f.mu.Unlock()
}

func (f *fakeSource) loadCount(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[id]
}

type bookSink struct {
	mu    sync.Mutex
	books []*orderbook.Book
}

func (s *bookSink) on(b *orderbook.Book) {
	s.mu.Lock()
	s.books = append(s.books, b)
	s.mu.Unlock()
}

func (s *bookSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.books)
}

func (s *bookSink) last() *orderbook.Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.books) == 0 {
		return nil
	}
	return s.books[len(s.books)-1]
}

func snapshot(id int64, clock uint64) models.BookState {
	return models.BookState{
		ContractID: id,
		Clock:      clock,
		BookStates: []models.BookStateEntry{
			{MID: "a", ContractID: id, Price: 100, Size: 10},
			{MID: "z", ContractID: id, Price: 110, Size: 4, IsAsk: true},
		},
	}
}

func insert(id int64, clock uint64, mid string, price, size int64, isAsk bool) models.ActionReport {
	return models.ActionReport{
		Type:          models.TypeActionReport,
		ContractID:    id,
		Clock:         clock,
		StatusType:    models.StatusInserted,
		MID:           mid,
		IsAsk:         isAsk,
		InsertedPrice: price,
		InsertedSize:  size,
	}
}

func fill(id int64, clock uint64, mid string, price, size int64) models.ActionReport {
	return models.ActionReport{
		Type:        models.TypeActionReport,
		ContractID:  id,
		Clock:       clock,
		StatusType:  models.StatusFilled,
		MID:         mid,
		FilledPrice: price,
		FilledSize:  size,
	}
}

func newStarted(t *testing.T, cfg Config, src *fakeSource) (*Controller, *bookSink) {
	t.Helper()
	sink := &bookSink{}
	c := New(cfg, &fakeTransport{}, src, sink.on, zerolog.Nop(), nil)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })
	return c, sink
}

func mustBook(t *testing.T, c *Controller, id int64) *orderbook.Book {
	t.Helper()
	b, err := c.Book(id)
	require.NoError(t, err)
	return b
}

func TestStart_LoadsSubscribedSnapshots(t *testing.T) {
	src := newFakeSource()
	src.contracts = []models.Contract{{ID: 1, Label: "ONE"}}
	src.set(1, snapshot(1, 10))
	src.set(2, snapshot(2, 20))

	var mu sync.Mutex
	loaded := map[int64]error{}
	cfg := Config{
		Contracts: []int64{1, 2},
		OnSnapshot: func(id int64, err error) {
			mu.Lock()
			loaded[id] = err
			mu.Unlock()
		},
	}
	c, sink := newStarted(t, cfg, src)

	assert.Equal(t, []int64{1, 2}, c.Contracts())
	assert.Equal(t, StateLive, c.State(1))
	assert.Equal(t, StateLive, c.State(2))
	assert.Len(t, loaded, 2)
	assert.Equal(t, 2, sink.count())

	b := mustBook(t, c, 1)
	assert.Equal(t, uint64(10), b.Clock())
	assert.Equal(t, "ONE", b.Info().Label)
	px, sz := b.BestBid()
	assert.Equal(t, int64(100), px)
	assert.Equal(t, int64(10), sz)

	// contract 2 is not in the active directory and is looked up directly
	assert.Equal(t, "C-2", mustBook(t, c, 2).Info().Label)
}

func TestStart_AllSubscribesDirectory(t *testing.T) {
	src := newFakeSource()
	src.contracts = []models.Contract{{ID: 5}, {ID: 3}}
	src.set(3, snapshot(3, 1))
	src.set(5, snapshot(5, 1))

	c, _ := newStarted(t, Config{All: true}, src)

	assert.Equal(t, []int64{3, 5}, c.Contracts())
	assert.Equal(t, StateLive, c.State(3))
	assert.Equal(t, StateLive, c.State(5))
}

func TestStart_SnapshotFailureIsolatedToContract(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	authErr := errors.New("unauthorized")
	src.errs[2] = authErr

	c := New(Config{Contracts: []int64{1, 2}}, &fakeTransport{}, src, nil, zerolog.Nop(), nil)
	err := c.Start(context.Background())
	require.ErrorIs(t, err, authErr)
	defer c.Stop()

	assert.Equal(t, StateLive, c.State(1))
	assert.Equal(t, StateFailed, c.State(2))
	_, err = c.Book(2)
	assert.ErrorIs(t, err, ErrContractFailed)
}

func TestHandleActionReport_InOrder(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	c, sink := newStarted(t, Config{Contracts: []int64{1}}, src)

	require.NoError(t, c.HandleActionReport(insert(1, 11, "b", 100, 5, false)))
	require.NoError(t, c.HandleActionReport(fill(1, 12, "a", 100, 10)))

	b := mustBook(t, c, 1)
	assert.Equal(t, uint64(12), b.Clock())
	size, _ := b.Level(orderbook.Bid, 100)
	assert.Equal(t, int64(5), size)
	require.NoError(t, b.Check())

	last := sink.last()
	require.NotNil(t, last)
	assert.Equal(t, uint64(12), last.Clock())
}

func TestHandleActionReport_DuplicateIsNoop(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	c, sink := newStarted(t, Config{Contracts: []int64{1}}, src)

	r := insert(1, 11, "b", 100, 5, false)
	require.NoError(t, c.HandleActionReport(r))
	once := mustBook(t, c, 1)
	delivered := sink.count()

	require.NoError(t, c.HandleActionReport(r))
	twice := mustBook(t, c, 1)

	assert.Equal(t, delivered, sink.count())
	assert.Equal(t, once.Clock(), twice.Clock())
	assert.Equal(t, once.Depth(0), twice.Depth(0))
	assert.Equal(t, once.OrderCount(), twice.OrderCount())
}

func TestHandleActionReport_StaleKeepsClock(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	c, _ := newStarted(t, Config{Contracts: []int64{1}}, src)

	require.NoError(t, c.HandleActionReport(insert(1, 11, "b", 100, 5, false)))
	require.NoError(t, c.HandleActionReport(insert(1, 4, "old", 90, 1, false)))

	b := mustBook(t, c, 1)
	assert.Equal(t, uint64(11), b.Clock())
	_, ok := b.Order("old")
	assert.False(t, ok)
}

func TestHandleActionReport_MarketNotFilledAdvancesClock(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	c, sink := newStarted(t, Config{Contracts: []int64{1}}, src)
	before := mustBook(t, c, 1)

	require.NoError(t, c.HandleActionReport(models.ActionReport{
		ContractID: 1, Clock: 11, StatusType: models.StatusMarketNotFilled, MID: "m",
	}))

	after := mustBook(t, c, 1)
	assert.Equal(t, uint64(11), after.Clock())
	assert.Equal(t, before.Depth(0), after.Depth(0))
	assert.Equal(t, uint64(11), sink.last().Clock())
}

func TestHandleActionReport_UnknownStatusAdvancesClock(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	c, _ := newStarted(t, Config{Contracts: []int64{1}}, src)

	require.NoError(t, c.HandleActionReport(models.ActionReport{ContractID: 1, Clock: 11, StatusType: 299}))
	assert.Equal(t, uint64(11), mustBook(t, c, 1).Clock())
}

func TestHandleActionReport_GapRepairedFromLog(t *testing.T) {
	reports := []models.ActionReport{
		insert(1, 11, "b", 101, 3, false),
		insert(1, 12, "c", 111, 2, true),
		fill(1, 13, "a", 100, 4),
	}

	inOrder := func() *orderbook.Book {
		src := newFakeSource()
		src.set(1, snapshot(1, 10))
		c, _ := newStarted(t, Config{Contracts: []int64{1}}, src)
		for _, r := range reports {
			require.NoError(t, c.HandleActionReport(r))
		}
		return mustBook(t, c, 1)
	}()

	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	c, _ := newStarted(t, Config{Contracts: []int64{1}}, src)
	c.mu.Lock()
	c.logs[1].Push(reports[1])
	c.logs[1].Push(reports[0])
	c.mu.Unlock()

	require.NoError(t, c.HandleActionReport(reports[2]))
	repaired := mustBook(t, c, 1)

	assert.Equal(t, inOrder.Clock(), repaired.Clock())
	assert.Equal(t, inOrder.Depth(0), repaired.Depth(0))
	assert.Equal(t, inOrder.OrderCount(), repaired.OrderCount())
	assert.Equal(t, inOrder.Checksum(10), repaired.Checksum(10))
	assert.Equal(t, StateLive, c.State(1))
}

func TestHandleActionReport_UnrecoverableGapFailsOnlyThatContract(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	src.set(2, snapshot(2, 50))
	c, _ := newStarted(t, Config{Contracts: []int64{1, 2}}, src)

	err := c.HandleActionReport(insert(1, 14, "b", 100, 1, false))
	require.ErrorIs(t, err, ErrContractFailed)
	assert.Equal(t, StateFailed, c.State(1))

	// further reports for the failed contract are buffered, not applied
	require.NoError(t, c.HandleActionReport(insert(1, 15, "c", 100, 1, false)))
	assert.Equal(t, StateFailed, c.State(1))

	require.NoError(t, c.HandleActionReport(insert(2, 51, "x", 100, 1, false)))
	assert.Equal(t, StateLive, c.State(2))
	assert.Equal(t, uint64(51), mustBook(t, c, 2).Clock())
}

func TestHandleActionReport_MutationErrorFailsContract(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	c, _ := newStarted(t, Config{Contracts: []int64{1}}, src)

	err := c.HandleActionReport(models.ActionReport{ContractID: 1, Clock: 11, StatusType: models.StatusCanceled, MID: "nope"})
	require.ErrorIs(t, err, ErrContractFailed)
	require.ErrorIs(t, err, orderbook.ErrNotFound)
	assert.Equal(t, StateFailed, c.State(1))
}

func TestHandleActionReport_UnsubscribedAndUnloadedIgnored(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	c, sink := newStarted(t, Config{Contracts: []int64{1}}, src)
	delivered := sink.count()

	require.NoError(t, c.HandleActionReport(insert(99, 1, "b", 100, 1, false)))
	assert.Equal(t, delivered, sink.count())
	_, err := c.Book(99)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestLoadSnapshot_CatchesUpFromReportsSeenWhileLoading(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	c := New(Config{Contracts: []int64{1}}, &fakeTransport{}, src, nil, zerolog.Nop(), nil)
	src.onLoad = func(int64) {
		// delivered while the snapshot request is in flight
		require.NoError(t, c.HandleActionReport(insert(1, 12, "c", 99, 1, false)))
		require.NoError(t, c.HandleActionReport(insert(1, 11, "b", 100, 5, false)))
		require.NoError(t, c.HandleActionReport(insert(1, 9, "old", 98, 1, false)))
	}
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	b := mustBook(t, c, 1)
	assert.Equal(t, uint64(12), b.Clock())
	size, _ := b.Level(orderbook.Bid, 100)
	assert.Equal(t, int64(15), size)
	_, ok := b.Order("old")
	assert.False(t, ok)
}

func TestHandleMessage_DispatchByType(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	c, sink := newStarted(t, Config{Contracts: []int64{1}}, src)
	delivered := sink.count()

	require.NoError(t, c.HandleMessage([]byte(`{"type":"book_top","contract_id":1,"clock":11}`)))
	require.NoError(t, c.HandleMessage([]byte(`{"type":"collateral_balance_update"}`)))
	assert.Equal(t, delivered, sink.count())

	require.NoError(t, c.HandleMessage([]byte(`{"type":"heartbeat","ticks":3,"run_id":77,"timestamp":1700000000}`)))
	assert.Equal(t, int64(1700000000), c.LastHeartbeat())
	assert.Equal(t, int64(77), c.RunID())

	msg := `{"type":"action_report","contract_id":1,"clock":11,"status_type":200,"mid":"b","is_ask":true,"inserted_price":109,"inserted_size":2}`
	require.NoError(t, c.HandleMessage([]byte(msg)))
	px, sz := mustBook(t, c, 1).BestAsk()
	assert.Equal(t, int64(109), px)
	assert.Equal(t, int64(2), sz)

	assert.Error(t, c.HandleMessage([]byte(`{not json`)))
}

func TestHeartbeat_RunIDChange(t *testing.T) {
	c := New(Config{}, &fakeTransport{}, newFakeSource(), nil, zerolog.Nop(), nil)

	c.handleHeartbeat(models.Heartbeat{RunID: 1, Timestamp: 10})
	c.handleHeartbeat(models.Heartbeat{RunID: 2, Timestamp: 11})

	assert.Equal(t, int64(2), c.RunID())
	assert.Equal(t, int64(11), c.LastHeartbeat())
}

func TestOnClose_MarksLiveBooksStale(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	c, _ := newStarted(t, Config{Contracts: []int64{1}}, src)

	c.OnClose(1006, "gone")
	assert.Equal(t, StateStale, c.State(1))
	_, err := c.Book(1)
	assert.NoError(t, err)

	require.NoError(t, c.HandleActionReport(insert(1, 11, "b", 100, 1, false)))
	assert.Equal(t, StateLive, c.State(1))
}

func TestAutoResync_ReloadsFailedContract(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	c, _ := newStarted(t, Config{Contracts: []int64{1}, AutoResync: true, ResyncAttempts: 3}, src)

	src.set(1, snapshot(1, 40))
	err := c.HandleActionReport(insert(1, 30, "b", 100, 1, false))
	require.ErrorIs(t, err, ErrContractFailed)

	require.Eventually(t, func() bool { return c.State(1) == StateLive }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(40), mustBook(t, c, 1).Clock())
	assert.Equal(t, 2, src.loadCount(1))
}

func TestStart_WaitForHeartbeatEndsWarmUpEarly(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	tr := &fakeTransport{onStart: func(h ws.Handler) {
		go h.OnMessage([]byte(`{"type":"heartbeat","run_id":1,"timestamp":5}`))
	}}
	c := New(Config{Contracts: []int64{1}, WarmUp: 10 * time.Second, WaitForHeartbeat: true}, tr, src, nil, zerolog.Nop(), nil)

	started := time.Now()
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, StateLive, c.State(1))
}

func TestStop_StopsTransport(t *testing.T) {
	tr := &fakeTransport{}
	c := New(Config{}, tr, newFakeSource(), nil, zerolog.Nop(), nil)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop())

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.True(t, tr.stopped)
	assert.NotNil(t, tr.handler)
}

func TestAudit_RecordsIntegrityEvents(t *testing.T) {
	dir := t.TempDir()
	trail, err := audit.New(dir, "feed-test")
	require.NoError(t, err)

	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	c, _ := newStarted(t, Config{Contracts: []int64{1}, Audit: trail}, src)

	c.mu.Lock()
	c.logs[1].Push(insert(1, 11, "b", 100, 1, false))
	c.mu.Unlock()
	require.NoError(t, c.HandleActionReport(insert(1, 12, "c", 100, 1, false)))
	require.ErrorIs(t, c.HandleActionReport(insert(1, 20, "d", 100, 1, false)), ErrContractFailed)
	require.NoError(t, trail.Close())

	files, err := filepath.Glob(filepath.Join(dir, "feed-test-*.jsonl"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	var events []string
	for _, f := range files {
		raw, err := os.ReadFile(f)
		require.NoError(t, err)
		for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
			var e struct {
				Event string `json:"event"`
			}
			require.NoError(t, json.Unmarshal([]byte(line), &e))
			events = append(events, e.Event)
		}
	}
	assert.Equal(t, []string{
		audit.EventSnapshotInstalled,
		audit.EventGapRepaired,
		audit.EventGapFailed,
		audit.EventContractFailed,
	}, events)
}

func TestLoadSnapshot_CatchUpFailureFailsContract(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	sink := &bookSink{}
	c := New(Config{Contracts: []int64{1}}, &fakeTransport{}, src, sink.on, zerolog.Nop(), nil)
	src.onLoad = func(int64) {
		require.NoError(t, c.HandleActionReport(models.ActionReport{ContractID: 1, Clock: 11, StatusType: models.StatusCanceled, MID: "nope"}))
	}
	err := c.Start(context.Background())
	defer c.Stop()

	require.ErrorIs(t, err, ErrContractFailed)
	require.ErrorIs(t, err, orderbook.ErrNotFound)
	assert.Equal(t, StateFailed, c.State(1))
	_, err = c.Book(1)
	assert.ErrorIs(t, err, ErrContractFailed)
	assert.Zero(t, sink.count())
}

func TestLoadSnapshot_CatchUpGapFailsContract(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	sink := &bookSink{}
	c := New(Config{Contracts: []int64{1}}, &fakeTransport{}, src, sink.on, zerolog.Nop(), nil)
	src.onLoad = func(int64) {
		require.NoError(t, c.HandleActionReport(insert(1, 13, "c", 99, 1, false)))
	}
	err := c.Start(context.Background())
	defer c.Stop()

	require.ErrorIs(t, err, actionlog.ErrGapUnrecoverable)
	assert.Equal(t, StateFailed, c.State(1))
	assert.Zero(t, sink.count())
}

func TestLoadSnapshot_CopyNeverOvertakesLaterReport(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))

	var got []uint64
	h := sink.NewHandoff(func(b *orderbook.Book) { got = append(got, b.Clock()) }, nil)
	applied := make(chan error, 1)
	var c *Controller
	c = New(Config{Contracts: []int64{1}}, &fakeTransport{}, src, func(b *orderbook.Book) {
		if b.Clock() == 10 {
			// report 11 races the delivery of the snapshot copy
			go func() { applied <- c.HandleActionReport(insert(1, 11, "b", 100, 1, false)) }()
			time.Sleep(50 * time.Millisecond)
		}
		h.Offer(b)
	}, zerolog.Nop(), nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	require.NoError(t, <-applied)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	assert.Equal(t, uint64(11), mustBook(t, c, 1).Clock())
	assert.Equal(t, []uint64{11}, got)
}

func TestFailLocked_NoResyncAfterStop(t *testing.T) {
	src := newFakeSource()
	src.set(1, snapshot(1, 10))
	c, _ := newStarted(t, Config{Contracts: []int64{1}, AutoResync: true}, src)
	require.NoError(t, c.Stop())

	c.mu.Lock()
	c.failLocked(1, errors.New("late failure"))
	resyncing := c.resyncing[1]
	c.mu.Unlock()

	assert.False(t, resyncing)
	assert.Equal(t, StateFailed, c.State(1))
	assert.Equal(t, 1, src.loadCount(1))
}
