package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rivo/tview"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"ledger_books/internal/audit"
	"ledger_books/internal/config"
	"ledger_books/internal/feed"
	"ledger_books/internal/ledgerx"
	"ledger_books/internal/logging"
	"ledger_books/internal/orderbook"
	"ledger_books/internal/sink"
	"ledger_books/internal/ws"
)

var (
	configFlag  = flag.String("config", "", "optional YAML config file")
	logFileFlag = flag.String("log-file", "ledgerx-dashboard.log", "file receiving logs while the dashboard owns the terminal")
)

var headers = []string{"CONTRACT", "LABEL", "STATE", "CLOCK", "BID QTY", "BID", "ASK", "ASK QTY", "LEVELS", "UPDATED"}

type board struct {
	app   *tview.Application
	table *tview.Table
	ctrl  *feed.Controller

	mu   sync.Mutex
	rows map[int64]int
}

func newBoard(app *tview.Application) *board {
	table := tview.NewTable().SetFixed(1, 0).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(" LedgerX order books (Ctrl-C to quit) ")
	for col, h := range headers {
		table.SetCell(0, col, tview.NewTableCell(h).SetSelectable(false).SetExpansion(1))
	}
	return &board{app: app, table: table, rows: make(map[int64]int)}
}

func (b *board) row(id int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rows[id]
	if !ok {
		r = len(b.rows) + 1
		b.rows[id] = r
	}
	return r
}

// show runs on the handoff goroutine and hands the redraw to tview.
func (b *board) show(book *orderbook.Book) {
	r := b.row(book.ContractID())
	state := feed.StateLive
	if b.ctrl != nil {
		state = b.ctrl.State(book.ContractID())
	}
	bidPx, bidSz := book.BestBid()
	askPx, askSz := book.BestAsk()
	cells := []string{
		strconv.FormatInt(book.ContractID(), 10),
		book.Info().Label,
		state.String(),
		strconv.FormatUint(book.Clock(), 10),
		strconv.FormatInt(bidSz, 10),
		dollars(bidPx),
		dollars(askPx),
		strconv.FormatInt(askSz, 10),
		strconv.Itoa(book.Len()),
		time.Now().Format("15:04:05.000"),
	}
	b.app.QueueUpdateDraw(func() {
		for col, text := range cells {
			align := tview.AlignRight
			if col == 1 || col == 2 {
				align = tview.AlignLeft
			}
			b.table.SetCell(r, col, tview.NewTableCell(text).SetAlign(align).SetExpansion(1))
		}
	})
}

// dollars renders a price in cents; an empty side shows a dash.
func dollars(cents int64) string {
	if cents == 0 {
		return "-"
	}
	return "$" + decimal.New(cents, -2).StringFixed(2)
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logFile, err := os.OpenFile(*logFileFlag, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatal().Err(err).Str("path", *logFileFlag).Msg("open log file")
	}
	defer logFile.Close()
	logger := logging.Setup(logging.Config{Level: cfg.Log.Level, Output: logFile})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trail, err := audit.New(cfg.Log.AuditDir, "ledgerx-dashboard")
	if err != nil {
		logger.Fatal().Err(err).Msg("audit trail")
	}
	defer trail.Close()

	app := tview.NewApplication()
	b := newBoard(app)

	handoff := sink.NewHandoff(b.show, nil)
	handoffCtx, stopHandoff := context.WithCancel(context.Background())
	defer stopHandoff()
	go handoff.Run(handoffCtx)

	client := ledgerx.NewClient(cfg.RESTURL, cfg.BookStatesURL, cfg.APIKey)
	conn := ws.New(ws.Config{
		URL:         ledgerx.WebsocketURL(cfg.WSURL, cfg.APIKey),
		ReadTimeout: cfg.Feed.ReadTimeout,
		Reconnect:   cfg.Feed.Reconnect,
	}, logger)
	b.ctrl = feed.New(feed.Config{
		Contracts:          cfg.ContractIDs,
		All:                cfg.AllContracts,
		WarmUp:             cfg.Feed.WarmUp,
		WaitForHeartbeat:   cfg.Feed.WaitForHeartbeat,
		LogCapacity:        cfg.Feed.LogCapacity,
		MaxConcurrentLoads: cfg.Feed.MaxConcurrentLoads,
		AutoResync:         cfg.Feed.AutoResync,
		ResyncAttempts:     cfg.Feed.ResyncAttempts,
		Audit:              trail,
	}, conn, client, handoff.Offer, logger, nil)

	go func() {
		if err := b.ctrl.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("feed start")
		}
	}()
	go func() {
		<-ctx.Done()
		app.Stop()
	}()

	if err := app.SetRoot(b.table, true).Run(); err != nil {
		logger.Error().Err(err).Msg("dashboard")
	}
	stop()
	if err := b.ctrl.Stop(); err != nil {
		logger.Warn().Err(err).Msg("stop feed")
	}
}
