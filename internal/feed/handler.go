package feed

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"

	"ledger_books/internal/actionlog"
	"ledger_books/internal/audit"
	"ledger_books/internal/models"
	"ledger_books/internal/orderbook"
)

func (c *Controller) OnOpen() {
	c.logger.Info().Msg("feed connected")
}

func (c *Controller) OnMessage(data []byte) {
	if err := c.HandleMessage(data); err != nil {
		c.logger.Error().Err(err).Msg("handle message")
	}
}

// OnClose marks every live book stale: reports may be missed until the
// stream is back and the next applied report proves the book current.
func (c *Controller) OnClose(code int, text string) {
	c.logger.Warn().Int("code", code).Str("reason", text).Msg("feed closed")
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.states {
		if s == StateLive {
			c.setStateLocked(id, StateStale)
		}
	}
}

func (c *Controller) OnError(err error) {
	c.logger.Error().Err(err).Msg("feed error")
}

// HandleMessage decodes one stream record and routes it by type.
func (c *Controller) HandleMessage(data []byte) error {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	switch env.Type {
	case models.TypeActionReport:
		var r models.ActionReport
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode action report: %w", err)
		}
		return c.HandleActionReport(r)
	case models.TypeBookTop:
		// top of book is derived from action reports
	case models.TypeHeartbeat:
		var hb models.Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			return fmt.Errorf("decode heartbeat: %w", err)
		}
		c.handleHeartbeat(hb)
	default:
		c.logger.Debug().Str("type", env.Type).Msg("ignoring message")
	}
	return nil
}

// HandleActionReport records r and applies it to its contract's book,
// repairing from the action report log when r is ahead of the book. On
// success the sink receives a copy of the updated book.
func (c *Controller) HandleActionReport(r models.ActionReport) error {
	id := r.ContractID
	c.mu.Lock()
	if _, ok := c.subscribed[id]; !ok {
		c.mu.Unlock()
		c.metrics.Report("ignored")
		return nil
	}
	c.logs[id].Push(r)

	book, ok := c.books[id]
	state := c.states[id]
	if !ok || !state.accepting() {
		c.mu.Unlock()
		c.metrics.Report("ignored")
		c.logger.Debug().Int64("contract_id", id).Uint64("clock", r.Clock).Str("state", state.String()).Msg("book not ready, report buffered")
		return nil
	}

	bookClock := book.Clock()
	result := "applied"
	var err error
	switch {
	case r.Clock <= bookClock:
		c.mu.Unlock()
		c.metrics.Report("stale")
		c.logger.Debug().Int64("contract_id", id).Uint64("clock", r.Clock).Uint64("book_clock", bookClock).Msg("stale action report")
		return nil
	case r.Clock == bookClock+1:
		err = c.applyActionReport(book, r)
	default:
		result = "replayed"
		c.metrics.Gap()
		c.logger.Info().Int64("contract_id", id).Uint64("clock", r.Clock).Uint64("book_clock", bookClock).Msg("clock gap, replaying from log")
		var n int
		n, err = c.logs[id].ReplayUpTo(book, r.Clock, c.applyActionReport)
		if err == nil {
			c.logger.Info().Int64("contract_id", id).Int("replayed", n).Uint64("clock", book.Clock()).Msg("book restored from log")
			c.cfg.Audit.Record(audit.EventGapRepaired, id, map[string]any{"from": bookClock, "to": r.Clock, "replayed": n})
		} else if errors.Is(err, actionlog.ErrGapUnrecoverable) {
			c.metrics.GapFailure()
			c.cfg.Audit.Record(audit.EventGapFailed, id, map[string]any{"from": bookClock, "to": r.Clock, "reached": book.Clock()})
		}
	}
	if err != nil {
		c.failLocked(id, err)
		c.mu.Unlock()
		c.metrics.Report("failed")
		return fmt.Errorf("%w: contract %d: %w", ErrContractFailed, id, err)
	}

	if state == StateStale {
		c.setStateLocked(id, StateLive)
	}
	c.metrics.BookClock(id, book.Clock())
	c.onBook(book.Clone())
	c.mu.Unlock()

	c.metrics.Report(result)
	return nil
}

// applyActionReport mutates book according to r's status and advances the
// book clock to r.Clock. A failed mutation leaves the clock where it was.
func (c *Controller) applyActionReport(book *orderbook.Book, r models.ActionReport) error {
	var err error
	switch r.StatusType {
	case models.StatusInserted:
		err = book.AddOrder(r.MID, r.InsertedPrice, r.InsertedSize, orderbook.SideOf(r.IsAsk))
	case models.StatusFilled:
		err = book.FillOrder(r.MID, r.FilledPrice, r.FilledSize)
	case models.StatusMarketNotFilled:
		c.logger.Info().Int64("contract_id", r.ContractID).Str("mid", r.MID).Uint64("clock", r.Clock).Msg("market order not filled")
	case models.StatusCanceled:
		err = book.CancelOrder(r.MID)
	case models.StatusCanceledReplaced:
		err = book.CancelAndReplace(r.MID, r.InsertedSize)
	default:
		c.logger.Debug().Int64("contract_id", r.ContractID).Int("status_type", r.StatusType).Msg("unknown status type")
	}
	if err != nil {
		return fmt.Errorf("clock %d status %d: %w", r.Clock, r.StatusType, err)
	}
	book.UpdateClock(r.Clock)
	return nil
}

func (c *Controller) handleHeartbeat(hb models.Heartbeat) {
	c.mu.Lock()
	prev := c.runID
	c.lastHeartbeat = hb.Timestamp
	c.runID = hb.RunID
	c.mu.Unlock()

	c.metrics.Heartbeat(hb.Timestamp)
	if prev != 0 && prev != hb.RunID {
		c.metrics.RunRestart()
		c.cfg.Audit.Record(audit.EventRunIDChanged, 0, map[string]any{"prev_run_id": prev, "run_id": hb.RunID})
		c.logger.Warn().Int64("prev_run_id", prev).Int64("run_id", hb.RunID).Msg("exchange run id changed")
	}
	c.heartbeatOnce.Do(func() { close(c.firstHeartbeat) })
}

// failLocked marks a contract failed. Further reports are buffered but not
// applied until a new snapshot is installed.
func (c *Controller) failLocked(id int64, err error) {
	c.setStateLocked(id, StateFailed)
	c.logger.Error().Err(err).Int64("contract_id", id).Msg("contract failed, book untrusted until re-snapshot")
	c.cfg.Audit.Record(audit.EventContractFailed, id, map[string]any{"error": err.Error()})
	if !c.cfg.AutoResync || c.resyncing[id] || c.runCtx.Err() != nil {
		return
	}
	c.resyncing[id] = true
	c.wg.Add(1)
	go c.resync(id)
}

// resync reloads the snapshot for a failed contract with exponential
// backoff, giving up after the configured number of attempts.
func (c *Controller) resync(id int64) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.resyncing, id)
		c.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	for attempt := 1; attempt <= c.cfg.ResyncAttempts; attempt++ {
		if c.runCtx.Err() != nil {
			return
		}
		err := c.loadSnapshot(c.runCtx, id, StateRepairing)
		if err == nil {
			c.logger.Info().Int64("contract_id", id).Int("attempt", attempt).Msg("contract resynced")
			return
		}
		c.logger.Warn().Err(err).Int64("contract_id", id).Int("attempt", attempt).Msg("resync failed")
		select {
		case <-c.runCtx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
	c.logger.Error().Int64("contract_id", id).Int("attempts", c.cfg.ResyncAttempts).Msg("giving up on resync")
}
