// Package projector replays Trading contract logs into the orders
// database. A single cursor-driven loop fetches whatever block range
// the chain has grown by, applies the whole batch in one transaction
// and commits the cursor with it, so a crash replays at most one batch
// and the processed-events ledger makes replays idempotent.
//
// The sibling Sweeper shares the package: it expires stale pending
// orders and turns component cursors into the health report served by
// the order API.
package projector

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"linkora-backend/internal/chain"
	"linkora-backend/internal/metrics"
	"linkora-backend/internal/models"
	"linkora-backend/internal/numeric"
	"linkora-backend/internal/repository"
)

const (
	// warmupBlocks is how far behind the head a fresh deployment
	// starts scanning.
	warmupBlocks = 200

	// parallelThreshold is the gap size above which the range is
	// sharded into concurrent per-block fetches.
	parallelThreshold = 10
	parallelWorkers   = 10
)

// HeadSource reports the current chain height. *chain.Client satisfies
// it.
type HeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// TradingReader is the contract surface the projector consumes.
// *chain.Trading satisfies it.
type TradingReader interface {
	FilterOrderEvents(ctx context.Context, fromBlock, toBlock uint64) ([]chain.OrderLog, error)
	GetOrder(ctx context.Context, orderID uint64) (*chain.ContractOrder, error)
	TokenInfo(ctx context.Context, addr common.Address) chain.Token
	ClearCaches()
}

// Store is the repository slice the projector writes through. Every
// write takes the batch transaction so the cursor commits atomically
// with the events it covers.
type Store interface {
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
	ComponentState(ctx context.Context, componentName string) (*models.SystemState, error)
	SaveComponentState(ctx context.Context, tx pgx.Tx, componentName string, blockNumber int64, status, txHash string) error
	EventProcessed(ctx context.Context, tx pgx.Tx, txHash string, logIndex uint) (bool, error)
	MarkEventProcessed(ctx context.Context, tx pgx.Tx, txHash string, logIndex uint, eventType string) error
	InsertOrder(ctx context.Context, tx pgx.Tx, o *models.Order) error
	UpdateOrder(ctx context.Context, tx pgx.Tx, orderID uint64, u repository.OrderUpdate) error
	InsertOrderEvent(ctx context.Context, tx pgx.Tx, ev *models.OrderEvent) error
}

// Config carries the projector loop knobs.
type Config struct {
	PollInterval       time.Duration
	ErrorSleep         time.Duration
	HeartbeatInterval  time.Duration
	CacheClearInterval time.Duration
}

// Projector is the order event projector. One instance runs per
// process; Run is its only entry point.
type Projector struct {
	head    HeadSource
	trading TradingReader
	store   Store
	cfg     Config

	// gate serializes batch application against the expiry sweeper so
	// order status never oscillates between the two writers.
	gate *sync.Mutex

	// cursor mirrors the committed last-processed block for the
	// heartbeat goroutine; the system_state row is the source of truth.
	cursor  atomic.Int64
	lastTx  string
	started time.Time
}

func New(head HeadSource, trading TradingReader, store Store, gate *sync.Mutex, cfg Config) *Projector {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ErrorSleep == 0 {
		cfg.ErrorSleep = 30 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 5 * time.Minute
	}
	if cfg.CacheClearInterval == 0 {
		cfg.CacheClearInterval = time.Hour
	}
	if gate == nil {
		gate = &sync.Mutex{}
	}
	return &Projector{head: head, trading: trading, store: store, cfg: cfg, gate: gate}
}

// Run blocks until ctx is cancelled.
func (p *Projector) Run(ctx context.Context) {
	p.started = time.Now()
	log.Printf("[projector] starting order event projector")

	for {
		err := p.initCursor(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		log.Printf("[projector] cursor init failed: %v", err)
		if sleepCtx(ctx, p.cfg.ErrorSleep) != nil {
			return
		}
	}

	go p.housekeeping(ctx)

	for {
		delay := p.cfg.PollInterval
		if err := p.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[projector] tick failed: %v", err)
			p.markError(ctx)
			delay = p.cfg.ErrorSleep
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return
		}
	}
}

// initCursor loads or creates the order_listener cursor row and
// positions the in-memory fetch pointer. RECOVERY and RESET rows replay
// the saved block itself; a saved block ahead of the chain head means
// the chain reorganized below the cursor, so the cursor snaps back.
func (p *Projector) initCursor(ctx context.Context) error {
	head, err := p.head.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}
	st, err := p.store.ComponentState(ctx, models.ComponentOrderListener)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}

	switch {
	case st == nil:
		start := int64(head) - warmupBlocks
		if start < 1 {
			start = 1
		}
		log.Printf("[projector] no cursor found, warmup scan from block %d (head %d)", start, head)
		if err := p.store.SaveComponentState(ctx, nil, models.ComponentOrderListener, start, models.ComponentStatusActive, ""); err != nil {
			return err
		}
		p.cursor.Store(start - 1)

	case st.Status == models.ComponentStatusRecovery || st.Status == models.ComponentStatusReset:
		log.Printf("[projector] cursor status %s, replaying from block %d", st.Status, st.LastProcessedBlock)
		p.lastTx = st.LastProcessedTx
		p.cursor.Store(st.LastProcessedBlock - 1)

	case st.LastProcessedBlock > int64(head):
		log.Printf("[projector] saved block %d is ahead of chain head %d, resetting cursor", st.LastProcessedBlock, head)
		if err := p.store.SaveComponentState(ctx, nil, models.ComponentOrderListener, int64(head), models.ComponentStatusActive, st.LastProcessedTx); err != nil {
			return err
		}
		p.lastTx = st.LastProcessedTx
		p.cursor.Store(int64(head))

	default:
		log.Printf("[projector] resuming from block %d", st.LastProcessedBlock)
		p.lastTx = st.LastProcessedTx
		p.cursor.Store(st.LastProcessedBlock)
	}
	return nil
}

func (p *Projector) tick(ctx context.Context) error {
	head, err := p.head.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}

	cursor := p.cursor.Load()
	if int64(head) <= cursor {
		// Nothing new. Refresh the row anyway so staleness checks
		// distinguish a quiet chain from a dead projector.
		return p.store.SaveComponentState(ctx, nil, models.ComponentOrderListener, cursor, models.ComponentStatusActive, p.lastTx)
	}

	from, to := uint64(cursor+1), head
	logs, err := p.fetchRange(ctx, from, to)
	if err != nil {
		return err
	}
	if gap := int64(head) - cursor; gap > parallelThreshold || len(logs) > 0 {
		log.Printf("[projector] blocks %d..%d: %d events", from, to, len(logs))
	}

	if err := p.apply(ctx, logs, int64(to)); err != nil {
		return err
	}
	p.cursor.Store(int64(to))
	return nil
}

// fetchRange picks the fetch strategy by gap size: one wide call per
// topic for small gaps, concurrent per-block calls for large ones.
func (p *Projector) fetchRange(ctx context.Context, from, to uint64) ([]chain.OrderLog, error) {
	if to-from+1 <= parallelThreshold {
		return p.trading.FilterOrderEvents(ctx, from, to)
	}
	return p.fetchParallel(ctx, from, to)
}

func (p *Projector) fetchParallel(ctx context.Context, from, to uint64) ([]chain.OrderLog, error) {
	total := int(to - from + 1)
	results := make([][]chain.OrderLog, total)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	sem := make(chan struct{}, parallelWorkers)

	for i := 0; i < total; i++ {
		block := from + uint64(i)
		idx := i

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			logs, err := p.trading.FilterOrderEvents(ctx, block, block)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("fetch block %d: %w", block, err)
				}
				mu.Unlock()
				return
			}
			results[idx] = logs
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	var merged []chain.OrderLog
	for _, logs := range results {
		merged = append(merged, logs...)
	}
	return merged, nil
}

// apply sorts the batch into (blockNumber, logIndex) order and commits
// every event, its ledger row and the advanced cursor in a single
// transaction.
func (p *Projector) apply(ctx context.Context, logs []chain.OrderLog, head int64) error {
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].LogIndex < logs[j].LogIndex
	})

	lastTx := p.lastTx
	if len(logs) > 0 {
		lastTx = logs[len(logs)-1].TxHash.Hex()
	}

	p.gate.Lock()
	defer p.gate.Unlock()

	err := p.store.WithTx(ctx, func(tx pgx.Tx) error {
		for i := range logs {
			if err := p.applyOne(ctx, tx, &logs[i]); err != nil {
				return err
			}
		}
		return p.store.SaveComponentState(ctx, tx, models.ComponentOrderListener, head, models.ComponentStatusActive, lastTx)
	})
	if err != nil {
		return err
	}
	p.lastTx = lastTx
	return nil
}

// applyOne applies a single log: skip if ledgered, dispatch, ledger.
// Undecodable logs are ledgered without dispatch so one bad log can
// never stall the cursor.
func (p *Projector) applyOne(ctx context.Context, tx pgx.Tx, lg *chain.OrderLog) error {
	txHash := lg.TxHash.Hex()
	seen, err := p.store.EventProcessed(ctx, tx, txHash, lg.LogIndex)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	if lg.Err != nil {
		metrics.EventDecodeFailures.Inc()
		log.Printf("[projector] skipping undecodable log %s:%d: %v", txHash, lg.LogIndex, lg.Err)
	} else {
		if err := p.dispatch(ctx, tx, lg); err != nil {
			return err
		}
		metrics.EventsProjected.WithLabelValues(lg.Type).Inc()
	}

	return p.store.MarkEventProcessed(ctx, tx, txHash, lg.LogIndex, lg.Type)
}

func (p *Projector) dispatch(ctx context.Context, tx pgx.Tx, lg *chain.OrderLog) error {
	switch lg.Type {
	case models.EventTypeCreated:
		return p.handleCreated(ctx, tx, lg)
	case models.EventTypeExecuted:
		return p.handleExecuted(ctx, tx, lg)
	case models.EventTypeCancelled:
		return p.handleCancelled(ctx, tx, lg)
	case models.EventTypeModified:
		return p.handleModified(ctx, tx, lg)
	default:
		log.Printf("[projector] unknown event type %q at %s:%d", lg.Type, lg.TxHash.Hex(), lg.LogIndex)
		return nil
	}
}

var orderTypeNames = map[uint8]string{
	0: models.OrderTypeLimit,
	1: models.OrderTypeStopLoss,
	2: models.OrderTypeMarket,
	3: models.OrderTypeConditional,
}

func orderTypeName(code uint8) string {
	if name, ok := orderTypeNames[code]; ok {
		return name
	}
	return "UNKNOWN"
}

// handleCreated hydrates the full order from the contract and inserts
// it as PENDING. A hydration failure skips the row but still ledgers
// the log; the order resurfaces on the next operator replay.
func (p *Projector) handleCreated(ctx context.Context, tx pgx.Tx, lg *chain.OrderLog) error {
	co, err := p.trading.GetOrder(ctx, lg.OrderID)
	if err != nil {
		log.Printf("[projector] fetching order %d failed, skipping hydration: %v", lg.OrderID, err)
		return nil
	}

	tokenIn := p.trading.TokenInfo(ctx, co.TokenIn)
	tokenOut := p.trading.TokenInfo(ctx, co.TokenOut)

	order := &models.Order{
		ID:             lg.OrderID,
		UserAddress:    co.User.Hex(),
		TokenIn:        co.TokenIn.Hex(),
		TokenOut:       co.TokenOut.Hex(),
		AmountIn:       numeric.FromWei(co.AmountIn),
		TargetPrice:    numeric.FromWei(co.TargetPrice),
		MinAmountOut:   numeric.FromWei(co.MinAmountOut),
		OrderType:      orderTypeName(co.OrderType),
		IsLong:         co.IsLong,
		SelfExecutable: co.SelfExecutable,
		Status:         models.OrderStatusPending,
		CreatedAt:      time.Unix(co.CreatedAt.Int64(), 0).UTC(),
		TxHash:         lg.TxHash.Hex(),
		BlockNumber:    int64(lg.BlockNumber),
	}
	if err := p.store.InsertOrder(ctx, tx, order); err != nil {
		return err
	}
	log.Printf("[projector] order %d created: %s %s -> %s by %s",
		lg.OrderID, order.OrderType, tokenIn.Symbol, tokenOut.Symbol, order.UserAddress)

	return p.store.InsertOrderEvent(ctx, tx, &models.OrderEvent{
		OrderID:     lg.OrderID,
		EventType:   models.EventTypeCreated,
		NewStatus:   models.OrderStatusPending,
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: int64(lg.BlockNumber),
		EventData:   lg.Raw,
	})
}

func (p *Projector) handleExecuted(ctx context.Context, tx pgx.Tx, lg *chain.OrderLog) error {
	now := time.Now().UTC()
	status := models.OrderStatusExecuted
	executor := lg.Executor.Hex()
	amountOut := numeric.FromWei(lg.AmountOut)
	execTx := lg.TxHash.Hex()

	err := p.store.UpdateOrder(ctx, tx, lg.OrderID, repository.OrderUpdate{
		Status:          &status,
		ExecutedAt:      &now,
		ExecutorAddress: &executor,
		AmountOut:       &amountOut,
		ExecutionTxHash: &execTx,
	})
	if err != nil {
		return err
	}
	log.Printf("[projector] order %d executed by %s", lg.OrderID, executor)

	return p.store.InsertOrderEvent(ctx, tx, &models.OrderEvent{
		OrderID:     lg.OrderID,
		EventType:   models.EventTypeExecuted,
		OldStatus:   models.OrderStatusPending,
		NewStatus:   models.OrderStatusExecuted,
		TxHash:      execTx,
		BlockNumber: int64(lg.BlockNumber),
		EventData:   lg.Raw,
	})
}

func (p *Projector) handleCancelled(ctx context.Context, tx pgx.Tx, lg *chain.OrderLog) error {
	now := time.Now().UTC()
	status := models.OrderStatusCancelled

	err := p.store.UpdateOrder(ctx, tx, lg.OrderID, repository.OrderUpdate{
		Status:    &status,
		UpdatedAt: &now,
	})
	if err != nil {
		return err
	}
	log.Printf("[projector] order %d cancelled", lg.OrderID)

	return p.store.InsertOrderEvent(ctx, tx, &models.OrderEvent{
		OrderID:     lg.OrderID,
		EventType:   models.EventTypeCancelled,
		OldStatus:   models.OrderStatusPending,
		NewStatus:   models.OrderStatusCancelled,
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: int64(lg.BlockNumber),
		EventData:   lg.Raw,
	})
}

func (p *Projector) handleModified(ctx context.Context, tx pgx.Tx, lg *chain.OrderLog) error {
	now := time.Now().UTC()
	target := numeric.FromWei(lg.TargetPrice)
	minOut := numeric.FromWei(lg.MinAmountOut)

	err := p.store.UpdateOrder(ctx, tx, lg.OrderID, repository.OrderUpdate{
		TargetPrice:  &target,
		MinAmountOut: &minOut,
		UpdatedAt:    &now,
	})
	if err != nil {
		return err
	}
	log.Printf("[projector] order %d modified: target %s, min out %s", lg.OrderID, target, minOut)

	return p.store.InsertOrderEvent(ctx, tx, &models.OrderEvent{
		OrderID:     lg.OrderID,
		EventType:   models.EventTypeModified,
		OldStatus:   models.OrderStatusPending,
		NewStatus:   models.OrderStatusPending,
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: int64(lg.BlockNumber),
		EventData:   lg.Raw,
	})
}

// markError stamps the cursor row ERROR without moving it. Best effort:
// if the database is the thing that is down, the log line is all we
// get.
func (p *Projector) markError(ctx context.Context) {
	if err := p.store.SaveComponentState(ctx, nil, models.ComponentOrderListener, p.cursor.Load(), models.ComponentStatusError, p.lastTx); err != nil {
		log.Printf("[projector] recording error status failed: %v", err)
	}
}

func (p *Projector) housekeeping(ctx context.Context) {
	heartbeat := time.NewTicker(p.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	cacheClear := time.NewTicker(p.cfg.CacheClearInterval)
	defer cacheClear.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			log.Printf("[projector] heartbeat: up %s, cursor at block %d",
				time.Since(p.started).Round(time.Second), p.cursor.Load())
		case <-cacheClear.C:
			p.trading.ClearCaches()
		}
	}
}

// sleepCtx waits for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
