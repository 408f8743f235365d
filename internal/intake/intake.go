package intake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
	"github.com/mirrorlabs/mirrorbot/internal/executor"
)

const readBatchSize = 32

// Intake drives one reader goroutine per active strategy. Each reader
// resumes the durable signal stream from the strategy's watermark, hands
// eligible signals to the executor, and advances the watermark only after
// the signal has been fully handled, so a crash replays rather than skips.
// Replays are absorbed by the executor's order idempotency.
type Intake struct {
	bus        domain.SignalBus
	strategies domain.StrategyStore
	exec       *executor.Executor
	stream     string
	poll       time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	runners map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewIntake creates an Intake reading from the given stream.
func NewIntake(
	bus domain.SignalBus,
	strategies domain.StrategyStore,
	exec *executor.Executor,
	stream string,
	poll time.Duration,
	logger *slog.Logger,
) *Intake {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Intake{
		bus:        bus,
		strategies: strategies,
		exec:       exec,
		stream:     stream,
		poll:       poll,
		logger:     logger.With(slog.String("component", "intake")),
		now:        time.Now,
		runners:    make(map[string]context.CancelFunc),
	}
}

// Run starts readers for all active strategies and keeps the runner set in
// sync with the strategy table until ctx is cancelled. Newly launched
// strategies are picked up on the next refresh; terminated or missing ones
// have their readers stopped.
func (in *Intake) Run(ctx context.Context) error {
	in.logger.Info("intake started",
		slog.String("stream", in.stream),
		slog.Duration("poll_interval", in.poll),
	)
	defer in.logger.Info("intake stopped")

	if err := in.refresh(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(in.poll * 5)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			in.stopAll()
			in.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if err := in.refresh(ctx); err != nil {
				in.logger.Error("strategy refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// refresh reconciles the running readers against the active strategy set.
func (in *Intake) refresh(ctx context.Context) error {
	active, err := in.strategies.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("intake: list strategies: %w", err)
	}

	want := make(map[string]struct{}, len(active))
	for _, s := range active {
		want[s.ID] = struct{}{}
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	for id, cancel := range in.runners {
		if _, ok := want[id]; !ok {
			cancel()
			delete(in.runners, id)
			in.logger.Info("reader stopped", slog.String("strategy_id", id))
		}
	}

	for _, s := range active {
		if _, ok := in.runners[s.ID]; ok {
			continue
		}
		runCtx, cancel := context.WithCancel(ctx)
		in.runners[s.ID] = cancel
		in.wg.Add(1)
		go func(strategyID string) {
			defer in.wg.Done()
			in.readLoop(runCtx, strategyID)
		}(s.ID)
		in.logger.Info("reader started", slog.String("strategy_id", s.ID))
	}
	return nil
}

func (in *Intake) stopAll() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for id, cancel := range in.runners {
		cancel()
		delete(in.runners, id)
	}
}

// readLoop is one strategy's reader. The strategy record is reloaded on
// every batch so pauses and watermark changes take effect promptly.
func (in *Intake) readLoop(ctx context.Context, strategyID string) {
	log := in.logger.With(slog.String("strategy_id", strategyID))

	ticker := time.NewTicker(in.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		strat, err := in.strategies.GetByID(ctx, strategyID)
		if err != nil {
			log.Error("strategy reload failed", slog.String("error", err.Error()))
			continue
		}
		if !strat.Active {
			return
		}
		if strat.Paused {
			continue
		}

		if err := in.drainBatch(ctx, strat, log); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("signal batch failed", slog.String("error", err.Error()))
		}
	}
}

// drainBatch reads and handles one batch from the stream. The watermark
// advances per message, after handling succeeds; on error the batch stops
// and the next poll resumes from the last durable position.
func (in *Intake) drainBatch(ctx context.Context, strat domain.Strategy, log *slog.Logger) error {
	msgs, err := in.bus.StreamRead(ctx, in.stream, strat.Watermark.StreamID, readBatchSize)
	if err != nil {
		return fmt.Errorf("stream read: %w", err)
	}

	for _, msg := range msgs {
		sig, decodeErr := DecodeSignal(msg.Payload)
		if decodeErr != nil {
			// A malformed entry is skipped permanently; leaving it would
			// wedge the stream.
			log.Warn("malformed signal skipped",
				slog.String("stream_id", msg.ID),
				slog.String("error", decodeErr.Error()),
			)
		} else if in.shouldExecute(strat, sig) {
			if err := in.exec.Execute(ctx, strat, sig); err != nil {
				return fmt.Errorf("execute signal %s: %w", sig.ID, err)
			}
			strat.Watermark.SignalID = sig.ID
			strat.Watermark.OccurredAt = sig.OccurredAt
		}

		strat.Watermark.StreamID = msg.ID
		if err := in.strategies.AdvanceWatermark(ctx, strat.ID, strat.Watermark); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
	}
	return nil
}

// shouldExecute filters a decoded signal for this strategy: it must come
// from the linked source, postdate the launch, and sit past the watermark.
func (in *Intake) shouldExecute(strat domain.Strategy, sig domain.CandidateSignal) bool {
	if sig.Source != strat.Source {
		return false
	}
	if !strat.Eligible(sig.OccurredAt) {
		return false
	}
	if sig.ID == strat.Watermark.SignalID {
		return false
	}
	if !strat.Watermark.OccurredAt.IsZero() && sig.OccurredAt.Before(strat.Watermark.OccurredAt) {
		return false
	}
	return true
}
