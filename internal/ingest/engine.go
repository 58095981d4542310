package ingest

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/bus"
	"github.com/matheus3301/wpparchive/internal/store"
)

// PanicLog records recovered panics.
type PanicLog interface {
	Panic(location string, rec any, ctx map[string]any)
}

// Engine consumes protocol events from the bus, one goroutine per category,
// so each category keeps its order while categories proceed independently.
type Engine struct {
	norm   *Normalizer
	bus    *bus.Bus
	panics PanicLog
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an ingestion engine. panics may be nil.
func NewEngine(norm *Normalizer, b *bus.Bus, panics PanicLog, logger *zap.Logger) *Engine {
	return &Engine{
		norm:   norm,
		bus:    b,
		panics: panics,
		logger: logger.Named("engine"),
	}
}

// Start subscribes to the protocol categories and begins processing.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.run(ctx, bus.KindWAMessage, e.handleMessage)
	e.run(ctx, bus.KindWAHistory, e.handleHistory)
	e.run(ctx, bus.KindWACall, e.handleCall)
	e.run(ctx, bus.KindWADelete, e.handleDelete)

	e.logger.Info("ingestion engine started")
}

// Stop cancels the consumers and waits for in-flight events to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("ingestion engine stopped")
}

func (e *Engine) run(ctx context.Context, kind string, handle func(context.Context, bus.Event)) {
	ch, unsub := e.bus.SubscribeReliable(kind, 256)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				e.safe(ctx, kind, evt, handle)
			}
		}
	}()
}

func (e *Engine) safe(ctx context.Context, kind string, evt bus.Event, handle func(context.Context, bus.Event)) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("ingest handler panicked", zap.String("kind", kind), zap.Any("panic", rec))
			if e.panics != nil {
				e.panics.Panic("ingest."+kind, rec, map[string]any{"payload": fmt.Sprintf("%T", evt.Payload)})
			}
		}
	}()
	handle(ctx, evt)
}

func (e *Engine) handleMessage(ctx context.Context, evt bus.Event) {
	env, ok := evt.Payload.(Envelope)
	if !ok {
		return
	}
	msg, outcome, err := e.norm.Ingest(ctx, env)
	if err != nil {
		e.logger.Error("ingest message", zap.String("message_id", env.Key.ID), zap.Error(err))
		return
	}
	if outcome == Stored && !env.History {
		e.bus.Publish(bus.Event{Kind: bus.KindMessageStored, Payload: msg})
	}
}

func (e *Engine) handleHistory(ctx context.Context, evt bus.Event) {
	batch, ok := evt.Payload.([]Envelope)
	if !ok {
		return
	}
	counts := map[Outcome]int{}
	for _, env := range batch {
		if ctx.Err() != nil {
			return
		}
		env.History = true
		_, outcome, err := e.norm.Ingest(ctx, env)
		if err != nil {
			e.logger.Error("ingest history message", zap.String("message_id", env.Key.ID), zap.Error(err))
			continue
		}
		counts[outcome]++
	}
	e.logger.Info("history batch ingested",
		zap.Int("total", len(batch)),
		zap.Int("stored", counts[Stored]),
		zap.Int("duplicate", counts[Duplicate]),
		zap.Int("skipped", counts[Skipped]),
	)
}

func (e *Engine) handleCall(ctx context.Context, evt bus.Event) {
	call, ok := evt.Payload.(CallEvent)
	if !ok {
		return
	}
	msg, outcome, err := e.norm.HandleCall(ctx, call)
	if err != nil {
		e.logger.Error("ingest call", zap.String("call_id", call.CallID), zap.Error(err))
		return
	}
	if outcome == Stored {
		e.logger.Debug("call recorded", zap.String("message_id", msg.MessageID), zap.String("content", msg.Content))
	}
}

func (e *Engine) handleDelete(ctx context.Context, evt bus.Event) {
	del, ok := evt.Payload.(DeleteEvent)
	if !ok {
		return
	}
	if del.Type == "" {
		del.Type = store.EventMessageDelete
	}
	e.norm.HandleDelete(ctx, del)
}
