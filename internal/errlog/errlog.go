package errlog

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/metrics"
	"github.com/matheus3301/wpparchive/internal/store"
)

// Namer resolves a best-known display name for a conversation.
type Namer interface {
	DisplayName(jid string, isGroup bool) string
}

// Log writes AppError and AppEvent rows in the background. Writes never block
// the caller and their failures are only reported to zap.
type Log struct {
	db    *store.DB
	log   *zap.Logger
	namer Namer
	wg    sync.WaitGroup
}

// New creates an error/event log. namer may be nil.
func New(db *store.DB, log *zap.Logger, namer Namer) *Log {
	return &Log{db: db, log: log.Named("errlog"), namer: namer}
}

// Error records err under errorType. Context values must be JSON-encodable.
func (l *Log) Error(errorType string, err error, location string, ctx map[string]any) {
	if err == nil {
		return
	}
	l.write(&store.AppError{
		ErrorType:    errorType,
		ErrorMessage: err.Error(),
		Location:     location,
		Context:      ctx,
	})
}

// Panic records a recovered panic value together with the current stack.
func (l *Log) Panic(location string, rec any, ctx map[string]any) {
	l.write(&store.AppError{
		ErrorType:    "panic",
		ErrorMessage: toString(rec),
		Stack:        string(debug.Stack()),
		Location:     location,
		Context:      ctx,
	})
}

func (l *Log) write(e *store.AppError) {
	l.log.Warn("app error",
		zap.String("type", e.ErrorType),
		zap.String("location", e.Location),
		zap.String("error", e.ErrorMessage),
	)
	metrics.AppErrorsRecorded.WithLabelValues(e.ErrorType).Inc()
	l.goSafe(func() {
		if err := l.db.InsertError(e); err != nil {
			l.log.Error("write app error", zap.Error(err))
		}
	})
}

// Event records an app event. Details are enriched with the conversation's
// number and best-known name when they are not already present.
func (l *Log) Event(e *store.AppEvent) {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	metrics.AppEventsRecorded.WithLabelValues(e.EventType).Inc()
	l.goSafe(func() {
		l.enrich(e)
		if err := l.db.InsertEvent(e); err != nil {
			l.log.Error("write app event", zap.Error(err), zap.String("type", e.EventType))
		}
	})
}

func (l *Log) enrich(e *store.AppEvent) {
	if e.RemoteJID == "" {
		return
	}
	isGroup := strings.HasSuffix(e.RemoteJID, "@g.us")
	e.Details["is_group"] = isGroup
	if _, ok := e.Details["remote_number"]; !ok && !isGroup {
		if user, _, found := strings.Cut(e.RemoteJID, "@"); found {
			e.Details["remote_number"] = user
		}
	}
	if _, ok := e.Details["remote_name"]; !ok && l.namer != nil {
		if name := l.namer.DisplayName(e.RemoteJID, isGroup); name != "" {
			e.Details["remote_name"] = name
		}
	}
}

func (l *Log) goSafe(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				l.log.Error("errlog writer panicked", zap.Any("panic", rec))
			}
		}()
		fn()
	}()
}

// Flush waits for pending writes or until ctx is done.
func (l *Log) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case error:
		return x.Error()
	case string:
		return x
	default:
		return fmt.Sprint(v)
	}
}
