package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/metrics"
	"github.com/matheus3301/wpparchive/internal/store"
)

// TextSender is the interface for sending text messages via WhatsApp.
type TextSender interface {
	IsConnected() bool
	SendText(ctx context.Context, jid string, text string) (serverMsgID string, err error)
}

// ErrorLog records delivery failures.
type ErrorLog interface {
	Error(errorType string, err error, location string, ctx map[string]any)
}

// Sender drains the reply outbox whenever the session is connected.
type Sender struct {
	db       *store.DB
	sender   TextSender
	errs     ErrorLog
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSender creates a new outbox sender. errs may be nil.
func NewSender(db *store.DB, sender TextSender, errs ErrorLog, logger *zap.Logger) *Sender {
	return &Sender{
		db:       db,
		sender:   sender,
		errs:     errs,
		logger:   logger.Named("outbox"),
		interval: 500 * time.Millisecond,
	}
}

// Start requeues replies interrupted by a previous shutdown and begins polling.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RequeueInterrupted(); err != nil {
		s.logger.Error("failed to requeue interrupted replies", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued interrupted replies", zap.Int64("count", n))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for an in-flight send.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sender) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.sender.IsConnected() {
				s.processPending(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingReplies(20)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		claimed, err := s.db.ClaimReply(entry.ClientMsgID)
		if err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}
		if !claimed {
			continue
		}
		s.deliver(ctx, entry)
	}
}

func (s *Sender) deliver(ctx context.Context, entry store.OutboxEntry) {
	serverMsgID, err := s.sender.SendText(ctx, entry.ChatJID, entry.Body)
	if err != nil {
		metrics.RepliesSent.WithLabelValues("failed").Inc()
		s.logger.Error("failed to send reply", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		if err := s.db.MarkReplyFailed(entry.ClientMsgID, err.Error()); err != nil {
			s.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		if s.errs != nil {
			s.errs.Error("reply_send", err, "outbox.deliver", map[string]any{
				"clientMsgId": entry.ClientMsgID,
				"chatJid":     entry.ChatJID,
			})
		}
		return
	}

	if err := s.db.MarkReplySent(entry.ClientMsgID, serverMsgID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	metrics.RepliesSent.WithLabelValues("sent").Inc()

	// Our own sends are not echoed back by the protocol, so archive the reply
	// here under its server id.
	err = s.db.InsertMessage(&store.Message{
		RemoteJID:   entry.ChatJID,
		MessageID:   serverMsgID,
		MessageType: store.TypeText,
		Content:     entry.Body,
		Timestamp:   time.Now().Unix(),
		IsFromMe:    true,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		s.logger.Warn("failed to archive reply", zap.Error(err), zap.String("server_msg_id", serverMsgID))
	}

	s.logger.Info("reply sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("server_msg_id", serverMsgID))
}
