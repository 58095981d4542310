package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/metrics"
	"github.com/matheus3301/wpparchive/internal/store"
)

// Outcome describes what Ingest did with an envelope.
type Outcome int

const (
	Stored Outcome = iota
	Duplicate
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	default:
		return "skipped"
	}
}

// Toucher is notified after a message is archived so conversation metadata
// can be refreshed.
type Toucher interface {
	Touch(jid string, isGroup bool)
}

// ErrorLog receives diagnostic errors and app events. Implementations must not
// block.
type ErrorLog interface {
	Error(errorType string, err error, location string, ctx map[string]any)
	Event(e *store.AppEvent)
}

// Normalizer turns protocol envelopes into archived messages.
type Normalizer struct {
	db           *store.DB
	resolver     Resolver
	media        MediaDownloader
	mediaDir     string
	mediaTimeout time.Duration
	cache        Toucher
	errs         ErrorLog
	log          *zap.Logger
	now          func() time.Time
	calls        *callTracker
}

// Deps groups the Normalizer's collaborators. Resolver, Media and Cache may be nil.
type Deps struct {
	DB       *store.DB
	Resolver Resolver
	Media    MediaDownloader
	MediaDir string
	Cache    Toucher
	Errors   ErrorLog
	Logger   *zap.Logger
}

// NewNormalizer creates a normalizer.
func NewNormalizer(d Deps) *Normalizer {
	return &Normalizer{
		db:           d.DB,
		resolver:     d.Resolver,
		media:        d.Media,
		mediaDir:     d.MediaDir,
		mediaTimeout: 2 * time.Minute,
		cache:        d.Cache,
		errs:         d.Errors,
		log:          d.Logger.Named("ingest"),
		now:          time.Now,
		calls:        newCallTracker(),
	}
}

// Ingest normalizes and archives one envelope. Duplicates and content-free
// payloads are not errors. Only storage failures are returned.
func (n *Normalizer) Ingest(ctx context.Context, env Envelope) (*store.Message, Outcome, error) {
	source := "live"
	if env.History {
		source = "history"
	}

	content := Classify(env.Message)
	if content.Skip() || env.Key.ID == "" {
		metrics.MessagesIngested.WithLabelValues(source, "skipped").Inc()
		return nil, Skipped, nil
	}

	remote := Canonicalize(ctx, env.Key.RemoteJID, env.Key.RemoteJIDAlt, n.resolver)
	msg := &store.Message{
		RemoteJID:   remote.JID,
		SenderName:  env.PushName,
		MessageID:   env.Key.ID,
		MessageType: content.Type,
		Content:     content.StoredText(),
		Timestamp:   CoerceTimestamp(env.Timestamp, n.now()),
		IsGroup:     remote.IsGroup,
		IsFromMe:    env.Key.FromMe,
	}
	if remote.IsGroup && env.Key.Participant != "" {
		msg.ParticipantJID = Canonicalize(ctx, env.Key.Participant, env.Key.ParticipantAlt, n.resolver).JID
	}

	if content.Media != nil {
		// Replays of archived media must not download again.
		existing, err := n.db.GetMessage(msg.MessageID)
		if err != nil {
			return nil, Skipped, err
		}
		if existing != nil {
			metrics.MessagesIngested.WithLabelValues(source, "duplicate").Inc()
			return existing, Duplicate, nil
		}
		n.attachMedia(ctx, msg, content.Media)
	}

	return n.persist(msg, source)
}

func (n *Normalizer) attachMedia(ctx context.Context, msg *store.Message, m *Media) {
	saved, err := n.saveMedia(ctx, msg.MessageType, msg.MessageID, m)
	if err != nil {
		metrics.MediaDownloads.WithLabelValues(msg.MessageType, "error").Inc()
		n.log.Warn("media download failed",
			zap.String("message_id", msg.MessageID),
			zap.String("type", msg.MessageType),
			zap.Error(err),
		)
		if n.errs != nil {
			n.errs.Error("media_download", err, "ingest.attachMedia", map[string]any{
				"messageId":   msg.MessageID,
				"remoteJid":   msg.RemoteJID,
				"messageType": msg.MessageType,
			})
		}
		return
	}
	metrics.MediaDownloads.WithLabelValues(msg.MessageType, "ok").Inc()
	msg.MediaPath = saved.Path
	msg.MediaMimetype = saved.Mimetype
}

func (n *Normalizer) persist(msg *store.Message, source string) (*store.Message, Outcome, error) {
	if err := n.db.InsertMessage(msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			metrics.MessagesIngested.WithLabelValues(source, "duplicate").Inc()
			return msg, Duplicate, nil
		}
		metrics.MessagesIngested.WithLabelValues(source, "error").Inc()
		return nil, Skipped, err
	}
	metrics.MessagesIngested.WithLabelValues(source, "stored").Inc()

	if n.cache != nil {
		n.cache.Touch(msg.RemoteJID, msg.IsGroup)
	}
	return msg, Stored, nil
}
