package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/bus"
	"github.com/matheus3301/wpparchive/internal/email"
	"github.com/matheus3301/wpparchive/internal/export"
	"github.com/matheus3301/wpparchive/internal/ingest"
	"github.com/matheus3301/wpparchive/internal/metrics"
	"github.com/matheus3301/wpparchive/internal/status"
	"github.com/matheus3301/wpparchive/internal/store"
)

// MaxAge is how old a command may be and still run. History replays of old
// commands fall outside it.
const MaxAge = 60 * time.Second

// ErrNoQR is returned when a fresh pairing code does not appear in time.
var ErrNoQR = errors.New("qr code not available")

// ErrUnknownConversation is returned when a conversation has no archived messages.
var ErrUnknownConversation = errors.New("conversation not found")

// Result is the outcome of one command.
type Result struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ShouldReply bool   `json:"should_reply"`
}

func ok(format string, args ...any) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...), ShouldReply: true}
}

func failed(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...), ShouldReply: true}
}

// Session is the slice of the session manager commands need.
type Session interface {
	Status() status.Snapshot
	IsConnected() bool
	OwnNumber() string
	ResetSession(ctx context.Context) error
	QRPNG() ([]byte, error)
}

// Replier queues a text reply for delivery.
type Replier interface {
	QueueReply(clientMsgID, chatJID, body string) error
}

// ErrorLog records handler failures.
type ErrorLog interface {
	Error(errorType string, err error, location string, ctx map[string]any)
	Panic(location string, rec any, ctx map[string]any)
}

// Options configures the interpreter.
type Options struct {
	// CommandNumbers may issue commands.
	CommandNumbers []string
	// ReportNumbers restrict report CSVs. Empty means every conversation.
	ReportNumbers []string
	// Recipient receives every email.
	Recipient string
	// QRTimeout bounds the wait for a new pairing code.
	QRTimeout time.Duration
}

type handler func(ctx context.Context, args []string) (Result, error)

// Interpreter turns authorized text messages into actions.
type Interpreter struct {
	opts    Options
	session Session
	export  *export.Service
	mail    email.Sender
	replies Replier
	errs    ErrorLog
	bus     *bus.Bus
	log     *zap.Logger

	started      time.Time
	now          func() time.Time
	pollInterval time.Duration

	handlers map[string]handler
	names    map[string]string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an interpreter. mail and errs may be nil.
func New(opts Options, session Session, exp *export.Service, mail email.Sender, replies Replier, errs ErrorLog, b *bus.Bus, logger *zap.Logger) *Interpreter {
	if opts.QRTimeout <= 0 {
		opts.QRTimeout = 30 * time.Second
	}
	in := &Interpreter{
		opts:         opts,
		session:      session,
		export:       exp,
		mail:         mail,
		replies:      replies,
		errs:         errs,
		bus:          b,
		log:          logger.Named("command"),
		started:      time.Now(),
		now:          time.Now,
		pollInterval: 500 * time.Millisecond,
	}
	if exp != nil {
		in.now = exp.Now
	}
	in.handlers = map[string]handler{
		"state": in.handleState,
		"csv":   in.handleCSV,
		"qr":    in.handleQR,
		"help":  in.handleHelp,
	}
	in.names = map[string]string{
		"state":    "state",
		"estado":   "state",
		"status":   "state",
		"csv":      "csv",
		"mail-csv": "csv",
		"qr":       "qr",
		"help":     "help",
		"ayuda":    "help",
	}
	return in
}

// Start consumes stored live messages from the bus.
func (in *Interpreter) Start(ctx context.Context) {
	ctx, in.cancel = context.WithCancel(ctx)
	ch, unsub := in.bus.SubscribeReliable(bus.KindMessageStored, 64)
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				msg, isMsg := evt.Payload.(*store.Message)
				if !isMsg || msg == nil {
					continue
				}
				in.Handle(ctx, msg)
			}
		}
	}()
	in.log.Info("command interpreter started", zap.Int("numbers", len(in.opts.CommandNumbers)))
}

// Stop ends the consumer and waits for a running command.
func (in *Interpreter) Stop() {
	if in.cancel != nil {
		in.cancel()
	}
	in.wg.Wait()
}

// Handle evaluates one stored message. It reports whether a command was
// dispatched; the reply, if any, is queued before returning.
func (in *Interpreter) Handle(ctx context.Context, msg *store.Message) (Result, bool) {
	name, args, eligible := in.match(msg)
	if !eligible {
		return Result{}, false
	}

	res := in.run(ctx, name, args)
	metrics.CommandsHandled.WithLabelValues(name, strconv.FormatBool(res.Success)).Inc()
	in.log.Info("command handled",
		zap.String("command", name),
		zap.String("remote_jid", msg.RemoteJID),
		zap.Bool("success", res.Success),
	)

	if res.ShouldReply && in.replies != nil && res.Message != "" {
		if err := in.replies.QueueReply(uuid.NewString(), msg.RemoteJID, res.Message); err != nil {
			in.log.Error("queue reply", zap.String("command", name), zap.Error(err))
		}
	}
	return res, true
}

// match applies the scope, authorization and freshness gates and parses the
// command token.
func (in *Interpreter) match(msg *store.Message) (string, []string, bool) {
	if msg.IsGroup || msg.MessageType != store.TypeText {
		return "", nil, false
	}

	sender := ingest.UserPart(msg.RemoteJID)
	if msg.IsFromMe {
		// Own messages only count in the self-chat; elsewhere they are
		// ordinary conversation with someone else.
		own := in.session.OwnNumber()
		if own == "" || sender != own {
			return "", nil, false
		}
	}
	if !Authorized(sender, in.opts.CommandNumbers) {
		return "", nil, false
	}

	age := in.now().Sub(time.Unix(msg.Timestamp, 0))
	if age > MaxAge || age < -MaxAge {
		in.log.Debug("stale command ignored", zap.String("message_id", msg.MessageID), zap.Duration("age", age))
		return "", nil, false
	}

	token, args := Parse(msg.Content)
	name, known := in.names[token]
	if !known {
		return "", nil, false
	}
	return name, args, true
}

func (in *Interpreter) run(ctx context.Context, name string, args []string) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			in.log.Error("command panicked", zap.String("command", name), zap.Any("panic", rec))
			if in.errs != nil {
				in.errs.Panic("command."+name, rec, map[string]any{"args": args})
			}
			res = failed("Command %s failed unexpectedly.", name)
		}
	}()

	res, err := in.handlers[name](ctx, args)
	if err != nil {
		in.log.Warn("command failed", zap.String("command", name), zap.Error(err))
		if in.errs != nil && !errors.Is(err, email.ErrNotConfigured) {
			in.errs.Error("command_failed", err, "command."+name, map[string]any{"args": args})
		}
		if res.Message == "" {
			res = failed("Command %s failed: %v", name, err)
		}
		res.Success = false
		res.ShouldReply = true
	}
	return res
}

// Parse splits a command into its lowercased token, without a leading "/",
// and the remaining arguments.
func Parse(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil
	}
	token := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	return token, fields[1:]
}

// Authorized reports whether number contains one of allowed after both are
// reduced to digits, so "3001234567" admits "573001234567".
func Authorized(number string, allowed []string) bool {
	n := export.Digits(number)
	if n == "" {
		return false
	}
	for _, a := range export.NormalizeNumbers(allowed) {
		if strings.Contains(n, a) {
			return true
		}
	}
	return false
}
