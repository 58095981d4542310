package command

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/matheus3301/wpparchive/internal/email"
	"github.com/matheus3301/wpparchive/internal/export"
)

const helpText = `Available commands:
state  - email a status summary (aliases: estado, status)
csv    - email today's messages as CSV (alias: mail-csv)
qr     - email a new pairing QR code
help   - show this message (alias: ayuda)`

const qrContentID = "qr-code"

func (in *Interpreter) handleHelp(context.Context, []string) (Result, error) {
	return ok("%s", helpText), nil
}

func (in *Interpreter) handleState(ctx context.Context, _ []string) (Result, error) {
	if err := in.emailReady(); err != nil {
		return failed("Status report not sent: email is not configured."), err
	}
	summary, err := in.statusSummary(ctx)
	if err != nil {
		return Result{}, err
	}
	err = in.mail.Send(ctx, &email.Message{
		Subject: "WhatsApp archive status",
		Text:    summary,
		HTML:    "<pre>" + html.EscapeString(summary) + "</pre>",
	})
	if err != nil {
		return failed("Status report could not be emailed."), err
	}
	return ok("Status report sent to %s.", in.opts.Recipient), nil
}

func (in *Interpreter) handleCSV(ctx context.Context, _ []string) (Result, error) {
	if err := in.emailReady(); err != nil {
		return failed("CSV not sent: email is not configured."), err
	}
	exp, err := in.export.CSV(ctx, export.CSVRequest{Today: true, Numbers: in.opts.ReportNumbers})
	if err != nil {
		return Result{}, fmt.Errorf("build csv: %w", err)
	}
	err = in.mail.Send(ctx, &email.Message{
		Subject:     "WhatsApp messages " + in.today(),
		Text:        fmt.Sprintf("%d messages from today are attached.", exp.Rows),
		Attachments: []email.Attachment{csvAttachment(exp)},
	})
	if err != nil {
		return failed("CSV could not be emailed."), err
	}
	return ok("CSV with %d messages sent to %s.", exp.Rows, in.opts.Recipient), nil
}

// handleQR resets a connected session so a new pairing code is issued, waits
// for it and emails it inline.
func (in *Interpreter) handleQR(ctx context.Context, _ []string) (Result, error) {
	if err := in.emailReady(); err != nil {
		return failed("QR not sent: email is not configured."), err
	}
	if in.session.IsConnected() {
		if err := in.session.ResetSession(ctx); err != nil {
			return failed("Session reset failed."), fmt.Errorf("reset session: %w", err)
		}
	}
	png, err := in.waitForQR(ctx)
	if err != nil {
		return failed("No QR code was generated in time."), err
	}
	err = in.mail.Send(ctx, &email.Message{
		Subject: "WhatsApp pairing code",
		Text:    "Scan the attached QR code from WhatsApp > Linked devices.",
		HTML:    fmt.Sprintf(`<p>Scan this code from WhatsApp &gt; Linked devices.</p><img src="cid:%s" alt="QR code">`, qrContentID),
		Attachments: []email.Attachment{{
			Filename:  "qr.png",
			Data:      png,
			MimeType:  "image/png",
			ContentID: qrContentID,
		}},
	})
	if err != nil {
		return failed("QR code could not be emailed."), err
	}
	return ok("QR code sent to %s.", in.opts.Recipient), nil
}

func (in *Interpreter) waitForQR(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, in.opts.QRTimeout)
	defer cancel()
	ticker := time.NewTicker(in.pollInterval)
	defer ticker.Stop()
	for {
		if png, err := in.session.QRPNG(); err == nil && len(png) > 0 {
			return png, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrNoQR
		case <-ticker.C:
		}
	}
}

func (in *Interpreter) emailReady() error {
	if in.mail == nil || in.mail.Provider() == "none" || in.opts.Recipient == "" {
		return email.ErrNotConfigured
	}
	return nil
}

func (in *Interpreter) statusSummary(ctx context.Context) (string, error) {
	st, err := in.export.Stats(ctx)
	if err != nil {
		return "", fmt.Errorf("archive stats: %w", err)
	}
	snap := in.session.Status()
	now := in.now()
	loc := in.export.Location()

	var b strings.Builder
	fmt.Fprintf(&b, "Connection: %s (since %s)\n", snap.State, snap.Since.In(loc).Format(time.RFC3339))
	fmt.Fprintf(&b, "Account: %s\n", orNone(in.session.OwnNumber()))
	fmt.Fprintf(&b, "Uptime: %s\n", now.Sub(in.started).Round(time.Second))
	fmt.Fprintf(&b, "Conversations: %d\n", st.Conversations)
	fmt.Fprintf(&b, "Messages: %d\n", st.Messages)
	if st.Latest > 0 {
		fmt.Fprintf(&b, "Last message: %s\n", time.Unix(st.Latest, 0).In(loc).Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Supervised numbers: %s\n", orNone(strings.Join(in.opts.ReportNumbers, ", ")))
	fmt.Fprintf(&b, "Command numbers: %s\n", orNone(strings.Join(in.opts.CommandNumbers, ", ")))
	return b.String(), nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func (in *Interpreter) today() string {
	return in.now().In(in.export.Location()).Format("2006-01-02")
}

func csvAttachment(exp *export.Export) email.Attachment {
	return email.Attachment{Filename: exp.Filename, Data: exp.Data, MimeType: "text/csv"}
}

// SendDailyReport emails the status summary with today's supervised messages
// attached. It returns the number of exported rows.
func (in *Interpreter) SendDailyReport(ctx context.Context) (int, error) {
	if err := in.emailReady(); err != nil {
		return 0, err
	}
	summary, err := in.statusSummary(ctx)
	if err != nil {
		return 0, err
	}
	exp, err := in.export.CSV(ctx, export.CSVRequest{Today: true, Numbers: in.opts.ReportNumbers})
	if err != nil {
		return 0, fmt.Errorf("build csv: %w", err)
	}
	text := fmt.Sprintf("Daily report for %s\n\n%s\nMessages today: %d\n", in.today(), summary, exp.Rows)
	err = in.mail.Send(ctx, &email.Message{
		Subject:     "WhatsApp daily report " + in.today(),
		Text:        text,
		HTML:        "<pre>" + html.EscapeString(text) + "</pre>",
		Attachments: []email.Attachment{csvAttachment(exp)},
	})
	if err != nil {
		return 0, fmt.Errorf("send report: %w", err)
	}
	in.log.Info("daily report sent")
	return exp.Rows, nil
}

// EmailConversation emails the full history of one conversation as CSV.
func (in *Interpreter) EmailConversation(ctx context.Context, remoteJID string) (int, error) {
	if err := in.emailReady(); err != nil {
		return 0, err
	}
	if remoteJID == "" {
		return 0, errors.New("conversation id is required")
	}
	exp, err := in.export.CSV(ctx, export.CSVRequest{RemoteJID: remoteJID})
	if err != nil {
		return 0, fmt.Errorf("build csv: %w", err)
	}
	if exp.Rows == 0 {
		return 0, ErrUnknownConversation
	}
	err = in.mail.Send(ctx, &email.Message{
		Subject:     "WhatsApp conversation " + remoteJID,
		Text:        fmt.Sprintf("%d messages from %s are attached.", exp.Rows, remoteJID),
		Attachments: []email.Attachment{csvAttachment(exp)},
	})
	if err != nil {
		return 0, fmt.Errorf("send conversation: %w", err)
	}
	return exp.Rows, nil
}
