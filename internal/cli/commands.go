package cli

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// DefaultURL is the daemon address used when neither --url nor
// WPPARCHIVE_URL is set.
const DefaultURL = "http://127.0.0.1:3000"

type globals struct {
	url     string
	timeout time.Duration
	json    bool
}

func (g *globals) client() *Client {
	return NewClient(g.url, g.timeout)
}

// NewRootCommand builds the wpparchivectl command tree.
func NewRootCommand() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:           "wpparchivectl",
		Short:         "Control a running wpparchived",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `  wpparchivectl status
  wpparchivectl messages --jid 573001234567@s.whatsapp.net --limit 20
  wpparchivectl export --today --out today.csv`,
	}

	defaultURL := os.Getenv("WPPARCHIVE_URL")
	if defaultURL == "" {
		defaultURL = DefaultURL
	}
	cmd.PersistentFlags().StringVar(&g.url, "url", defaultURL, "daemon base URL")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 60*time.Second, "request timeout")
	cmd.PersistentFlags().BoolVar(&g.json, "json", false, "output in JSON format")

	cmd.AddCommand(
		newStatusCommand(g),
		newQRCommand(g),
		newResetCommand(g),
		newReportCommand(g),
		newConversationsCommand(g),
		newMessagesCommand(g),
		newExportCommand(g),
		newEmailCommand(g),
	)
	return cmd
}

func newStatusCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the WhatsApp connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := g.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.json {
				return outputJSON(out, st)
			}
			fmt.Fprintf(out, "State:     %s\n", st.State)
			fmt.Fprintf(out, "Since:     %s\n", st.Since.Local().Format(time.DateTime))
			fmt.Fprintf(out, "Connected: %v\n", st.Connected)
			if st.Number != "" {
				fmt.Fprintf(out, "Account:   %s\n", st.Number)
			}
			if st.QR != "" {
				fmt.Fprintln(out, "A QR code is waiting to be scanned; run `wpparchivectl qr`.")
			}
			return nil
		},
	}
}

func newQRCommand(g *globals) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Save the pending pairing QR code as a PNG",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := g.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			if st.QR == "" {
				return fmt.Errorf("no QR code available (state %s)", st.State)
			}
			png, err := decodeDataURL(st.QR)
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, png, 0600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "QR code written to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "qr.png", "output file")
	return cmd
}

func newResetCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Discard the linked device and start a new pairing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.client().Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Session reset. Run `wpparchivectl qr` to get the new code.")
			return nil
		},
	}
}

func newReportCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Send the daily report email now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rows, err := g.client().SendReport(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Report sent with %d messages.\n", rows)
			return nil
		},
	}
}

func newEmailCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "email <jid>",
		Short: "Email one conversation as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := g.client().EmailConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %d messages from %s.\n", rows, args[0])
			return nil
		},
	}
}

func newConversationsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"chats"},
		Short:   "List conversations by last activity",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			convs, err := g.client().Conversations(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.json {
				return outputJSON(out, convs)
			}
			if len(convs) == 0 {
				fmt.Fprintln(out, "No conversations archived yet.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JID\tNAME\tMESSAGES\tLAST")
			for _, c := range convs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.RemoteJID, c.Name, c.MessageCount, formatUnix(c.LastTimestamp))
			}
			return tw.Flush()
		},
	}
}

func newMessagesCommand(g *globals) *cobra.Command {
	var q MessagesQuery
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Query archived messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			page, err := g.client().Messages(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.json {
				return outputJSON(out, page)
			}
			for _, m := range page.Messages {
				who := m.SenderName
				if m.IsFromMe {
					who = "me"
				}
				if who == "" {
					who = m.RemoteJID
				}
				fmt.Fprintf(out, "[%s] %s: %s\n", formatUnix(m.Timestamp), who, oneLine(m.Content))
			}
			fmt.Fprintf(out, "-- page %d/%d, %d total, %s\n", page.Page, page.Pages, page.Total, page.Sort)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&q.RemoteJID, "jid", "", "conversation JID")
	f.StringVar(&q.Search, "search", "", "substring to match in content")
	f.StringVar(&q.From, "from", "", "start (unix seconds, RFC 3339 or YYYY-MM-DD)")
	f.StringVar(&q.To, "to", "", "end, inclusive")
	f.IntVar(&q.Page, "page", 1, "page number")
	f.IntVar(&q.Limit, "limit", 0, "page size (max 100)")
	f.StringVar(&q.Sort, "sort", "", "asc or desc")
	return cmd
}

func newExportCommand(g *globals) *cobra.Command {
	var (
		q       ExportQuery
		outPath string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download messages as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, data, err := g.client().ExportCSV(cmd.Context(), q)
			if err != nil {
				return err
			}
			if outPath == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				outPath = filepath.Base(name)
			}
			if err := os.WriteFile(outPath, data, 0600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", outPath, len(data))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&q.RemoteJID, "jid", "", "conversation JID")
	f.StringVar(&q.From, "from", "", "start (unix seconds, RFC 3339 or YYYY-MM-DD)")
	f.StringVar(&q.To, "to", "", "end, inclusive")
	f.BoolVar(&q.Today, "today", false, "only today's messages")
	f.StringVarP(&outPath, "out", "o", "", "output file, - for stdout (default: server filename)")
	return cmd
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		if IsUnavailable(err) {
			return 2
		}
		return 1
	}
	return 0
}

func decodeDataURL(u string) ([]byte, error) {
	_, payload, ok := strings.Cut(u, ";base64,")
	if !ok {
		return nil, errors.New("malformed QR data URL")
	}
	return base64.StdEncoding.DecodeString(payload)
}

func formatUnix(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return time.Unix(ts, 0).Local().Format(time.DateTime)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
