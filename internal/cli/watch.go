package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/roach88/groupcast/internal/broadcast"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Group    string // only this group identifier
	Count    int    // exit after this many messages (0 = run until interrupted)
	Embedded bool   // host an in-process NATS server
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print notifications published to NATS",
		Long: `Subscribe to the notification subjects and print every message.

With --embedded (or nats.embedded in the config) an in-process NATS server
is started on the default port, so "groupcast apply" from another shell
can publish to it.

Examples:
  groupcast watch --nats nats://127.0.0.1:4222
  groupcast watch --embedded --count 10
  groupcast watch --group $(groupcast group Post CategoryId=1 IsVisible=true)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Group, "group", "", "only print this group identifier")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many messages")
	cmd.Flags().BoolVar(&opts.Embedded, "embedded", false, "host an in-process NATS server")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := opts.Resolve(cmd)
	if err != nil {
		return err
	}
	if opts.Embedded && cfg.NATS.URL == "" {
		cfg.NATS.Embedded = true
	}

	nc, closeNATS, err := dialNATS(cfg.NATS, true, logger)
	if err != nil {
		return err
	}
	defer closeNATS()

	pub := broadcast.NewNATSPublisher(nc, broadcast.WithSubjectPrefix(cfg.NATS.SubjectPrefix))
	subject := pub.Wildcard()
	if opts.Group != "" {
		subject = pub.Subject(opts.Group)
	}

	msgs := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe", err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe", err)
	}
	logger.Info("watching", "subject", subject)

	w := cmd.OutOrStdout()
	seen := 0
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case m := <-msgs:
			msg, err := broadcast.DecodeMessage(m.Data)
			if err != nil {
				logger.Warn("undecodable message", "subject", m.Subject, "error", err)
				continue
			}
			if opts.Format == "json" {
				if err := json.NewEncoder(w).Encode(msg); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(w, formatMessage(msg))
			}
			seen++
			if opts.Count > 0 && seen >= opts.Count {
				return nil
			}
		}
	}
}

// formatMessage renders a message on one line:
// "Added Post Id=1 fields=CategoryId,IsVisible group=<id>".
func formatMessage(msg broadcast.Message) string {
	p := msg.Payload
	pairs := make([]string, 0, len(p.EntityKeys))
	for _, name := range sortedKeys(p.EntityKeys) {
		pairs = append(pairs, fmt.Sprintf("%s=%v", name, p.EntityKeys[name]))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", p.ChangeType, p.EntityType, strings.Join(pairs, ","))
	if len(p.SourceFieldNames) > 0 {
		fmt.Fprintf(&b, " fields=%s", strings.Join(p.SourceFieldNames, ","))
	}
	fmt.Fprintf(&b, " group=%s", msg.GroupID)
	return b.String()
}
