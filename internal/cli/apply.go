package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/groupcast/internal/broadcast"
	"github.com/roach88/groupcast/internal/harness"
	"github.com/roach88/groupcast/internal/ir"
	"github.com/roach88/groupcast/internal/router"
	"github.com/roach88/groupcast/internal/store"
	"github.com/roach88/groupcast/internal/subscription"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Publish bool // publish notifications to NATS
	Metrics bool // print router counters after the last batch
}

// NotificationView is one notification as printed by apply.
type NotificationView struct {
	Change   string         `json:"change"`
	Entity   string         `json:"entity"`
	Group    string         `json:"group"`
	GroupID  string         `json:"group_id"`
	Keys     map[string]any `json:"keys"`
	CommitID string         `json:"commit_id"`
	Seq      int64          `json:"seq"`
}

// BatchResult is the outcome of one committed batch.
type BatchResult struct {
	Name          string             `json:"name"`
	Rows          int                `json:"rows"`
	Error         string             `json:"error,omitempty"`
	Notifications []NotificationView `json:"notifications"`
}

// ApplyResult holds the outcome of every attempted batch.
type ApplyResult struct {
	Batches []BatchResult `json:"batches"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <batch-file>",
		Short: "Commit change batches and route their notifications",
		Long: `Commit YAML change batches to the SQLite database and print the
notifications each commit routes. Every YAML document is one batch,
committed as one unit of work. Use "-" to read from stdin.

  name: create post
  ops:
    - add: {type: Post, values: {Title: Hello, CategoryId: 1}}
    - update: {type: Category, key: {Id: 1}, set: {Name: Go}}
    - remove: {type: Tag, key: {PostId: 1, Label: old}}

Applying stops at the first batch that fails to commit.

Exit codes:
  0 - All batches committed
  1 - A batch failed
  2 - Command error (invalid specs, database, NATS, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "publish notifications to NATS")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print router counters")

	return cmd
}

func runApply(opts *ApplyOptions, path string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, err := opts.Resolve(cmd)
	if err != nil {
		return err
	}
	formatter := opts.formatter(cmd)

	batches, err := readBatches(path, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read batches", err)
	}

	specs, err := loadEntities(cfg.Specs.Dir)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.Path, specs)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	rules, err := buildRules(specs, st, cfg, logger)
	if err != nil {
		return err
	}

	subs := subscription.New(subscription.WithLogger(logger))
	defer subs.Close()

	var (
		mu      sync.Mutex
		current []NotificationView
	)
	subs.Subscribe(cfg.Router.Owner, func(_ context.Context, groupID string, n ir.ChangeNotification) error {
		mu.Lock()
		defer mu.Unlock()
		current = append(current, viewOf(n))
		return nil
	})

	var pub *broadcast.NATSPublisher
	if opts.Publish || cfg.NATS.Enabled() {
		nc, closeNATS, err := dialNATS(cfg.NATS, false, logger)
		if err != nil {
			return err
		}
		defer closeNATS()
		pub = broadcast.NewNATSPublisher(nc,
			broadcast.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
			broadcast.WithNATSMethod(cfg.Router.Method),
			broadcast.WithNATSLogger(logger),
		)
		pub.Attach(subs, cfg.Router.Owner)
	}

	metrics := router.NewMetricsCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics)

	result := ApplyResult{Batches: make([]BatchResult, 0, len(batches))}
	var failed error
	for i, batch := range batches {
		name := batch.Name
		if name == "" {
			name = fmt.Sprintf("batch %d", i+1)
		}

		mu.Lock()
		current = nil
		mu.Unlock()

		sess := st.NewSession()
		rows, err := func() (int, error) {
			if _, err := sess.Apply(ctx, batch.Ops); err != nil {
				return 0, err
			}
			r := router.New(sess, rules, subs,
				router.WithOwner(cfg.Router.Owner),
				router.WithLogger(logger),
				router.WithMetrics(metrics),
			)
			return r.Commit(ctx)
		}()

		mu.Lock()
		br := BatchResult{Name: name, Rows: rows, Notifications: current}
		mu.Unlock()
		if br.Notifications == nil {
			br.Notifications = []NotificationView{}
		}
		if err != nil {
			br.Error = err.Error()
			failed = WrapExitError(ExitFailure, fmt.Sprintf("%s failed", name), err)
		}
		result.Batches = append(result.Batches, br)

		if !formatter.JSON() {
			printBatch(formatter.Writer, br)
		}
		if failed != nil {
			break
		}
	}

	if pub != nil {
		if err := pub.Flush(ctx); err != nil {
			logger.Warn("NATS flush failed", "error", err)
		}
	}

	if formatter.JSON() {
		var cliErr *CLIError
		if failed != nil {
			cliErr = &CLIError{Code: "E_APPLY_FAILED", Message: failed.Error()}
		}
		if err := formatter.Respond(result, cliErr); err != nil {
			return err
		}
	}

	if opts.Metrics {
		if err := writeMetrics(formatter.Diagnostics(), registry); err != nil {
			return err
		}
	}
	return failed
}

// readBatches decodes the batch file at path, or stdin for "-".
func readBatches(path string, stdin io.Reader) ([]store.Batch, error) {
	if path == "-" {
		return store.DecodeBatches(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return store.DecodeBatches(f)
}

func viewOf(n ir.ChangeNotification) NotificationView {
	keys := make(map[string]any, len(n.KeyNames))
	for _, kv := range n.Keys() {
		keys[kv.Name] = ir.ToAny(kv.Value)
	}
	return NotificationView{
		Change:   n.Change.String(),
		Entity:   n.EntityType,
		Group:    harness.GroupLabel(n),
		GroupID:  n.GroupID,
		Keys:     keys,
		CommitID: n.CommitID,
		Seq:      n.Seq,
	}
}

func printBatch(w io.Writer, br BatchResult) {
	if br.Error != "" {
		fmt.Fprintf(w, "\u2717 %s: %s\n", br.Name, br.Error)
		return
	}
	fmt.Fprintf(w, "\u2713 %s: %d row(s), %d notification(s)\n", br.Name, br.Rows, len(br.Notifications))
	for _, n := range br.Notifications {
		fmt.Fprintf(w, "  %-7s %-40s %s\n", n.Change, n.Group, n.GroupID)
	}
}
