package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/roach88/groupcast/internal/compiler"
	"github.com/roach88/groupcast/internal/config"
	"github.com/roach88/groupcast/internal/grouping"
	"github.com/roach88/groupcast/internal/ir"
)

// loadEntities compiles the specs in dir, failing on the first error.
func loadEntities(dir string) ([]ir.EntitySpec, error) {
	result, errs := compiler.LoadSpecs(dir, compiler.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, WrapExitError(ExitCommandError, "failed to load specs", errors.Join(errs...))
	}
	return result.Entities, nil
}

// specMetadata serves type metadata from compiled specs, for commands that
// do not open a database.
type specMetadata map[string]ir.EntitySpec

func newSpecMetadata(specs []ir.EntitySpec) specMetadata {
	m := make(specMetadata, len(specs))
	for _, s := range specs {
		m[s.Name] = s
	}
	return m
}

func (m specMetadata) ResolveTypeMetadata(entityType string) (ir.TypeMetadata, error) {
	s, ok := m[entityType]
	if !ok {
		return ir.TypeMetadata{}, fmt.Errorf("unknown entity type %q", entityType)
	}
	return s.Metadata(), nil
}

// buildRules creates and validates the grouping registry for specs.
func buildRules(specs []ir.EntitySpec, md grouping.MetadataSource, cfg *config.Config, logger *slog.Logger) (*grouping.Registry, error) {
	rules, err := grouping.New(
		grouping.DeclarationsFromSpecs(specs),
		grouping.WithMetadata(md),
		grouping.WithForeignKeyRules(cfg.Router.ForeignKeyGroups),
		grouping.WithLogger(logger),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid grouping declarations", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid grouping declarations", err)
	}
	return rules, nil
}

// dialNATS connects to the configured NATS server. With host set and no
// URL configured, an in-process server is started on the default port and
// shut down by the returned close func. Without host, an embedded config
// dials the default local URL, where a hosting watch command listens.
func dialNATS(cfg config.NATSConfig, host bool, logger *slog.Logger) (*nats.Conn, func(), error) {
	url := cfg.URL
	var ns *server.Server

	if url == "" {
		if !cfg.Embedded {
			return nil, nil, NewExitError(ExitCommandError, "NATS is not configured: pass --nats or set nats.embedded")
		}
		if !host {
			url = nats.DefaultURL
		} else {
			var err error
			ns, err = server.NewServer(&server.Options{
				Host:   "127.0.0.1",
				Port:   server.DEFAULT_PORT,
				NoLog:  true,
				NoSigs: true,
			})
			if err != nil {
				return nil, nil, WrapExitError(ExitCommandError, "failed to create embedded NATS server", err)
			}
			go ns.Start()
			if !ns.ReadyForConnections(5 * time.Second) {
				ns.Shutdown()
				return nil, nil, NewExitError(ExitCommandError, "embedded NATS server failed to start")
			}
			url = ns.ClientURL()
			logger.Info("embedded NATS server started", "url", url)
		}
	}

	nc, err := nats.Connect(url, nats.Name("groupcast"))
	if err != nil {
		if ns != nil {
			ns.Shutdown()
		}
		return nil, nil, WrapExitError(ExitCommandError, "failed to connect to NATS", err)
	}
	logger.Debug("connected to NATS", "url", nc.ConnectedUrl())

	return nc, func() {
		nc.Close()
		if ns != nil {
			ns.Shutdown()
			ns.WaitForShutdown()
		}
	}, nil
}

// writeMetrics encodes every gathered family in the Prometheus text format.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
