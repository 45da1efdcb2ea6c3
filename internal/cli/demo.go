package cli

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/auditscope/internal/audit"
	"github.com/roach88/auditscope/internal/config"
	"github.com/roach88/auditscope/internal/entityaudit"
	"github.com/roach88/auditscope/internal/metadata"
	"github.com/roach88/auditscope/internal/pipeline"
	"github.com/roach88/auditscope/internal/telemetry"
	"github.com/roach88/auditscope/internal/tracking"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	Rules  string
	Policy string
}

type demoCustomer struct {
	ID    int64  `track:"id,pk,auto" json:"id"`
	Name  string `track:"name" json:"name" validate:"required"`
	Email string `track:"email" json:"email" validate:"omitempty,email"`
}

func (demoCustomer) TableName() string { return "customers" }

type demoOrder struct {
	ID         int64         `track:"id,pk,auto" json:"id"`
	CustomerID *int64        `track:"customer_id,fk,ref=Customer" json:"customer_id"`
	Customer   *demoCustomer `json:"-"`
	Status     string        `track:"status" json:"status"`
	Total      int64         `track:"total" json:"total"`
}

func (demoOrder) TableName() string { return "sales.orders" }

// DemoResult summarizes one demo run.
type DemoResult struct {
	Events []DemoEvent `json:"events"`
	Saved  float64     `json:"saved"`
}

// DemoEvent is one event written by the demo.
type DemoEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
}

// Text renders the result for text output.
func (r DemoResult) Text() string {
	var b strings.Builder
	for _, ev := range r.Events {
		fmt.Fprintf(&b, "%-40s %s\n", ev.ID, ev.EventType)
	}
	fmt.Fprintf(&b, "%d audit event(s) saved\n", int(r.Saved))
	return b.String()
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Record sample audit events",
		Long: `Record sample audit events against the selected backend.

The demo saves a customer and an order through an audited unit of work,
updates the order, and ships it inside a plain audit scope.

Example:
  auditscope demo --db ./audit.db
  auditscope demo --rules ./audit.cue --policy insert-on-start-replace-on-end`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Rules, "rules", "", "audit rules file (.yaml, .yml or .cue)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "creation policy override")

	return cmd
}

func runDemo(ctx context.Context, opts *DemoOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	log := opts.Logger

	cfg := audit.NewConfig().SetLogger(log)
	reg := metadata.NewRegistry()
	if opts.Rules != "" {
		f, err := config.Load(opts.Rules)
		if err != nil {
			_ = out.Error(ErrCodeRules, err.Error())
			return WrapExitError(ExitCommandError, "failed to load rules", err)
		}
		if err := config.Apply(f, cfg, reg); err != nil {
			_ = out.Error(ErrCodeRules, err.Error())
			return WrapExitError(ExitCommandError, "failed to apply rules", err)
		}
	}
	if opts.Policy != "" {
		p, err := audit.ParseCreationPolicy(opts.Policy)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid policy", err)
		}
		cfg.SetCreationPolicy(p)
	}

	b, err := openBackend(ctx, opts.RootOptions)
	if err != nil {
		_ = out.Error(ErrCodeBackend, err.Error())
		return WrapExitError(ExitCommandError, "failed to open backend", err)
	}
	defer func() {
		if closeErr := b.close(); closeErr != nil {
			log.Error("error closing backend", "error", closeErr)
		}
	}()
	cfg.SetDataProvider(b.provider)

	metrics := prometheus.NewRegistry()
	if _, err := telemetry.Instrument(cfg, metrics); err != nil {
		return WrapExitError(ExitFailure, "failed to instrument audit pipeline", err)
	}

	var (
		mu     sync.Mutex
		result DemoResult
	)
	cfg.Actions().Add(pipeline.Saved, func(s *audit.Scope) {
		mu.Lock()
		defer mu.Unlock()
		result.Events = append(result.Events, DemoEvent{
			ID:        fmt.Sprint(s.EventID()),
			EventType: s.Event().EventType,
		})
	})

	if err := demoScenario(ctx, cfg, reg); err != nil {
		_ = out.Error(ErrCodeAudit, err.Error())
		return WrapExitError(ExitFailure, "demo failed", err)
	}

	for _, ev := range result.Events {
		log.Debug("audit event recorded", "id", ev.ID, "event_type", ev.EventType)
	}
	if result.Saved, err = savedTotal(metrics); err != nil {
		return WrapExitError(ExitFailure, "failed to gather metrics", err)
	}
	return out.Success(result)
}

// savedTotal sums the events-saved counter across event types.
func savedTotal(g prometheus.Gatherer) (float64, error) {
	families, err := g.Gather()
	if err != nil {
		return 0, err
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != "auditscope_events_saved_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total, nil
}

// demoScenario performs the audited work of the demo.
func demoScenario(ctx context.Context, cfg *audit.Config, reg *metadata.Registry) error {
	uow := tracking.New("Shop", tracking.WithDatabase("shop"))
	auditor := entityaudit.New(uow,
		entityaudit.WithConfig(cfg),
		entityaudit.WithRegistry(reg),
		entityaudit.WithExtraFields(map[string]any{"source": "demo"}),
	)

	cust := &demoCustomer{Name: "Ada Lovelace", Email: "ada@example.com"}
	order := &demoOrder{Customer: cust, Status: "new", Total: 4200}
	if err := uow.Add(cust); err != nil {
		return err
	}
	if err := uow.Add(order); err != nil {
		return err
	}
	if _, err := auditor.SaveChanges(ctx); err != nil {
		return fmt.Errorf("save new order: %w", err)
	}

	order.Status = "paid"
	if _, err := auditor.SaveChanges(ctx); err != nil {
		return fmt.Errorf("save paid order: %w", err)
	}

	return audit.Run(ctx, audit.Options{
		EventType:    "order:ship",
		TargetGetter: func() (any, error) { return order, nil },
		Config:       cfg,
	}, func(ctx context.Context, s *audit.Scope) error {
		s.Comment("shipped order %d", order.ID)
		order.Status = "shipped"
		return nil
	})
}
