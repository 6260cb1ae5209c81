package analysis

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/model"
)

// Source is a node's inbound message stream. *core.Node satisfies it.
type Source interface {
	ID() string
	Subscribe() (<-chan model.InboundMessage, func())
}

// VerdictRecorder counts verdicts. observability.MeshCollector satisfies it.
type VerdictRecorder interface {
	IncVerdict(verdict string)
}

// Report is one analysed message.
type Report struct {
	NodeID  string
	Message model.InboundMessage
	Verdict Verdict
	Err     error
}

// Monitor feeds every message delivered to a set of nodes through an
// Analyzer.
type Monitor struct {
	analyzer Analyzer
	log      logging.Logger
	onReport func(Report)
	recorder VerdictRecorder

	analysed atomic.Int64
	flagged  atomic.Int64
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

func WithLogger(l logging.Logger) MonitorOption {
	return func(m *Monitor) { m.log = l }
}

// WithReportFunc registers a callback run for every analysed message. It
// is called from the goroutine watching the message's node.
func WithReportFunc(fn func(Report)) MonitorOption {
	return func(m *Monitor) { m.onReport = fn }
}

func WithVerdictRecorder(r VerdictRecorder) MonitorOption {
	return func(m *Monitor) { m.recorder = r }
}

// NewMonitor creates a Monitor around a.
func NewMonitor(a Analyzer, opts ...MonitorOption) *Monitor {
	m := &Monitor{analyzer: a}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logging.Noop()
	}
	return m
}

// Run watches sources until every stream closes or ctx is done. Analyzer
// errors are logged and reported but do not stop the monitor. It returns
// ctx.Err() when cancelled and nil when the streams closed.
func (m *Monitor) Run(ctx context.Context, sources []Source) error {
	return m.Start(ctx, sources)()
}

// Start subscribes to every source before returning, so no message
// delivered afterwards is missed, and watches them in the background. The
// returned function waits for the watchers and reports as Run does.
func (m *Monitor) Start(ctx context.Context, sources []Source) (wait func() error) {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		ch, cancel := src.Subscribe()
		id := src.ID()
		g.Go(func() error {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case msg, ok := <-ch:
					if !ok {
						return nil
					}
					m.inspect(ctx, id, msg)
				}
			}
		})
	}
	return g.Wait
}

// Stats returns how many messages were analysed and how many flagged.
func (m *Monitor) Stats() (analysed, flagged int64) {
	return m.analysed.Load(), m.flagged.Load()
}

func (m *Monitor) inspect(ctx context.Context, nodeID string, msg model.InboundMessage) {
	v, err := m.analyzer.Analyze(ctx, msg)
	m.analysed.Add(1)

	if err != nil {
		m.log.Warn(ctx, "message analysis failed",
			logging.String("node", nodeID),
			logging.String("message_id", msg.ID),
			logging.Err(err),
		)
	} else {
		if v.IsAttack {
			m.flagged.Add(1)
			m.log.Warn(ctx, "suspicious message delivered",
				logging.String("node", nodeID),
				logging.String("source", msg.Source),
				logging.String("attack_type", v.AttackType),
				logging.Float("confidence", v.Confidence),
			)
		}
		if m.recorder != nil {
			m.recorder.IncVerdict(v.Label())
		}
	}
	if m.onReport != nil {
		m.onReport(Report{NodeID: nodeID, Message: msg, Verdict: v, Err: err})
	}
}
