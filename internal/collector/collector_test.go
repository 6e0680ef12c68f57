package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/dbpulse/dbpulse-agent/internal/config"
	"github.com/dbpulse/dbpulse-agent/internal/conn"
	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/notifier"
	"github.com/dbpulse/dbpulse-agent/internal/probe"
)

type fakeConn struct{}

func (f *fakeConn) Execute(ctx context.Context, query string) ([]map[string]string, error) {
	return nil, nil
}

func (f *fakeConn) ExecuteRow(ctx context.Context, query string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *fakeConn) Identity() model.SourceIdentity {
	return model.SourceIdentity{Host: "db1", Port: 3306, Kind: model.ServerMySQL, Version: "8.0.36"}
}

// fakeProbe fills one status key, or fails.
type fakeProbe struct {
	name    string
	enabled bool
	err     error
	value   string
	calls   int
}

func (p *fakeProbe) Name() string { return p.name }
func (p *fakeProbe) Enabled(cfg *config.Config) bool { return p.enabled }

func (p *fakeProbe) Sample(ctx context.Context, db conn.Executor, snap *model.Snapshot) error {
	p.calls++
	if p.err != nil {
		return p.err
	}
	if snap.GlobalStatus == nil {
		snap.GlobalStatus = map[string]string{}
	}
	snap.GlobalStatus[p.name] = p.value
	return nil
}

type fakeAppender struct {
	appended []*model.Snapshot
}

func (a *fakeAppender) Append(snap *model.Snapshot) error {
	a.appended = append(a.appended, snap)
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Sampling.RefreshIntervalSec = 1
	return cfg
}

func newTestCollector(probes []probe.Probe, rec Appender, onLost func(error)) *Collector {
	return New(testConfig(), &fakeConn{}, probes, notifier.New(nil), rec, onLost)
}

func TestFailedProbeDegradesOnlyItsSection(t *testing.T) {
	good := &fakeProbe{name: "status", enabled: true, value: "42"}
	bad := &fakeProbe{name: "innodb", enabled: true, err: errors.New("permission denied")}

	c := newTestCollector([]probe.Probe{good, bad}, nil, nil)
	c.RunCycle(context.Background())

	snap := c.Current()
	if snap == nil {
		t.Fatal("expected a snapshot despite the failed probe")
	}
	if snap.GlobalStatus["status"] != "42" {
		t.Fatal("healthy probe data missing")
	}
	if snap.Unavailable["innodb"] != "permission denied" {
		t.Fatalf("failed probe not marked unavailable: %+v", snap.Unavailable)
	}
}

func TestDisabledProbeIsSkipped(t *testing.T) {
	disabled := &fakeProbe{name: "locks", enabled: false, value: "1"}

	c := newTestCollector([]probe.Probe{disabled}, nil, nil)
	c.RunCycle(context.Background())

	if disabled.calls != 0 {
		t.Fatalf("disabled probe was sampled %d times", disabled.calls)
	}
	if c.Current() == nil {
		t.Fatal("cycle must still produce a snapshot")
	}
}

func TestConnectionLostAbortsCycle(t *testing.T) {
	var lost error
	p := &fakeProbe{name: "status", enabled: true, err: conn.ErrConnectionLost}

	c := newTestCollector([]probe.Probe{p}, nil, func(err error) { lost = err })
	c.RunCycle(context.Background())

	if !errors.Is(lost, conn.ErrConnectionLost) {
		t.Fatalf("expected the lost-connection callback, got %v", lost)
	}
	if c.Current() != nil {
		t.Fatal("an aborted cycle must not publish a snapshot")
	}
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	p := &fakeProbe{name: "status", enabled: true, value: "1"}
	c := newTestCollector([]probe.Probe{p}, nil, nil)

	var prev *model.Snapshot
	for i := 0; i < 100; i++ {
		c.RunCycle(context.Background())
		cur := c.Current()
		if prev != nil && !cur.Timestamp.After(prev.Timestamp) {
			t.Fatalf("timestamp %s not after %s", cur.Timestamp, prev.Timestamp)
		}
		prev = cur
	}
}

func TestSnapshotsReachRecorderInOrder(t *testing.T) {
	p := &fakeProbe{name: "status", enabled: true, value: "1"}
	rec := &fakeAppender{}

	c := newTestCollector([]probe.Probe{p}, rec, nil)
	for i := 0; i < 5; i++ {
		c.RunCycle(context.Background())
	}

	if len(rec.appended) != 5 {
		t.Fatalf("expected 5 recorded snapshots, got %d", len(rec.appended))
	}
	for i := 1; i < len(rec.appended); i++ {
		if !rec.appended[i].Timestamp.After(rec.appended[i-1].Timestamp) {
			t.Fatal("recorded snapshots out of order")
		}
	}
}

func TestPublishedEventsComeFromConsecutiveCycles(t *testing.T) {
	values := []string{"151", "500"}
	cycle := 0
	p := &varProbe{values: values, cycle: &cycle}

	c := newTestCollector([]probe.Probe{p}, nil, nil)

	c.RunCycle(context.Background())
	first := <-c.Snapshots()
	if len(first.Events) != 0 {
		t.Fatalf("first cycle must not produce events, got %+v", first.Events)
	}

	cycle = 1
	c.RunCycle(context.Background())
	second := <-c.Snapshots()
	if len(second.Events) != 1 {
		t.Fatalf("expected 1 change event, got %+v", second.Events)
	}
	e := second.Events[0]
	if e.Kind != model.VariableChanged || e.Name != "max_connections" || e.New != "500" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

// varProbe publishes a global variable whose value depends on the cycle.
type varProbe struct {
	values []string
	cycle  *int
}

func (p *varProbe) Name() string { return "variables" }
func (p *varProbe) Enabled(cfg *config.Config) bool { return true }

func (p *varProbe) Sample(ctx context.Context, db conn.Executor, snap *model.Snapshot) error {
	snap.GlobalVariables = map[string]string{"max_connections": p.values[*p.cycle]}
	return nil
}

func TestSlowConsumerNeverBlocksSampling(t *testing.T) {
	p := &fakeProbe{name: "status", enabled: true, value: "1"}
	c := newTestCollector([]probe.Probe{p}, nil, nil)

	// Nothing reads the publish channel; far more cycles than its capacity
	// must still complete.
	for i := 0; i < publishBuffer*4; i++ {
		c.RunCycle(context.Background())
	}

	// The freshest snapshot is still reachable.
	if c.Current() == nil {
		t.Fatal("expected a current snapshot")
	}
	if got := len(c.Snapshots()); got > publishBuffer {
		t.Fatalf("publish buffer exceeded its bound: %d", got)
	}
}
