package plugin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"homegate/internal/pkg"
	"homegate/internal/registry"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
)

// blocker 统计并发运行数, 每次运行阻塞到 ctx 结束
type blocker struct {
	outlet  *Outlet
	calls   atomic.Int32
	running atomic.Int32
	maxSeen atomic.Int32
}

var (
	blockersMu sync.Mutex
	blockers   = map[string]*blocker{}
)

func (p *blocker) Init(_ context.Context, b Binding) error {
	p.outlet = b.Outlet
	blockersMu.Lock()
	blockers[b.Device.Name] = p
	blockersMu.Unlock()
	return nil
}
func (p *blocker) Read(values map[string]interface{})    { values["calls"] = int(p.calls.Load()) }
func (p *blocker) Write(map[string]interface{}) error    { return nil }
func (p *blocker) LoadForm(map[string]interface{})       {}
func (p *blocker) SaveForm(map[string]interface{}) error { return nil }
func (p *blocker) AsyncProcess(ctx context.Context) error {
	n := p.running.Add(1)
	defer p.running.Add(-1)
	for {
		old := p.maxSeen.Load()
		if n <= old || p.maxSeen.CompareAndSwap(old, n) {
			break
		}
	}
	p.calls.Add(1)
	<-ctx.Done()
	return nil
}

type refuser struct{ blocker }

func (r *refuser) Init(context.Context, Binding) error { return errors.New("no bus on pin 4") }

type panicker struct{ blocker }

func (p *panicker) Init(context.Context, Binding) error { panic("nil i2c handle") }

func init() {
	Register(Template{Name: "Blocker", DeviceType: pkg.DeviceDummy, SensorType: pkg.SensorSingle,
		New: func() Plugin { return &blocker{} }})
	Register(Template{Name: "Refuser", DeviceType: pkg.DeviceDummy, SensorType: pkg.SensorSingle,
		New: func() Plugin { return &refuser{} }})
	Register(Template{Name: "Panicker", DeviceType: pkg.DeviceDummy, SensorType: pkg.SensorSingle,
		New: func() Plugin { return &panicker{} }})
}

func getBlocker(name string) *blocker {
	blockersMu.Lock()
	defer blockersMu.Unlock()
	return blockers[name]
}

type fixture struct {
	ctx     context.Context
	reg     *registry.Registry
	manager *Manager
	sched   *Scheduler
	pool    *pkg.Pool
	metrics *pkg.Metrics
	queues  Queues
}

func newFixture(t *testing.T) *fixture {
	cfg := &pkg.Config{}
	cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(pkg.WithConfig(pkg.WithLogger(context.Background(), zap.NewNop()), cfg))
	t.Cleanup(cancel)

	reg := registry.NewMemory()
	metrics := pkg.NewMetrics()
	pool, err := pkg.NewPool(8)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Release)

	queues := NewQueues(100)
	manager := NewManager(ctx, reg, queues, nil, metrics)
	if err := manager.SyncDescriptors(ctx); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		ctx: ctx, reg: reg, manager: manager, pool: pool, metrics: metrics, queues: queues,
		sched: NewScheduler(ctx, reg, manager, pool, metrics),
	}
}

func (f *fixture) addDevice(t *testing.T, name, kind string, delay int) registry.DeviceConfig {
	desc, err := f.reg.PluginByName(f.ctx, kind)
	if err != nil {
		t.Fatal(err)
	}
	dev, err := f.reg.Devices.Create(f.ctx, registry.DeviceConfig{
		Name: name, Enabled: true, PluginID: desc.ID, Delay: delay,
	})
	if err != nil {
		t.Fatal(err)
	}
	return dev
}

func TestSchedulerBusyLock(t *testing.T) {
	Convey("Given a device whose run blocks", t, func() {
		f := newFixture(t)
		f.addDevice(t, "Hall", "Blocker", 0)

		Convey("Repeated ticks never start a second concurrent run", func() {
			for i := 0; i < 20; i++ {
				f.sched.Tick(f.ctx)
			}
			time.Sleep(50 * time.Millisecond)
			for i := 0; i < 20; i++ {
				f.sched.Tick(f.ctx)
			}

			p := getBlocker("Hall")
			So(p, ShouldNotBeNil)
			So(p.calls.Load(), ShouldEqual, 1)
			So(p.maxSeen.Load(), ShouldEqual, 1)
			So(testutil.ToFloat64(f.metrics.SkippedBusy.WithLabelValues("plugin", "Blocker")), ShouldBeGreaterThan, 0)

			inst, ok := f.manager.Instance("Hall")
			So(ok, ShouldBeTrue)
			So(inst.Busy.Busy(), ShouldBeTrue)
		})
	})
}

func TestSchedulerReleasesAfterRun(t *testing.T) {
	Convey("Given a Dummy device", t, func() {
		f := newFixture(t)
		f.addDevice(t, "Porch", "Dummy", 0)

		Convey("Each run clears the lock and reports one reading", func() {
			f.sched.Tick(f.ctx)
			So(waitFor(func() bool { return f.queues.Values.Len() == 1 }), ShouldBeTrue)
			inst, _ := f.manager.Instance("Porch")
			So(waitFor(func() bool { return !inst.Busy.Busy() }), ShouldBeTrue)

			f.sched.Tick(f.ctx)
			So(waitFor(func() bool { return f.queues.Values.Len() == 2 }), ShouldBeTrue)
			ev, _ := f.queues.Values.Get()
			So(ev.Frame(), ShouldResemble, []interface{}{pkg.Start, "Porch", "Value1", 0.0})
		})
	})
}

func TestSchedulerDelay(t *testing.T) {
	Convey("Given a device with a one second delay", t, func() {
		f := newFixture(t)
		f.addDevice(t, "Garden", "Dummy", 1)

		Convey("The run starts only after the delay and holds the lock meanwhile", func() {
			start := time.Now()
			f.sched.Tick(f.ctx)
			inst, ok := f.manager.Instance("Garden")
			So(ok, ShouldBeTrue)
			So(inst.Busy.Busy(), ShouldBeTrue)
			So(f.queues.Values.Len(), ShouldEqual, 0)

			f.sched.Tick(f.ctx)
			So(testutil.ToFloat64(f.metrics.Scheduled.WithLabelValues("plugin", "Dummy")), ShouldEqual, 1)

			So(waitFor(func() bool { return f.queues.Values.Len() == 1 }), ShouldBeTrue)
			So(time.Since(start), ShouldBeGreaterThanOrEqualTo, time.Second)
		})
	})
}

func TestSchedulerInitFailureDisablesDevice(t *testing.T) {
	for _, kind := range []string{"Refuser", "Panicker"} {
		Convey("Given a device whose plugin init fails ("+kind+")", t, func() {
			f := newFixture(t)
			dev := f.addDevice(t, "Broken", kind, 0)

			Convey("The device is disabled and never scheduled again", func() {
				f.sched.Tick(f.ctx)

				got, err := f.reg.Devices.Get(f.ctx, dev.ID)
				So(err, ShouldBeNil)
				So(got.Enabled, ShouldBeFalse)
				_, ok := f.manager.Instance("Broken")
				So(ok, ShouldBeFalse)

				f.sched.Tick(f.ctx)
				f.sched.Tick(f.ctx)
				So(testutil.ToFloat64(f.metrics.Scheduled.WithLabelValues("plugin", kind)), ShouldEqual, 0)
			})
		})
	}
}

func TestSchedulerPrune(t *testing.T) {
	Convey("Given an initialized Dummy device", t, func() {
		f := newFixture(t)
		dev := f.addDevice(t, "Attic", "Dummy", 0)
		f.sched.Tick(f.ctx)
		inst, ok := f.manager.Instance("Attic")
		So(ok, ShouldBeTrue)
		So(waitFor(func() bool { return !inst.Busy.Busy() }), ShouldBeTrue)

		Convey("Disabling it drops the instance on the next tick", func() {
			_, err := f.reg.Devices.UpdateFields(f.ctx, dev.ID, map[string]interface{}{"enabled": false})
			So(err, ShouldBeNil)
			f.sched.Tick(f.ctx)
			_, ok := f.manager.Instance("Attic")
			So(ok, ShouldBeFalse)
		})

		Convey("Changing its config re-initializes it", func() {
			_, err := f.reg.Devices.UpdateFields(f.ctx, dev.ID, map[string]interface{}{
				"options": map[string]interface{}{"value1": 7.5},
			})
			So(err, ShouldBeNil)
			f.sched.Tick(f.ctx)
			again, ok := f.manager.Instance("Attic")
			So(ok, ShouldBeTrue)
			So(again, ShouldNotEqual, inst)
		})
	})
}

func TestSchedulerFlags(t *testing.T) {
	Convey("Given advanced flags in the registry", t, func() {
		f := newFixture(t)
		f.addDevice(t, "Cellar", "Dummy", 0)
		_, err := f.reg.SetFlags(f.ctx, true, false)
		So(err, ShouldBeNil)

		Convey("The tick refreshes them before fan-out", func() {
			f.sched.Tick(f.ctx)
			So(waitFor(func() bool { return f.queues.Values.Len() == 1 }), ShouldBeTrue)
			So(f.queues.Scripts.Len(), ShouldEqual, 1)
			So(f.queues.Rules.Len(), ShouldEqual, 0)
			So(f.manager.Flags().Scripts(), ShouldBeTrue)
			So(f.manager.Flags().Rules(), ShouldBeFalse)
		})
	})
}

func TestSchedulerRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
