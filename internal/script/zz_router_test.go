package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"homegate/internal/pkg"
	"homegate/internal/plugin"
	"homegate/internal/registry"

	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// recorder 记录收到的事件, block 为 true 时每次运行阻塞到 ctx 结束
type recorder struct {
	mu     sync.Mutex
	events []pkg.ValueEvent
	block  bool
}

var lastRecorder atomic.Pointer[recorder]

func (r *recorder) Init(_ context.Context, b Binding) ([]string, error) {
	var opts struct {
		Block    bool     `mapstructure:"block"`
		Triggers []string `mapstructure:"triggers"`
	}
	if err := mapstructure.WeakDecode(b.Options, &opts); err != nil {
		return nil, err
	}
	r.block = opts.Block
	lastRecorder.Store(r)
	if len(opts.Triggers) == 0 {
		opts.Triggers = []string{"Kitchen#Temperature", "System#Boot"}
	}
	return opts.Triggers, nil
}

func (r *recorder) AsyncProcess(ctx context.Context, ev pkg.ValueEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.block {
		<-ctx.Done()
	}
	return nil
}

func (r *recorder) Events() []pkg.ValueEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pkg.ValueEvent(nil), r.events...)
}

type broken struct{}

func (broken) Init(context.Context, Binding) ([]string, error) {
	return nil, errors.New("missing api key")
}
func (broken) AsyncProcess(context.Context, pkg.ValueEvent) error { return nil }

func init() {
	Register(Template{Name: "Recorder", Filename: "recorder", New: func() Script { return &recorder{} }})
	Register(Template{Name: "Broken", Filename: "broken", New: func() Script { return broken{} }})
}

type fakeGPIO struct {
	mu    sync.Mutex
	calls []call
}

func (g *fakeGPIO) Set(pin, level int) error {
	if pin < 0 {
		return fmt.Errorf("no such pin %d", pin)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call{pin, level})
	return nil
}

func (g *fakeGPIO) Calls() []call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]call(nil), g.calls...)
}

type writeCall struct {
	device string
	values map[string]interface{}
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []writeCall
}

func (w *fakeWriter) Write(_ context.Context, device string, values map[string]interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, writeCall{device, values})
	return nil
}

func (w *fakeWriter) Writes() []writeCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]writeCall(nil), w.writes...)
}

var testRules = map[string]string{
	"heating.rule": "if event['Kitchen#Temperature'] > 25:\n    gpio(5, 1)\n    timerSet(1, 0)\nelse:\n    gpio(5, 0)\n",
	"timer.rule":   "if event['Rules#Timer'] == 1:\n    gpio(9, 1)\n",
	"door.rule":    "if event['Door#Open'] == True:\n    gpio(-1, 1)\n",
	"hall.rule":    "if event['Hall#Motion'] == True:\n    gpio(7, 1)\n",
}

type routerFixture struct {
	ctx     context.Context
	cancel  context.CancelFunc
	reg     *registry.Registry
	queues  plugin.Queues
	router  *Router
	gpio    *fakeGPIO
	writer  *fakeWriter
	metrics *pkg.Metrics
	logs    *observer.ObservedLogs
}

func newRouterFixture(t *testing.T, options map[string]map[string]interface{}, bootEvent bool) *routerFixture {
	dir := t.TempDir()
	for name, src := range testRules {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := &pkg.Config{Scripts: options}
	cfg.ApplyDefaults()
	cfg.Router.RulesDir = dir
	cfg.Router.Backoff = 5 * time.Millisecond
	cfg.Router.BootEvent = &bootEvent

	core, logs := observer.New(zap.DebugLevel)
	ctx, cancel := context.WithCancel(pkg.WithConfig(pkg.WithLogger(context.Background(), zap.New(core)), cfg))
	t.Cleanup(cancel)

	reg := registry.NewMemory()
	if _, err := reg.SetFlags(ctx, true, true); err != nil {
		t.Fatal(err)
	}
	pool, err := pkg.NewPool(8)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Release)

	f := &routerFixture{
		ctx: ctx, cancel: cancel, reg: reg, queues: plugin.NewQueues(100),
		gpio: &fakeGPIO{}, writer: &fakeWriter{}, metrics: pkg.NewMetrics(), logs: logs,
	}
	f.router = NewRouter(ctx, reg, f.queues, f.writer, f.gpio, pool, f.metrics)
	if err := f.router.Load(ctx); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *routerFixture) start() chan error {
	done := make(chan error, 1)
	go func() { done <- f.router.Run(f.ctx) }()
	return done
}

func temperature(v float64) pkg.ValueEvent {
	return pkg.ValueEvent{Device: "Kitchen", ValueName: "Temperature", Value: v}
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

func TestRouterTriggerMatching(t *testing.T) {
	Convey("Given loaded scripts and rules", t, func() {
		f := newRouterFixture(t, nil, false)
		rec := lastRecorder.Load()
		So(rec, ShouldNotBeNil)

		Convey("A matching trigger reaches exactly the declaring script and the equal rule", func() {
			scripts, rules := f.router.Dispatch(f.ctx, temperature(27))
			So(scripts, ShouldEqual, 1)
			So(rules, ShouldEqual, 1)
			So(f.gpio.Calls(), ShouldResemble, []call{{5, 1}})
			So(waitFor(func() bool { return len(rec.Events()) == 1 }), ShouldBeTrue)
			So(rec.Events()[0], ShouldResemble, temperature(27))
			So(testutil.ToFloat64(f.metrics.RuleRuns.WithLabelValues("heating", "ok")), ShouldEqual, 1)
		})

		Convey("An unrelated trigger invokes nothing", func() {
			scripts, rules := f.router.Dispatch(f.ctx, pkg.ValueEvent{Device: "Kitchen", ValueName: "Humidity", Value: 40})
			So(scripts, ShouldEqual, 0)
			So(rules, ShouldEqual, 0)
			So(f.gpio.Calls(), ShouldBeEmpty)
			time.Sleep(20 * time.Millisecond)
			So(rec.Events(), ShouldBeEmpty)
		})

		Convey("Disabled scripts and rules are skipped", func() {
			descs, err := f.reg.Scripts.List(f.ctx)
			So(err, ShouldBeNil)
			for _, d := range descs {
				_, err := f.reg.Scripts.UpdateFields(f.ctx, d.ID, map[string]interface{}{"enabled": false})
				So(err, ShouldBeNil)
			}
			rules, err := f.reg.Rules.List(f.ctx)
			So(err, ShouldBeNil)
			for _, r := range rules {
				_, err := f.reg.Rules.UpdateFields(f.ctx, r.ID, map[string]interface{}{"enabled": false})
				So(err, ShouldBeNil)
			}
			scripts, n := f.router.Dispatch(f.ctx, temperature(30))
			So(scripts, ShouldEqual, 0)
			So(n, ShouldEqual, 0)
		})

		Convey("A script whose init failed is disabled and never dispatched", func() {
			_, ok := f.router.Script("Broken")
			So(ok, ShouldBeFalse)
			descs, _ := f.reg.Scripts.List(f.ctx)
			for _, d := range descs {
				if d.Name == "Broken" {
					So(d.Enabled, ShouldBeFalse)
				}
			}
		})
	})
}

func TestRouterScriptLock(t *testing.T) {
	Convey("Given a script whose run blocks", t, func() {
		f := newRouterFixture(t, map[string]map[string]interface{}{"Recorder": {"block": true}}, false)
		rec := lastRecorder.Load()

		Convey("A second matching event is skipped while the first run holds the lock", func() {
			So(f.router.DispatchScripts(f.ctx, temperature(20)), ShouldEqual, 1)
			So(f.router.DispatchScripts(f.ctx, temperature(21)), ShouldEqual, 0)
			So(testutil.ToFloat64(f.metrics.SkippedBusy.WithLabelValues("script", "Recorder")), ShouldEqual, 1)
			So(waitFor(func() bool { return len(rec.Events()) == 1 }), ShouldBeTrue)

			inst, ok := f.router.Script("Recorder")
			So(ok, ShouldBeTrue)
			So(inst.Busy.Busy(), ShouldBeTrue)

			f.cancel()
			So(waitFor(func() bool { return !inst.Busy.Busy() }), ShouldBeTrue)
		})
	})
}

func TestRouterRun(t *testing.T) {
	Convey("Given a running router", t, func() {
		f := newRouterFixture(t, nil, true)
		rec := lastRecorder.Load()
		done := f.start()

		Convey("The boot event reaches scripts declaring System#Boot", func() {
			So(waitFor(func() bool { return len(rec.Events()) >= 1 }), ShouldBeTrue)
			So(rec.Events()[0], ShouldResemble, BootEvent)
		})

		Convey("A failing rule is logged and the loop keeps going", func() {
			So(f.queues.Rules.Put(pkg.ValueEvent{Device: "Door", ValueName: "Open", Value: true}), ShouldBeNil)
			So(f.queues.Rules.Put(pkg.ValueEvent{Device: "Hall", ValueName: "Motion", Value: true}), ShouldBeNil)
			So(waitFor(func() bool { return len(f.gpio.Calls()) == 1 }), ShouldBeTrue)
			So(f.gpio.Calls(), ShouldResemble, []call{{7, 1}})
			So(f.logs.FilterMessage("rule failed").Len(), ShouldEqual, 1)
			So(testutil.ToFloat64(f.metrics.RuleRuns.WithLabelValues("door", "error")), ShouldEqual, 1)
		})

		Convey("timerSet re-injects Rules#Timer which fires the timer rule", func() {
			So(f.queues.Rules.Put(temperature(30)), ShouldBeNil)
			So(waitFor(func() bool { return len(f.gpio.Calls()) == 2 }), ShouldBeTrue)
			So(f.gpio.Calls(), ShouldResemble, []call{{5, 1}, {9, 1}})
		})

		Convey("Values reach the bus and subscribed devices", func() {
			_, err := f.reg.Devices.Create(f.ctx, registry.DeviceConfig{Name: "Fan", Enabled: true, Subscription: "Kitchen#Temperature; Hall#Motion"})
			So(err, ShouldBeNil)
			_, err = f.reg.Devices.Create(f.ctx, registry.DeviceConfig{Name: "Lamp", Enabled: true, Subscription: "Hall#Motion"})
			So(err, ShouldBeNil)

			samples, cancel := f.router.Bus().Subscribe(4)
			defer cancel()
			So(f.queues.Values.Put(temperature(22.5)), ShouldBeNil)

			select {
			case s := <-samples:
				So(s.Trigger, ShouldEqual, "Kitchen#Temperature")
				So(s.Value, ShouldEqual, 22.5)
			case <-time.After(3 * time.Second):
				So("no sample", ShouldBeEmpty)
			}
			So(waitFor(func() bool { return len(f.writer.Writes()) == 1 }), ShouldBeTrue)
			So(f.writer.Writes()[0], ShouldResemble, writeCall{"Fan", map[string]interface{}{"Kitchen#Temperature": 22.5}})
			last, ok := f.router.Bus().Value("Kitchen#Temperature")
			So(ok, ShouldBeTrue)
			So(last.Device, ShouldEqual, "Kitchen")
		})

		Reset(func() {
			f.cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("router returned %v", err)
				}
			case <-time.After(3 * time.Second):
				t.Error("router did not stop")
			}
		})
	})
}

func TestRouterReloadRules(t *testing.T) {
	Convey("Given a loaded router", t, func() {
		f := newRouterFixture(t, nil, false)

		Convey("A new rule file is picked up on reload", func() {
			err := os.WriteFile(filepath.Join(f.router.RulesDir(), "zz.rule"), []byte("if event['Kitchen#Humidity'] > 70:\n    gpio(11, 1)\n"), 0o644)
			So(err, ShouldBeNil)
			rules, err := f.router.ReloadRules(f.ctx)
			So(err, ShouldBeNil)
			So(len(rules), ShouldEqual, len(testRules)+1)
			So(rules[len(rules)-1].Event, ShouldEqual, "Kitchen#Humidity")

			_, n := f.router.Dispatch(f.ctx, pkg.ValueEvent{Device: "Kitchen", ValueName: "Humidity", Value: 75})
			So(n, ShouldEqual, 1)
			So(f.gpio.Calls(), ShouldResemble, []call{{11, 1}})
		})

		Convey("Rule dispatch never sees a half loaded rule set", func() {
			stop := make(chan struct{})
			reloadErrs := make(chan error, 1)
			go func() {
				defer close(stop)
				for i := 0; i < 50; i++ {
					if _, err := f.router.ReloadRules(f.ctx); err != nil {
						reloadErrs <- err
						return
					}
				}
			}()

			misses := 0
		loop:
			for {
				select {
				case <-stop:
					break loop
				default:
				}
				if n := f.router.DispatchRules(f.ctx, pkg.ValueEvent{Device: "Hall", ValueName: "Motion", Value: true}); n != 1 {
					misses++
				}
				if rules, err := f.router.Rules(f.ctx); err != nil || len(rules) != len(testRules) {
					misses++
				}
			}
			So(reloadErrs, ShouldBeEmpty)
			So(misses, ShouldEqual, 0)
		})
	})
}

func TestRouterRunRule(t *testing.T) {
	Convey("Given a loaded router", t, func() {
		f := newRouterFixture(t, nil, false)

		Convey("A rule is found by name or id", func() {
			byName, err := f.router.Rule(f.ctx, "hall")
			So(err, ShouldBeNil)
			So(byName.Event, ShouldEqual, "Hall#Motion")
			byID, err := f.router.Rule(f.ctx, fmt.Sprint(byName.ID))
			So(err, ShouldBeNil)
			So(byID, ShouldResemble, byName)
		})

		Convey("Running a rule feeds the value to its trigger", func() {
			rule, err := f.router.RunRule(f.ctx, "heating", 30)
			So(err, ShouldBeNil)
			So(rule.Name, ShouldEqual, "heating")
			So(f.gpio.Calls(), ShouldResemble, []call{{5, 1}})
			So(testutil.ToFloat64(f.metrics.RuleRuns.WithLabelValues("heating", "ok")), ShouldEqual, 1)
		})

		Convey("An unknown rule is reported as ErrUnknownRule", func() {
			_, err := f.router.Rule(f.ctx, "garage")
			So(errors.Is(err, ErrUnknownRule), ShouldBeTrue)
			_, err = f.router.RunRule(f.ctx, "99", true)
			So(errors.Is(err, ErrUnknownRule), ShouldBeTrue)
			So(f.gpio.Calls(), ShouldBeEmpty)
		})
	})
}
