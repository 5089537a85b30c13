package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"homegate/internal/admin/api"
	"homegate/internal/admin/model"
	"homegate/internal/admin/router"
	"homegate/internal/pkg"
	"homegate/internal/plugin"
	"homegate/internal/protocol"
	"homegate/internal/registry"
	"homegate/internal/script"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
)

type testEnv struct {
	ctx    context.Context
	engine *gin.Engine
	svc    *api.Service
	reg    *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "heating.rule"), []byte("if event['Kitchen#Temperature'] > 25:\n    gpio(5, 1)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &pkg.Config{Version: "test"}
	cfg.ApplyDefaults()
	cfg.Router.RulesDir = dir
	ctx := pkg.WithConfig(pkg.WithLogger(context.Background(), zap.NewNop()), cfg)

	reg := registry.NewMemory()
	if _, err := reg.SetFlags(ctx, true, true); err != nil {
		t.Fatal(err)
	}
	metrics := pkg.NewMetrics()
	pool, err := pkg.NewPool(4)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Release)

	queues := plugin.NewQueues(100)
	controllers := protocol.NewManager(ctx, reg, metrics)
	plugins := plugin.NewManager(ctx, reg, queues, controllers, metrics)
	if err := plugins.SyncDescriptors(ctx); err != nil {
		t.Fatal(err)
	}
	scripts := script.NewRouter(ctx, reg, queues, plugins, nil, pool, metrics)
	if err := scripts.Load(ctx); err != nil {
		t.Fatal(err)
	}
	svc := &api.Service{
		Config: cfg, Registry: reg, Plugins: plugins, Controllers: controllers, Router: scripts,
		Queues: queues, Pool: pool, Metrics: metrics, Log: zap.NewNop(),
	}
	return &testEnv{ctx: ctx, engine: router.SetupRouter(svc), svc: svc, reg: reg}
}

func (e *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder, out interface{}) error {
	return json.Unmarshal(w.Body.Bytes(), out)
}

func (e *testEnv) dummyID(t *testing.T) int {
	desc, err := e.reg.PluginByName(e.ctx, "Dummy")
	if err != nil {
		t.Fatal(err)
	}
	return desc.ID
}

func TestHealthAndMetrics(t *testing.T) {
	Convey("Health and metrics endpoints", t, func() {
		e := newTestEnv(t)

		w := e.do(http.MethodGet, "/health", nil)
		So(w.Code, ShouldEqual, http.StatusOK)
		So(w.Body.String(), ShouldEqual, "OK")

		e.svc.Metrics.QueueDrops.WithLabelValues("value").Inc()
		w = e.do(http.MethodGet, "/metrics", nil)
		So(w.Code, ShouldEqual, http.StatusOK)
		So(w.Body.String(), ShouldContainSubstring, `homegate_queue_drops_total{queue="value"} 1`)

		w = e.do(http.MethodGet, "/api/v1/status", nil)
		So(w.Code, ShouldEqual, http.StatusOK)
		var status model.Status
		So(decode(w, &status), ShouldBeNil)
		So(status.Version, ShouldEqual, "test")
		So(status.Queues["value"].Cap, ShouldEqual, 100)
	})
}

func TestDeviceAPI(t *testing.T) {
	Convey("Given a fresh registry", t, func() {
		e := newTestEnv(t)
		pluginID := e.dummyID(t)

		w := e.do(http.MethodPost, "/api/v1/devices", map[string]interface{}{
			"name": "Kitchen", "enabled": true, "plugin_id": pluginID,
			"values":  []map[string]interface{}{{"name": "Temperature", "decimals": 1}},
			"options": map[string]interface{}{"value1": 21.5},
		})
		So(w.Code, ShouldEqual, http.StatusCreated)
		var created registry.DeviceConfig
		So(decode(w, &created), ShouldBeNil)
		So(created.ID, ShouldBeGreaterThan, 0)

		Convey("The device is listed with its fields intact", func() {
			w := e.do(http.MethodGet, "/api/v1/devices", nil)
			var devices []registry.DeviceConfig
			So(decode(w, &devices), ShouldBeNil)
			So(devices, ShouldHaveLength, 1)
			So(devices[0].Name, ShouldEqual, "Kitchen")
			So(devices[0].Values[0].Decimals, ShouldEqual, 1)
		})

		Convey("Duplicate names and unknown plugins are rejected", func() {
			w := e.do(http.MethodPost, "/api/v1/devices", map[string]interface{}{"name": "Kitchen", "plugin_id": pluginID})
			So(w.Code, ShouldEqual, http.StatusConflict)
			w = e.do(http.MethodPost, "/api/v1/devices", map[string]interface{}{"name": "Attic", "plugin_id": 999})
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Read and write go through the plugin, by name or id", func() {
			w := e.do(http.MethodGet, "/api/v1/devices/Kitchen/values", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			var values map[string]interface{}
			So(decode(w, &values), ShouldBeNil)
			So(values["Temperature"], ShouldEqual, 21.5)

			w = e.do(http.MethodPut, "/api/v1/devices/1/values", map[string]interface{}{"Temperature": 23})
			So(w.Code, ShouldEqual, http.StatusNoContent)
			w = e.do(http.MethodGet, "/api/v1/devices/1/form", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			var form map[string]interface{}
			So(decode(w, &form), ShouldBeNil)
			So(form["value1"], ShouldEqual, 23.0)
		})

		Convey("Partial updates keep the other fields", func() {
			w := e.do(http.MethodPut, "/api/v1/devices/1", map[string]interface{}{"delay": 5, "id": 42})
			So(w.Code, ShouldEqual, http.StatusOK)
			var dev registry.DeviceConfig
			So(decode(w, &dev), ShouldBeNil)
			So(dev.ID, ShouldEqual, 1)
			So(dev.Delay, ShouldEqual, 5)
			So(dev.Name, ShouldEqual, "Kitchen")
		})

		Convey("Bad ids and missing devices map to 400 and 404", func() {
			So(e.do(http.MethodPut, "/api/v1/devices/abc", map[string]interface{}{"delay": 1}).Code, ShouldEqual, http.StatusBadRequest)
			So(e.do(http.MethodDelete, "/api/v1/devices/99", nil).Code, ShouldEqual, http.StatusNotFound)
			So(e.do(http.MethodDelete, "/api/v1/devices/1", nil).Code, ShouldEqual, http.StatusNoContent)
			So(e.do(http.MethodGet, "/api/v1/devices/Kitchen/values", nil).Code, ShouldEqual, http.StatusUnprocessableEntity)
		})
	})
}

func TestControllerAPI(t *testing.T) {
	Convey("Controllers", t, func() {
		e := newTestEnv(t)

		So(e.do(http.MethodPost, "/api/v1/controllers", map[string]interface{}{"protocol": "Carrier Pigeon"}).Code, ShouldEqual, http.StatusBadRequest)

		w := e.do(http.MethodPost, "/api/v1/controllers", map[string]interface{}{
			"enabled": true, "protocol": "Prometheus", "password": "secret",
		})
		So(w.Code, ShouldEqual, http.StatusCreated)

		w = e.do(http.MethodGet, "/api/v1/controllers", nil)
		So(w.Code, ShouldEqual, http.StatusOK)
		So(w.Body.String(), ShouldNotContainSubstring, "secret")
		var views []model.ControllerView
		So(decode(w, &views), ShouldBeNil)
		So(views, ShouldHaveLength, 1)
		So(views[0].Status, ShouldEqual, "idle")

		w = e.do(http.MethodPut, "/api/v1/controllers/1", map[string]interface{}{"protocol": "Nope"})
		So(w.Code, ShouldEqual, http.StatusBadRequest)
		w = e.do(http.MethodPut, "/api/v1/controllers/1", map[string]interface{}{"enabled": false})
		So(w.Code, ShouldEqual, http.StatusOK)

		w = e.do(http.MethodGet, "/api/v1/protocols", nil)
		So(w.Body.String(), ShouldContainSubstring, "Domoticz MQTT")
	})
}

func TestScriptsRulesAdvanced(t *testing.T) {
	Convey("Scripts, rules and advanced flags", t, func() {
		e := newTestEnv(t)

		w := e.do(http.MethodGet, "/api/v1/scripts", nil)
		var scripts []model.ScriptView
		So(decode(w, &scripts), ShouldBeNil)
		So(scripts, ShouldNotBeEmpty)
		So(scripts[0].Name, ShouldEqual, "EventLog")
		So(scripts[0].Triggers, ShouldContain, "System#Boot")

		w = e.do(http.MethodGet, "/api/v1/rules", nil)
		var rules []registry.RuleDescriptor
		So(decode(w, &rules), ShouldBeNil)
		So(rules, ShouldHaveLength, 1)
		So(rules[0].Event, ShouldEqual, "Kitchen#Temperature")

		err := os.WriteFile(filepath.Join(e.svc.Config.Router.RulesDir, "lights.rule"), []byte("if event['Hall#Motion'] == True:\n    gpio(7, 1)\n"), 0o644)
		So(err, ShouldBeNil)
		w = e.do(http.MethodPost, "/api/v1/rules/reload", nil)
		So(w.Code, ShouldEqual, http.StatusOK)
		So(decode(w, &rules), ShouldBeNil)
		So(rules, ShouldHaveLength, 2)

		w = e.do(http.MethodGet, "/api/v1/rules/lights", nil)
		So(w.Code, ShouldEqual, http.StatusOK)
		var rule registry.RuleDescriptor
		So(decode(w, &rule), ShouldBeNil)
		So(rule.ID, ShouldEqual, 2)
		So(rule.Event, ShouldEqual, "Hall#Motion")

		w = e.do(http.MethodGet, "/api/v1/rules/7", nil)
		So(w.Code, ShouldEqual, http.StatusNotFound)

		w = e.do(http.MethodPost, "/api/v1/rules/1/run", map[string]interface{}{"value": 30})
		So(w.Code, ShouldEqual, http.StatusOK)
		So(decode(w, &rule), ShouldBeNil)
		So(rule.Name, ShouldEqual, "heating")

		w = e.do(http.MethodPost, "/api/v1/rules/unknown/run", map[string]interface{}{"value": 1})
		So(w.Code, ShouldEqual, http.StatusNotFound)
		So(w.Body.String(), ShouldContainSubstring, "unknown rule")

		w = e.do(http.MethodPut, "/api/v1/advanced", map[string]interface{}{"rules": false})
		So(w.Code, ShouldEqual, http.StatusOK)
		var flags registry.Advanced
		So(decode(w, &flags), ShouldBeNil)
		So(flags.Scripts, ShouldBeTrue)
		So(flags.Rules, ShouldBeFalse)
		So(e.svc.Plugins.Flags().Rules(), ShouldBeFalse)
		So(e.svc.Plugins.Flags().Scripts(), ShouldBeTrue)
	})
}

func TestValueStream(t *testing.T) {
	Convey("The websocket stream sends a snapshot then live values", t, func() {
		e := newTestEnv(t)
		e.svc.Router.Bus().Publish(e.ctx, pkg.ValueEvent{Device: "Hall", ValueName: "Motion", Value: true})

		srv := httptest.NewServer(e.engine)
		defer srv.Close()
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/values", nil)
		So(err, ShouldBeNil)
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

		var snapshot struct {
			Type    string          `json:"type"`
			Payload []script.Sample `json:"payload"`
		}
		So(conn.ReadJSON(&snapshot), ShouldBeNil)
		So(snapshot.Type, ShouldEqual, model.WSTypeSnapshot)
		So(snapshot.Payload, ShouldHaveLength, 1)
		So(snapshot.Payload[0].Trigger, ShouldEqual, "Hall#Motion")

		e.svc.Router.Bus().Publish(e.ctx, pkg.ValueEvent{Device: "Kitchen", ValueName: "Temperature", Value: 22.5})
		var live struct {
			Type    string        `json:"type"`
			Payload script.Sample `json:"payload"`
		}
		So(conn.ReadJSON(&live), ShouldBeNil)
		So(live.Type, ShouldEqual, model.WSTypeValue)
		So(live.Payload.Trigger, ShouldEqual, "Kitchen#Temperature")
		So(live.Payload.Value, ShouldEqual, 22.5)

		w := e.do(http.MethodGet, "/api/v1/values", nil)
		var samples []script.Sample
		So(decode(w, &samples), ShouldBeNil)
		So(samples, ShouldHaveLength, 2)
	})
}
