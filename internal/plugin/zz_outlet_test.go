package plugin

import (
	"testing"

	"homegate/internal/pkg"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestOutlet(t *testing.T, st pkg.SensorType, names ...string) (*Outlet, *observer.ObservedLogs) {
	t.Helper()
	slots, err := compileSlots(names, nil, nil, nil)
	require.NoError(t, err)
	core, logs := observer.New(zap.DebugLevel)
	flags := &Flags{}
	flags.Set(true, true)
	return &Outlet{
		Device:        "Kitchen",
		Unit:          "homegate",
		SensorType:    st,
		ControllerIdx: 17,
		Values:        pkg.NewQueue[pkg.ValueEvent](100),
		Scripts:       pkg.NewQueue[pkg.ValueEvent](100),
		Rules:         pkg.NewQueue[pkg.ValueEvent](100),
		Controller:    pkg.NewQueue[pkg.DeviceEvent](100),
		flags:         flags,
		slots:         slots,
		log:           zap.New(core),
		metrics:       pkg.NewMetrics(),
	}, logs
}

func drainFrames(q *pkg.Queue[pkg.ValueEvent]) [][]interface{} {
	var out [][]interface{}
	for {
		ev, err := q.Get()
		if err != nil {
			return out
		}
		out = append(out, ev.Frame())
	}
}

func TestSendData_SingleValue(t *testing.T) {
	o, _ := newTestOutlet(t, pkg.SensorSingle, "Temperature")

	require.NoError(t, o.SendData(21.5))

	assert.Equal(t, [][]interface{}{{pkg.Start, "Kitchen", "Temperature", 21.5}}, drainFrames(o.Values))

	ev, err := o.Controller.Get()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{pkg.Start, pkg.SensorSingle, 17, "homegate", "Kitchen", 21.5, "Temperature"}, ev.Frame())
	assert.NotEmpty(t, ev.ID)
	assert.True(t, o.Controller.Empty())
}

func TestSendData_BlocksPerSensorType(t *testing.T) {
	types := []pkg.SensorType{
		pkg.SensorSingle, pkg.SensorSwitch, pkg.SensorDimmer, pkg.SensorLong,
		pkg.SensorDual, pkg.SensorTempHum, pkg.SensorTempBaro,
		pkg.SensorTriple, pkg.SensorTempHumBaro, pkg.SensorWind, pkg.SensorQuad,
	}
	names := []string{"A", "B", "C", "D"}
	for _, st := range types {
		t.Run(string(st), func(t *testing.T) {
			o, _ := newTestOutlet(t, st, names...)
			n := st.ValueCount()

			require.NoError(t, o.SendData(1.0, 2.0, 3.0, 4.0))

			frames := drainFrames(o.Values)
			require.Len(t, frames, n)
			for i, f := range frames {
				assert.Equal(t, []interface{}{pkg.Start, "Kitchen", names[i], float64(i + 1)}, f)
			}
			assert.Len(t, drainFrames(o.Scripts), n)
			assert.Len(t, drainFrames(o.Rules), n)

			require.Equal(t, 1, o.Controller.Len())
			ev, _ := o.Controller.Get()
			frame := ev.Frame()
			require.Len(t, frame, 5+2*n)
			for i := 0; i < n; i++ {
				assert.Equal(t, float64(i+1), frame[5+2*i])
				assert.Equal(t, names[i], frame[6+2*i])
			}
		})
	}
}

func TestSendData_TempHumOrder(t *testing.T) {
	o, _ := newTestOutlet(t, pkg.SensorTempHum, "Temperature", "Humidity")
	require.NoError(t, o.SendData(22.4, 55.0))

	ev, err := o.Controller.Get()
	require.NoError(t, err)
	assert.Equal(t,
		[]interface{}{pkg.Start, pkg.SensorTempHum, 17, "homegate", "Kitchen", 22.4, "Temperature", 55.0, "Humidity"},
		ev.Frame())
}

func TestSendData_ValueQueueFull(t *testing.T) {
	o, logs := newTestOutlet(t, pkg.SensorTempHum, "Temperature", "Humidity")
	o.Values = pkg.NewQueue[pkg.ValueEvent](3)
	require.NoError(t, o.Values.Put(pkg.ValueEvent{Device: "Other", ValueName: "x"}, pkg.ValueEvent{Device: "Other", ValueName: "y"}))

	err := o.SendData(22.4, 55.0)
	assert.ErrorIs(t, err, pkg.ErrQueueFull)

	// 没有任何部分写入
	assert.Equal(t, 2, o.Values.Len())
	assert.True(t, o.Controller.Empty())
	assert.True(t, o.Scripts.Empty())
	assert.True(t, o.Rules.Empty())
	assert.Equal(t, 1, logs.FilterMessage("queue absent or full, dropping reading").Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(o.metrics.QueueDrops.WithLabelValues("value")))
}

func TestSendData_NoValueQueue(t *testing.T) {
	o, _ := newTestOutlet(t, pkg.SensorSingle, "Temperature")
	o.Values = nil
	assert.ErrorIs(t, o.SendData(1.0), pkg.ErrQueueFull)
	assert.True(t, o.Controller.Empty())
}

func TestSendData_ControllerFullDoesNotBlockOthers(t *testing.T) {
	o, _ := newTestOutlet(t, pkg.SensorSingle, "Temperature")
	o.Controller = pkg.NewQueue[pkg.DeviceEvent](1)
	require.NoError(t, o.Controller.Put(pkg.DeviceEvent{Device: "Other"}))

	require.NoError(t, o.SendData(21.5))
	assert.Equal(t, 1, o.Values.Len())
	assert.Equal(t, 1, o.Scripts.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(o.metrics.QueueDrops.WithLabelValues("controller")))
}

func TestSendData_NoController(t *testing.T) {
	o, _ := newTestOutlet(t, pkg.SensorSingle, "Temperature")
	o.Controller = nil
	require.NoError(t, o.SendData(21.5))
	assert.Equal(t, 1, o.Values.Len())
}

func TestSendData_FlagsGateScriptAndRuleQueues(t *testing.T) {
	o, _ := newTestOutlet(t, pkg.SensorSingle, "Temperature")
	o.flags.Set(false, true)
	require.NoError(t, o.SendData(21.5))
	assert.True(t, o.Scripts.Empty())
	assert.Equal(t, 1, o.Rules.Len())

	o.flags.Set(true, false)
	require.NoError(t, o.SendData(21.5))
	assert.Equal(t, 1, o.Scripts.Len())
	assert.Equal(t, 1, o.Rules.Len())
}

func TestSendData_UnknownSensorType(t *testing.T) {
	o, logs := newTestOutlet(t, pkg.SensorType("SENSOR_TYPE_LASER"), "Beam", "Power")

	err := o.SendData(1.0, 2.0)
	assert.ErrorIs(t, err, ErrUnknownSensorType)
	assert.Equal(t, [][]interface{}{{pkg.Start, "Kitchen", "Beam", 1.0}}, drainFrames(o.Values))
	assert.True(t, o.Controller.Empty())
	assert.True(t, o.Scripts.Empty())
	assert.True(t, o.Rules.Empty())
	assert.Equal(t, 1, logs.FilterMessage("unknown sensor type").Len())
}

func TestSendData_MissingValues(t *testing.T) {
	o, _ := newTestOutlet(t, pkg.SensorTriple, "A", "B", "C")
	assert.ErrorIs(t, o.SendData(1.0, 2.0), ErrMissingValues)
	assert.True(t, o.Values.Empty())
	assert.ErrorIs(t, o.SendData(), ErrMissingValues)
}

func TestSendData_FormulaAndDecimals(t *testing.T) {
	o, logs := newTestOutlet(t, pkg.SensorDual)
	slots, err := compileSlots([]string{"Fahrenheit", "Raw"}, []string{"value * 1.8 + 32", "value * 2"}, []int{1, 0}, nil)
	require.NoError(t, err)
	o.slots = slots

	require.NoError(t, o.SendData(21.55, "on"))
	frames := drainFrames(o.Values)
	require.Len(t, frames, 2)
	assert.Equal(t, 70.8, frames[0][3])
	assert.Equal(t, "on", frames[1][3], "failing formula keeps the raw value")
	assert.Equal(t, 1, logs.FilterMessage("value formula failed, keeping raw value").Len())
}

func TestCompileSlots(t *testing.T) {
	slots, err := compileSlots([]string{"", "Humidity"}, nil, nil, []string{"Temperature", "Hum", "Pressure"})
	require.NoError(t, err)
	require.Len(t, slots, 3)
	assert.Equal(t, "Temperature", slots[0].name)
	assert.Equal(t, "Humidity", slots[1].name)
	assert.Equal(t, "Pressure", slots[2].name)

	_, err = compileSlots([]string{"A"}, []string{"value +* 2"}, nil, nil)
	assert.Error(t, err)

	o := &Outlet{slots: slots}
	assert.Equal(t, "Value5", o.ValueName(4))
}
