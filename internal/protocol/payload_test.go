package protocol

import (
	"encoding/json"
	"testing"

	"homegate/internal/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(st pkg.SensorType, values ...interface{}) pkg.DeviceEvent {
	names := []string{"Temperature", "Humidity", "Pressure", "Extra"}
	ev := pkg.DeviceEvent{SensorType: st, ControllerIdx: 17, Unit: "homegate", Device: "Kitchen"}
	for i, v := range values {
		ev.Values = append(ev.Values, pkg.NamedValue{Name: names[i], Value: v})
	}
	return ev
}

func TestSValue(t *testing.T) {
	cases := []struct {
		st     pkg.SensorType
		values []interface{}
		want   string
	}{
		{pkg.SensorSingle, []interface{}{21.5}, "21.5"},
		{pkg.SensorLong, []interface{}{int64(123456)}, "123456"},
		{pkg.SensorDual, []interface{}{1.0, 2.5}, "1;2.5"},
		{pkg.SensorTempBaro, []interface{}{20.0, 1013.2}, "20;1013.2"},
		{pkg.SensorTempHum, []interface{}{22.4, 55.0}, "22.4;55;0"},
		{pkg.SensorTempHumBaro, []interface{}{22.4, 55.0, 1013.0}, "22.4;55;0;1013;0"},
		{pkg.SensorTriple, []interface{}{1.0, 2.0, 3.0}, "1;2;3"},
		{pkg.SensorWind, []interface{}{180.0, "S", 3.5}, "180;S;3.5"},
		{pkg.SensorQuad, []interface{}{1.0, 2.0, 3.0, 4.0}, "1;2;3;4"},
	}
	for _, c := range cases {
		t.Run(string(c.st), func(t *testing.T) {
			got, err := SValue(event(c.st, c.values...))
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestSValue_Errors(t *testing.T) {
	_, err := SValue(event(pkg.SensorType("SENSOR_TYPE_LASER"), 1.0))
	assert.ErrorIs(t, err, ErrUnsupportedSensorType)

	_, err = SValue(event(pkg.SensorTempHum, 22.4))
	assert.ErrorIs(t, err, ErrIncompleteEvent)

	_, err = SValue(event(pkg.SensorSwitch, "on"))
	assert.ErrorIs(t, err, ErrUnsupportedSensorType)
}

func TestSwitchState(t *testing.T) {
	for _, v := range []interface{}{"on", "Closed", "press", "double", "LONG", 1, true, "1"} {
		on, err := SwitchState(v)
		require.NoError(t, err, v)
		assert.True(t, on, v)
	}
	for _, v := range []interface{}{"off", "open", "Release", 0, false} {
		on, err := SwitchState(v)
		require.NoError(t, err, v)
		assert.False(t, on, v)
	}
	_, err := SwitchState("ajar")
	assert.ErrorIs(t, err, ErrUnmappedSwitch)
}

func decode(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestDomoticzMessage(t *testing.T) {
	msg, err := DomoticzMessage(event(pkg.SensorTempHum, 22.4, 55.0))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"idx": 17.0, "nvalue": 0.0, "svalue": "22.4;55;0"}, decode(t, msg))

	msg, err = DomoticzMessage(event(pkg.SensorSwitch, "closed"))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"command": "switchlight", "idx": 17.0, "switchcmd": "On"}, decode(t, msg))

	msg, err = DomoticzMessage(event(pkg.SensorDimmer, 42.6))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"command": "switchlight", "idx": 17.0, "switchcmd": "Set Level", "level": 43.0}, decode(t, msg))

	_, err = DomoticzMessage(event(pkg.SensorSwitch, "ajar"))
	assert.ErrorIs(t, err, ErrUnmappedSwitch)
}

func TestDomoticzQuery(t *testing.T) {
	q, err := DomoticzQuery(event(pkg.SensorTempHumBaro, 22.4, 55.0, 1013.0))
	require.NoError(t, err)
	assert.Equal(t, "udevice", q.Get("param"))
	assert.Equal(t, "17", q.Get("idx"))
	assert.Equal(t, "0", q.Get("nvalue"))
	assert.Equal(t, "22.4;55;0;1013;0", q.Get("svalue"))

	q, err = DomoticzQuery(event(pkg.SensorSwitch, "release"))
	require.NoError(t, err)
	assert.Equal(t, "switchlight", q.Get("param"))
	assert.Equal(t, "Off", q.Get("switchcmd"))
}

func TestOpenHABMessages(t *testing.T) {
	msgs, err := OpenHABMessages(event(pkg.SensorTempHum, 22.4, 55.0), "")
	require.NoError(t, err)
	assert.Equal(t, []Message{
		{Topic: "homegate/Kitchen/Temperature", Payload: "22.4"},
		{Topic: "homegate/Kitchen/Humidity", Payload: "55"},
	}, msgs)

	msgs, err = OpenHABMessages(event(pkg.SensorSingle, 21.5), "house/%unit%/%device%/%value%/state")
	require.NoError(t, err)
	assert.Equal(t, []Message{{Topic: "house/homegate/Kitchen/Temperature/state", Payload: "21.5"}}, msgs)

	msgs, err = OpenHABMessages(event(pkg.SensorSwitch, "press"), "")
	require.NoError(t, err)
	assert.Equal(t, "1", msgs[0].Payload)

	_, err = OpenHABMessages(event(pkg.SensorType("bogus"), 1.0), "")
	assert.ErrorIs(t, err, ErrUnsupportedSensorType)
}
