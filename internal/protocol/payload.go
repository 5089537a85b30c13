package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"homegate/internal/pkg"
)

var (
	ErrUnmappedSwitch  = errors.New("switch value has no on/off mapping")
	ErrIncompleteEvent = errors.New("device event carries fewer values than its sensor type")
)

var (
	switchOn  = []string{"on", "closed", "press", "double", "long", "1", "true"}
	switchOff = []string{"off", "open", "release", "0", "false"}
)

// SwitchState 把开关类读数映射为 on / off
func SwitchState(v interface{}) (bool, error) {
	s := strings.ToLower(strings.TrimSpace(pkg.FormatValue(v)))
	for _, on := range switchOn {
		if s == on {
			return true, nil
		}
	}
	for _, off := range switchOff {
		if s == off {
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: %q", ErrUnmappedSwitch, s)
}

func checkComplete(ev pkg.DeviceEvent) error {
	if !ev.SensorType.Known() {
		return fmt.Errorf("%w: %s", ErrUnsupportedSensorType, ev.SensorType)
	}
	if len(ev.Values) < ev.SensorType.ValueCount() {
		return fmt.Errorf("%w: %s has %d", ErrIncompleteEvent, ev.SensorType, len(ev.Values))
	}
	return nil
}

// SValue 生成 Domoticz udevice 命令的 svalue, 字段顺序由 sensorType 决定
func SValue(ev pkg.DeviceEvent) (string, error) {
	if err := checkComplete(ev); err != nil {
		return "", err
	}
	t := ev.Text
	switch ev.SensorType {
	case pkg.SensorSingle, pkg.SensorLong:
		return t(0), nil
	case pkg.SensorDual, pkg.SensorTempBaro:
		return t(0) + ";" + t(1), nil
	case pkg.SensorTempHum:
		return t(0) + ";" + t(1) + ";0", nil
	case pkg.SensorTempHumBaro:
		return t(0) + ";" + t(1) + ";0;" + t(2) + ";0", nil
	case pkg.SensorTriple, pkg.SensorWind:
		return t(0) + ";" + t(1) + ";" + t(2), nil
	case pkg.SensorQuad:
		return t(0) + ";" + t(1) + ";" + t(2) + ";" + t(3), nil
	}
	// SWITCH 和 DIMMER 走 switchlight 命令
	return "", fmt.Errorf("%w: %s has no svalue form", ErrUnsupportedSensorType, ev.SensorType)
}

// domoticzCommand 是 Domoticz MQTT in 主题上的报文
type domoticzCommand struct {
	Command   string `json:"command,omitempty"`
	Idx       int    `json:"idx"`
	NValue    *int   `json:"nvalue,omitempty"`
	SValue    string `json:"svalue,omitempty"`
	SwitchCmd string `json:"switchcmd,omitempty"`
	Level     *int   `json:"level,omitempty"`
}

func dimmerLevel(v interface{}) (int, error) {
	f, err := strconv.ParseFloat(pkg.FormatValue(v), 64)
	if err != nil {
		return 0, fmt.Errorf("dimmer level %v: %w", v, err)
	}
	level := int(f + 0.5)
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	return level, nil
}

func onOff(on bool) string {
	if on {
		return "On"
	}
	return "Off"
}

// DomoticzMessage 生成 Domoticz MQTT 报文
func DomoticzMessage(ev pkg.DeviceEvent) ([]byte, error) {
	if err := checkComplete(ev); err != nil {
		return nil, err
	}
	var cmd domoticzCommand
	switch ev.SensorType {
	case pkg.SensorSwitch:
		on, err := SwitchState(ev.Value(0))
		if err != nil {
			return nil, err
		}
		cmd = domoticzCommand{Command: "switchlight", Idx: ev.ControllerIdx, SwitchCmd: onOff(on)}
	case pkg.SensorDimmer:
		level, err := dimmerLevel(ev.Value(0))
		if err != nil {
			return nil, err
		}
		cmd = domoticzCommand{Command: "switchlight", Idx: ev.ControllerIdx, SwitchCmd: "Set Level", Level: &level}
	default:
		svalue, err := SValue(ev)
		if err != nil {
			return nil, err
		}
		zero := 0
		cmd = domoticzCommand{Idx: ev.ControllerIdx, NValue: &zero, SValue: svalue}
	}
	return json.Marshal(cmd)
}

// DomoticzQuery 生成 Domoticz HTTP json.htm 的查询参数
func DomoticzQuery(ev pkg.DeviceEvent) (url.Values, error) {
	if err := checkComplete(ev); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("type", "command")
	q.Set("idx", strconv.Itoa(ev.ControllerIdx))
	switch ev.SensorType {
	case pkg.SensorSwitch:
		on, err := SwitchState(ev.Value(0))
		if err != nil {
			return nil, err
		}
		q.Set("param", "switchlight")
		q.Set("switchcmd", onOff(on))
	case pkg.SensorDimmer:
		level, err := dimmerLevel(ev.Value(0))
		if err != nil {
			return nil, err
		}
		q.Set("param", "switchlight")
		q.Set("switchcmd", "Set Level")
		q.Set("level", strconv.Itoa(level))
	default:
		svalue, err := SValue(ev)
		if err != nil {
			return nil, err
		}
		q.Set("param", "udevice")
		q.Set("nvalue", "0")
		q.Set("svalue", svalue)
	}
	return q, nil
}

// Message 是一条待发布的 MQTT 消息
type Message struct {
	Topic   string
	Payload string
}

// OpenHABMessages 为事件的每个值生成一条消息。
// publish 为空时主题为 unit/device/valueName, 否则把 %unit% %device% %value% 替换后作为主题。
func OpenHABMessages(ev pkg.DeviceEvent, publish string) ([]Message, error) {
	if err := checkComplete(ev); err != nil {
		return nil, err
	}
	n := ev.SensorType.ValueCount()
	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		name := ev.Values[i].Name
		payload := ev.Text(i)
		if ev.SensorType == pkg.SensorSwitch {
			on, err := SwitchState(ev.Value(i))
			if err != nil {
				return nil, err
			}
			payload = "0"
			if on {
				payload = "1"
			}
		}
		topic := ev.Unit + "/" + ev.Device + "/" + name
		if publish != "" {
			topic = strings.NewReplacer("%unit%", ev.Unit, "%device%", ev.Device, "%value%", name).Replace(publish)
		}
		out = append(out, Message{Topic: topic, Payload: payload})
	}
	return out, nil
}
