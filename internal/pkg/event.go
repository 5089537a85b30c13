package pkg

import (
	"fmt"
	"strings"
	"time"
)

// Start 是每个队列消息块的起始标记
const Start = "UPYEASY_QMS"

// SensorType 描述一次读数携带多少个值以及这些值的语义形状
type SensorType string

const (
	SensorSingle      SensorType = "SENSOR_TYPE_SINGLE"
	SensorTempHum     SensorType = "SENSOR_TYPE_TEMP_HUM"
	SensorTempBaro    SensorType = "SENSOR_TYPE_TEMP_BARO"
	SensorTempHumBaro SensorType = "SENSOR_TYPE_TEMP_HUM_BARO"
	SensorDual        SensorType = "SENSOR_TYPE_DUAL"
	SensorTriple      SensorType = "SENSOR_TYPE_TRIPLE"
	SensorQuad        SensorType = "SENSOR_TYPE_QUAD"
	SensorSwitch      SensorType = "SENSOR_TYPE_SWITCH"
	SensorDimmer      SensorType = "SENSOR_TYPE_DIMMER"
	SensorLong        SensorType = "SENSOR_TYPE_LONG"
	SensorWind        SensorType = "SENSOR_TYPE_WIND"
)

var sensorValueCount = map[SensorType]int{
	SensorSingle:      1,
	SensorSwitch:      1,
	SensorDimmer:      1,
	SensorLong:        1,
	SensorDual:        2,
	SensorTempHum:     2,
	SensorTempBaro:    2,
	SensorTriple:      3,
	SensorTempHumBaro: 3,
	SensorWind:        3,
	SensorQuad:        4,
}

// ValueCount 返回该类型的值个数, 未知类型返回 0
func (s SensorType) ValueCount() int {
	return sensorValueCount[s]
}

// Known 报告该类型是否可被 fan-out 序列化
func (s SensorType) Known() bool {
	_, ok := sensorValueCount[s]
	return ok
}

// ParseSensorType 接受完整名称或去掉 SENSOR_TYPE_ 前缀的简写, 大小写不敏感
func ParseSensorType(s string) (SensorType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(name, "SENSOR_TYPE_") {
		name = "SENSOR_TYPE_" + name
	}
	st := SensorType(name)
	if !st.Known() {
		return "", fmt.Errorf("unknown sensor type %q", s)
	}
	return st, nil
}

// DeviceType 描述插件的硬件连接方式
type DeviceType string

const (
	DeviceSingle DeviceType = "DEVICE_TYPE_SINGLE"
	DeviceDual   DeviceType = "DEVICE_TYPE_DUAL"
	DeviceTriple DeviceType = "DEVICE_TYPE_TRIPLE"
	DeviceAnalog DeviceType = "DEVICE_TYPE_ANALOG"
	DeviceI2C    DeviceType = "DEVICE_TYPE_I2C"
	DeviceDummy  DeviceType = "DEVICE_TYPE_DUMMY"
)

// NamedValue 是一个值槽的名称和值
type NamedValue struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// ValueEvent 是 value/script/rule 队列中的一个消息块: START, deviceName, valueName, value
type ValueEvent struct {
	Device    string      `json:"device"`
	ValueName string      `json:"valueName"`
	Value     interface{} `json:"value"`
}

// Trigger 返回 deviceName#valueName
func (e ValueEvent) Trigger() string {
	return TriggerName(e.Device, e.ValueName)
}

// Frame 返回该消息块的位置编码形式
func (e ValueEvent) Frame() []interface{} {
	return []interface{}{Start, e.Device, e.ValueName, e.Value}
}

// TriggerName 是脚本和规则匹配使用的 key
func TriggerName(device, valueName string) string {
	return device + "#" + valueName
}

// DeviceEvent 是 controller 队列中的一个消息块
type DeviceEvent struct {
	ID            string       `json:"id"`
	SensorType    SensorType   `json:"sensorType"`
	ControllerIdx int          `json:"controllerIdx"` // 设备在控制器侧的编号 (例如 Domoticz idx)
	Unit          string       `json:"unit"`
	Device        string       `json:"device"`
	Values        []NamedValue `json:"values"`
	Ts            time.Time    `json:"ts"`
}

// Frame 返回规范的位置编码: START, sensorType, controllerIdx, unit, device, v1, n1[, v2, n2 ...]
func (e DeviceEvent) Frame() []interface{} {
	frame := make([]interface{}, 0, 5+2*len(e.Values))
	frame = append(frame, Start, e.SensorType, e.ControllerIdx, e.Unit, e.Device)
	for _, v := range e.Values {
		frame = append(frame, v.Value, v.Name)
	}
	return frame
}

// Value 返回第 i 个值槽 (从 0 开始), 越界返回 nil
func (e DeviceEvent) Value(i int) interface{} {
	if i < 0 || i >= len(e.Values) {
		return nil
	}
	return e.Values[i].Value
}

// Text 按控制器协议需要的文本格式输出第 i 个值
func (e DeviceEvent) Text(i int) string {
	return FormatValue(e.Value(i))
}

func (e DeviceEvent) String() string {
	parts := make([]string, 0, len(e.Values))
	for _, v := range e.Values {
		parts = append(parts, fmt.Sprintf("%s=%v", v.Name, v.Value))
	}
	return fmt.Sprintf("DeviceEvent(%s, %s, idx=%d, %s)", e.Device, e.SensorType, e.ControllerIdx, strings.Join(parts, ", "))
}

// FormatValue 把值转成协议载荷中的文本
func FormatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return fmt.Sprintf("%g", x)
	case float32:
		return fmt.Sprintf("%g", x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(x)
	}
}
