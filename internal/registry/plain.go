package registry

import (
	"encoding/json"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"gorm.io/datatypes"
)

// jsonColumns 由带 JSON 列的记录实现。
// withPlainJSON 返回一份独立的副本: 嵌套的 map / slice 被复制,
// 存储层解码出的数字 (json.Number, int32, int64, float32) 还原为 int 或 float64,
// mongo 的嵌套文档与数组还原为 map / slice。
type jsonColumns[T any] interface {
	withPlainJSON() T
}

// plain 对带 JSON 列的记录调用 withPlainJSON, 其余记录原样返回
func plain[T Record[T]](rec T) T {
	if j, ok := any(rec).(jsonColumns[T]); ok {
		return j.withPlainJSON()
	}
	return rec
}

func plainAll[T Record[T]](recs []T) []T {
	for i := range recs {
		recs[i] = plain(recs[i])
	}
	return recs
}

func (d DeviceConfig) withPlainJSON() DeviceConfig {
	if d.Values != nil {
		d.Values = append(datatypes.JSONSlice[ValueSlot](nil), d.Values...)
	}
	d.Options = plainMap(d.Options)
	return d
}

func (c ControllerConfig) withPlainJSON() ControllerConfig {
	c.Options = plainMap(c.Options)
	return c
}

func (s PluginStore) withPlainJSON() PluginStore {
	s.Data = plainMap(s.Data)
	return s
}

func plainMap(m datatypes.JSONMap) datatypes.JSONMap {
	if m == nil {
		return nil
	}
	out := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		out[k] = PlainValue(v)
	}
	return out
}

// PlainValue 深拷贝 v 并把数字统一为 int (整数) 或 float64
func PlainValue(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case int32:
		return int(x)
	case int64:
		return int(x)
	case float32:
		return float64(x)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = PlainValue(e)
		}
		return out
	case datatypes.JSONMap:
		return map[string]interface{}(plainMap(x))
	case primitive.M:
		return PlainValue(map[string]interface{}(x))
	case primitive.D:
		return PlainValue(map[string]interface{}(x.Map()))
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = PlainValue(e)
		}
		return out
	case primitive.A:
		return PlainValue([]interface{}(x))
	default:
		return v
	}
}
