// Package protocol 定义了出站控制器 (Domoticz / OpenHAB / InfluxDB / Kafka / Prometheus) 的通用接口,
// 以及把各控制器队列中的 DeviceEvent 交给协议发送的分发循环。
//
// 每种协议在 init 中通过 Register 注册构造函数。Manager 按控制器 id 懒加载实例,
// Dispatcher 每个周期检查一次队列, 队列非空且实例空闲时提交一次 Process。
//
// 使用示例:
//
//	func init() {
//		Register("MyProtocol", func() Protocol { return &MyProtocol{} })
//	}
package protocol
