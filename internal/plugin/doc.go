/*
Package plugin 实现设备侧的调度核心。具体地：

template.go -- 插件接口与插件种类注册表

outlet.go -- 读数的 fan-out: 写入 value / controller / script / rule 队列

manager.go -- 插件实例的 (懒) 初始化、表单与读写入口, 初始化失败时禁用设备

scheduler.go -- 设备调度循环, 每个实体同一时刻至多一次运行

dummy.go / switch.go / system.go / sun.go -- 内置插件
*/
package plugin
