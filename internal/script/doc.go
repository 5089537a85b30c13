/*
Package script 实现脚本与规则的路由。

脚本在 init 中通过 Register 注册, 启动时 LoadScripts 为每个脚本生成记录并调用 Init 取得触发集合;
规则是规则目录下的 *.rule 文件, LoadRules 从第一个 if 守卫中静态提取触发事件名称。

Router 消费三条共享队列:

	script 队列 -- 匹配触发集合的空闲脚本交给协程池, 可以延时执行
	rule 队列   -- event 相等的规则立即同步执行
	value 队列  -- Bus 记录最新值, 推送给 websocket, 写入订阅了该值的设备

规则中的 timerSet(id, seconds) 到期后注入 Rules#Timer = id。
*/
package script
