/*
Package pkg 包含了项目的公共类部分。具体地：

config.go -- 统一定义了所有配置的加载项，便于使用

logger.go -- 配置logger项

context.go -- logger / config / 错误通道在 context 中的挂载与提取

以下项因为在多个模块共用，故放置在此包中

event.go -- 传感器类型、DeviceEvent / ValueEvent 消息块及其位置编码

queue.go -- 有界、非阻塞、整组原子写入的队列

busy.go / pool.go -- 每个实体的重入锁，以及 fire-and-forget 运行所用的协程池

metrics.go -- prometheus 指标
*/
package pkg
