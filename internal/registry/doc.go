// Package registry 是核心访问外部持久化记录的客户端:
// 插件描述、设备、控制器、脚本、规则、advanced 开关以及插件数据。
//
// 每种记录通过 Repo[T] 访问, 有三种实现: 内存 (MemoryRepo), SQL (GormRepo, 默认 sqlite)
// 和 MongoDB (MongoRepo)。核心把每次读取视为一个快照, 不依赖事务隔离。
package registry
