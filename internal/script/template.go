package script

import (
	"context"
	"errors"
	"sort"
	"sync"

	"homegate/internal/pkg"
	"homegate/internal/registry"
)

var (
	ErrInitRejected = errors.New("script init rejected")
	ErrUnknownRule  = errors.New("unknown rule")
)

// Script 是一个由触发事件驱动、可被调度的处理单元
type Script interface {
	// Init 返回该脚本关心的触发名称集合 (device#valueName)
	Init(ctx context.Context, b Binding) ([]string, error)
	// AsyncProcess 处理一个匹配的事件
	AsyncProcess(ctx context.Context, ev pkg.ValueEvent) error
}

// Binding 是 Init 时交给脚本的上下文
type Binding struct {
	Descriptor registry.ScriptDescriptor
	Options    map[string]interface{} // config 中 scripts::<name> 的内容
	Host       Host
}

// Template 描述一种脚本
type Template struct {
	Name     string
	Filename string
	Dir      string // 从脚本目录注册时为该目录
	Delay    int    // 秒
	New      func() Script
}

var (
	factoriesMu sync.RWMutex
	Factories   = make(map[string]Template)
)

func Register(t Template) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	Factories[t.Name] = t
}

// Templates 返回按名称排序的已注册脚本
func Templates() []Template {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]Template, 0, len(Factories))
	for _, t := range Factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Instance 是一个已初始化的脚本
type Instance struct {
	Busy       pkg.BusyFlag
	Script     Script
	Descriptor registry.ScriptDescriptor

	mu       sync.RWMutex
	triggers map[string]struct{}
}

func newInstance(s Script, d registry.ScriptDescriptor, triggers []string) *Instance {
	inst := &Instance{Script: s, Descriptor: d, triggers: make(map[string]struct{}, len(triggers))}
	for _, t := range triggers {
		inst.triggers[t] = struct{}{}
	}
	return inst
}

// Wants 报告 trigger 是否在脚本声明的触发集合中
func (i *Instance) Wants(trigger string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.triggers[trigger]
	return ok
}

// Triggers 返回排序后的触发集合
func (i *Instance) Triggers() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]string, 0, len(i.triggers))
	for t := range i.triggers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
