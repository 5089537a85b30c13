package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"homegate/internal/pkg"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
)

// GoScriptExt 是脚本目录中被解释执行的文件扩展名
const GoScriptExt = ".go"

// 脚本文件必须声明 package script, 并导出:
//
//	func Triggers(options map[string]interface{}) []string
//	func Process(device, valueName string, value interface{}) error
//
// 可选的 const Delay 为调度延时 (秒)。脚本通过 import "homegate/host" 调用
// host.GPIO(pin, level)、host.TimerSet(id, seconds) 和 host.Log(msg)。
const goScriptPackage = "script"

var ErrBadGoScript = errors.New("invalid go script")

type (
	triggersFunc = func(map[string]interface{}) []string
	processFunc  = func(string, string, interface{}) error
)

// goScriptFiles 返回目录下按名称排序的脚本文件, 目录不存在时返回空
func goScriptFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != GoScriptExt || strings.HasSuffix(e.Name(), "_test.go") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// RegisterDir 解释目录下的每个脚本文件并注册为脚本, 名称为去掉扩展名的文件名。
// 之前从同一目录注册的脚本先被移除; 无法解释的文件记录错误日志后跳过。
// 返回本次注册的模板。
func RegisterDir(ctx context.Context, dir string) ([]Template, error) {
	log := pkg.LoggerFromContext(ctx)
	files, err := goScriptFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir %s: %w", dir, err)
	}

	unregisterDir(dir)

	var out []Template
	for _, file := range files {
		path := filepath.Join(dir, file)
		name := strings.TrimSuffix(file, GoScriptExt)
		if _, ok := lookupTemplate(name); ok {
			log.Error("go script shadows a registered script, skipped", zap.String("file", file), zap.String("script", name))
			continue
		}
		src, err := os.ReadFile(path)
		if err != nil {
			log.Error("read go script", zap.String("file", file), zap.Error(err))
			continue
		}
		// 先完整解释一次, 提前暴露语法和签名错误
		prog, err := interpretGoScript(string(src), nopHost{}, log)
		if err != nil {
			log.Error("go script rejected", zap.String("file", file), zap.Error(err))
			continue
		}
		t := Template{
			Name:     name,
			Filename: file,
			Dir:      dir,
			Delay:    prog.delay,
			New:      func() Script { return &GoScript{path: path} },
		}
		Register(t)
		log.Debug("go script registered", zap.String("script", name), zap.String("file", file))
		out = append(out, t)
	}
	return out, nil
}

func unregisterDir(dir string) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	for name, t := range Factories {
		if t.Dir != "" && t.Dir == dir {
			delete(Factories, name)
		}
	}
}

func lookupTemplate(name string) (Template, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	t, ok := Factories[name]
	return t, ok
}

type goProgram struct {
	triggers triggersFunc
	process  processFunc
	delay    int
}

// interpretGoScript 在新的解释器中执行源码并取出导出的函数
func interpretGoScript(src string, host Host, log *zap.Logger) (*goProgram, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, err
	}
	if err := i.Use(hostSymbols(host, log)); err != nil {
		return nil, err
	}
	if _, err := i.Eval(src); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadGoScript, err)
	}

	p := &goProgram{}
	v, err := i.Eval(goScriptPackage + ".Triggers")
	if err != nil {
		return nil, fmt.Errorf("%w: missing Triggers: %v", ErrBadGoScript, err)
	}
	if p.triggers, err = asFunc[triggersFunc](v); err != nil {
		return nil, fmt.Errorf("%w: Triggers: %v", ErrBadGoScript, err)
	}
	v, err = i.Eval(goScriptPackage + ".Process")
	if err != nil {
		return nil, fmt.Errorf("%w: missing Process: %v", ErrBadGoScript, err)
	}
	if p.process, err = asFunc[processFunc](v); err != nil {
		return nil, fmt.Errorf("%w: Process: %v", ErrBadGoScript, err)
	}
	if v, err := i.Eval(goScriptPackage + ".Delay"); err == nil && v.IsValid() && v.CanInt() {
		p.delay = int(v.Int())
	}
	return p, nil
}

func asFunc[F any](v reflect.Value) (f F, err error) {
	if !v.IsValid() || !v.CanInterface() {
		return f, errors.New("not a function")
	}
	f, ok := v.Interface().(F)
	if !ok {
		return f, fmt.Errorf("unexpected signature %s", v.Type())
	}
	return f, nil
}

func hostSymbols(host Host, log *zap.Logger) interp.Exports {
	return interp.Exports{
		"homegate/host/host": {
			"GPIO":     reflect.ValueOf(host.GPIO),
			"TimerSet": reflect.ValueOf(host.TimerSet),
			"Log":      reflect.ValueOf(func(msg string) { log.Info(msg) }),
		},
	}
}

// GoScript 是从脚本目录解释执行的脚本, 每次 Init 都重新读取文件
type GoScript struct {
	path string
	prog *goProgram
}

func (g *GoScript) Init(ctx context.Context, b Binding) ([]string, error) {
	src, err := os.ReadFile(g.path)
	if err != nil {
		return nil, err
	}
	host := b.Host
	if host == nil {
		host = nopHost{}
	}
	log := pkg.LoggerFromContext(ctx).With(zap.String("script", b.Descriptor.Name))
	if g.prog, err = interpretGoScript(string(src), host, log); err != nil {
		return nil, err
	}
	return g.prog.triggers(b.Options), nil
}

func (g *GoScript) AsyncProcess(_ context.Context, ev pkg.ValueEvent) error {
	return g.prog.process(ev.Device, ev.ValueName, ev.Value)
}
