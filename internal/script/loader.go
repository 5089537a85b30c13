package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"homegate/internal/pkg"
	"homegate/internal/registry"

	"go.uber.org/zap"
)

// RuleExt 是规则文件的扩展名
const RuleExt = ".rule"

var (
	ErrNoGuard          = errors.New("no `if '<event>' ...:` guard found")
	ErrUnsupportedGuard = errors.New("guard references more than one event")
)

var (
	guardPattern      = regexp.MustCompile(`if (.*):`)
	comparisonPattern = regexp.MustCompile(`(.*)[<>=!]`)
	quotedPattern     = regexp.MustCompile(`'(.*)'`)
)

// ExtractEvent 从规则源码中静态提取触发事件名称。
// 只识别第一个 `if ...:` 守卫, 取比较运算符左侧 (没有比较运算符时取整个条件) 引号中的内容。
func ExtractEvent(src string) (string, error) {
	m := guardPattern.FindStringSubmatch(src)
	if m == nil {
		return "", ErrNoGuard
	}
	cond := m[1]
	if c := comparisonPattern.FindStringSubmatch(cond); c != nil {
		cond = c[1]
	}
	q := quotedPattern.FindStringSubmatch(cond)
	if q == nil {
		return "", ErrNoGuard
	}
	event := q[1]
	if strings.Contains(event, "'") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedGuard, m[1])
	}
	if event == "" {
		return "", ErrNoGuard
	}
	return event, nil
}

// ruleFiles 返回目录下按名称排序的规则文件, 目录不存在时返回空
func ruleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != RuleExt {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// LoadRules 重新生成规则记录: 先为目录下每个能提取出触发事件的规则文件按文件名顺序
// 生成新记录 (id 从 1 开始), 读完整个目录后再用新记录替换所有旧记录。
// 无法识别的文件记录错误日志后跳过。
func LoadRules(ctx context.Context, reg *registry.Registry, dir string) ([]registry.RuleDescriptor, error) {
	log := pkg.LoggerFromContext(ctx)
	flags, err := reg.Flags(ctx)
	if err != nil {
		return nil, fmt.Errorf("read advanced flags: %w", err)
	}
	files, err := ruleFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir %s: %w", dir, err)
	}

	next := make([]registry.RuleDescriptor, 0, len(files))
	for _, file := range files {
		src, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			log.Error("read rule file", zap.String("file", file), zap.Error(err))
			continue
		}
		event, err := ExtractEvent(string(src))
		if err != nil {
			log.Error("rule rejected", zap.String("file", file), zap.Error(err))
			continue
		}
		next = append(next, registry.RuleDescriptor{
			ID:       len(next) + 1,
			Name:     strings.TrimSuffix(file, RuleExt),
			Event:    event,
			Filename: file,
			Enabled:  flags.Rules,
		})
	}

	if err := clearRepo(ctx, reg.Rules); err != nil {
		return nil, fmt.Errorf("clear rules: %w", err)
	}
	out := make([]registry.RuleDescriptor, 0, len(next))
	for _, d := range next {
		rule, err := reg.Rules.Create(ctx, d)
		if err != nil {
			return out, fmt.Errorf("create rule %s: %w", d.Filename, err)
		}
		log.Debug("rule loaded", zap.String("rule", rule.Name), zap.String("event", rule.Event))
		out = append(out, rule)
	}
	return out, nil
}

// LoadScripts 重新生成脚本记录并初始化每个已注册的脚本, host 交给脚本调用 gpio 和定时器。
// 初始化失败 (或 panic) 的脚本被禁用且不会出现在返回结果中。
func LoadScripts(ctx context.Context, reg *registry.Registry, options map[string]map[string]interface{}, host Host) (map[string]*Instance, error) {
	log := pkg.LoggerFromContext(ctx)
	flags, err := reg.Flags(ctx)
	if err != nil {
		return nil, fmt.Errorf("read advanced flags: %w", err)
	}
	if err := clearRepo(ctx, reg.Scripts); err != nil {
		return nil, fmt.Errorf("clear scripts: %w", err)
	}

	out := make(map[string]*Instance)
	for i, t := range Templates() {
		desc, err := reg.Scripts.Create(ctx, registry.ScriptDescriptor{
			ID:       i + 1,
			Name:     t.Name,
			Filename: t.Filename,
			Delay:    t.Delay,
			Enabled:  flags.Scripts,
		})
		if err != nil {
			return out, fmt.Errorf("create script %s: %w", t.Name, err)
		}
		inst, err := initScript(ctx, t, Binding{Descriptor: desc, Options: options[t.Name], Host: host})
		if err != nil {
			log.Error("script init failed, disabling script", zap.String("script", t.Name), zap.Error(err))
			if _, uerr := reg.Scripts.UpdateFields(ctx, desc.ID, map[string]interface{}{"enabled": false}); uerr != nil {
				log.Error("failed to disable script", zap.String("script", t.Name), zap.Error(uerr))
			}
			continue
		}
		out[t.Name] = inst
	}
	return out, nil
}

func initScript(ctx context.Context, t Template, b Binding) (inst *Instance, err error) {
	s := t.New()
	defer func() {
		if r := recover(); r != nil {
			inst, err = nil, fmt.Errorf("%w: panic: %v", ErrInitRejected, r)
		}
	}()
	triggers, err := s.Init(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitRejected, err)
	}
	return newInstance(s, b.Descriptor, triggers), nil
}

func clearRepo[T registry.Record[T]](ctx context.Context, repo registry.Repo[T]) error {
	all, err := repo.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range all {
		if err := repo.Delete(ctx, rec.Key()); err != nil {
			return err
		}
	}
	return nil
}

// RuleCheck 是一个规则文件的离线检查结果
type RuleCheck struct {
	File  string
	Event string
	Err   error
}

type nopHost struct{}

func (nopHost) GPIO(int, int) error     { return nil }
func (nopHost) TimerSet(int, int) error { return nil }

// CheckRules 对目录下的规则文件做与加载时相同的守卫提取和编译, 不写注册表
func CheckRules(dir string) ([]RuleCheck, error) {
	files, err := ruleFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir %s: %w", dir, err)
	}
	out := make([]RuleCheck, 0, len(files))
	for _, file := range files {
		c := RuleCheck{File: file}
		src, err := os.ReadFile(filepath.Join(dir, file))
		if err == nil {
			c.Event, err = ExtractEvent(string(src))
		}
		if err == nil {
			_, err = CompileRule(strings.TrimSuffix(file, RuleExt), string(src), nopHost{})
		}
		c.Err = err
		out = append(out, c)
	}
	return out, nil
}
