package script

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var ErrRuleSyntax = errors.New("rule syntax error")

// Host 是规则可以调用的全部宿主函数
type Host interface {
	GPIO(pin, level int) error
	TimerSet(id, delay int) error
}

// ruleEnv 是规则表达式可见的变量, event 只包含触发它的那一个值
type ruleEnv struct {
	Event map[string]interface{} `expr:"event"`
}

type statement struct {
	line    int
	program *vm.Program
}

// branch 是 if / elif / else 中的一支, cond 为 nil 表示无条件
type branch struct {
	cond  *statement
	body  []statement
	lines int // 包含 pass 在内的语句行数
}

// chain 是一组 if/elif/else, 或者一条顶层语句
type chain struct {
	branches []*branch
	guarded  bool
}

// Rule 是编译后的规则。
//
// 规则语法是一个很小的子集: 顶层的 if / elif / else 块 (条件以 ':' 结尾),
// 缩进的语句体, 以及顶层语句。每条语句和条件都是一个 expr 表达式,
// 可以使用 event['device#value'], gpio(pin, level) 和 timerSet(id, seconds)。
// True / False / None 会被识别为 true / false / nil, 不支持嵌套块。
type Rule struct {
	Name   string
	chains []*chain
}

// CompileRule 编译规则源码, 宿主函数绑定到 host
func CompileRule(name, src string, host Host) (*Rule, error) {
	opts := []expr.Option{
		expr.Env(ruleEnv{}),
		expr.Function("gpio", func(params ...any) (any, error) {
			pin, level, err := intPair("gpio", params)
			if err != nil {
				return nil, err
			}
			return true, host.GPIO(pin, level)
		}),
		expr.Function("timerSet", func(params ...any) (any, error) {
			id, delay, err := intPair("timerSet", params)
			if err != nil {
				return nil, err
			}
			return true, host.TimerSet(id, delay)
		}),
	}
	compile := func(line int, code string) (*statement, error) {
		program, err := expr.Compile(translate(code), opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrRuleSyntax, name, line, err)
		}
		return &statement{line: line, program: program}, nil
	}

	r := &Rule{Name: name}
	var cur *branch
	closeBlock := func(line int) error {
		if cur != nil && cur.lines == 0 {
			return fmt.Errorf("%w: %s line %d: expected an indented block", ErrRuleSyntax, name, line)
		}
		return nil
	}

	for i, raw := range strings.Split(src, "\n") {
		n := i + 1
		line := strings.TrimRight(stripComment(raw), " \t\r")
		code := strings.TrimSpace(line)
		if code == "" {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if cur == nil {
				return nil, fmt.Errorf("%w: %s line %d: unexpected indent", ErrRuleSyntax, name, n)
			}
			if isHeader(code) {
				return nil, fmt.Errorf("%w: %s line %d: nested blocks are not supported", ErrRuleSyntax, name, n)
			}
			cur.lines++
			if code == "pass" {
				continue
			}
			st, err := compile(n, code)
			if err != nil {
				return nil, err
			}
			cur.body = append(cur.body, *st)
			continue
		}

		if err := closeBlock(n); err != nil {
			return nil, err
		}
		var last *chain
		if len(r.chains) > 0 {
			last = r.chains[len(r.chains)-1]
		}
		switch {
		case strings.HasPrefix(code, "if ") && strings.HasSuffix(code, ":"):
			cond, err := compile(n, strings.TrimSuffix(strings.TrimPrefix(code, "if "), ":"))
			if err != nil {
				return nil, err
			}
			cur = &branch{cond: cond}
			r.chains = append(r.chains, &chain{branches: []*branch{cur}, guarded: true})
		case strings.HasPrefix(code, "elif ") && strings.HasSuffix(code, ":"):
			if last == nil || !last.guarded {
				return nil, fmt.Errorf("%w: %s line %d: elif without if", ErrRuleSyntax, name, n)
			}
			cond, err := compile(n, strings.TrimSuffix(strings.TrimPrefix(code, "elif "), ":"))
			if err != nil {
				return nil, err
			}
			cur = &branch{cond: cond}
			last.branches = append(last.branches, cur)
		case code == "else:":
			if last == nil || !last.guarded {
				return nil, fmt.Errorf("%w: %s line %d: else without if", ErrRuleSyntax, name, n)
			}
			cur = &branch{}
			last.branches = append(last.branches, cur)
			last.guarded = false
		default:
			if isHeader(code) {
				return nil, fmt.Errorf("%w: %s line %d: unsupported block %q", ErrRuleSyntax, name, n, code)
			}
			cur = nil
			b := &branch{lines: 1}
			if code != "pass" {
				st, err := compile(n, code)
				if err != nil {
					return nil, err
				}
				b.body = append(b.body, *st)
			}
			r.chains = append(r.chains, &chain{branches: []*branch{b}})
		}
	}
	if err := closeBlock(0); err != nil {
		return nil, err
	}
	return r, nil
}

// Run 执行规则, event 通常是 {triggerName: value}
func (r *Rule) Run(event map[string]interface{}) error {
	env := ruleEnv{Event: event}
	for _, c := range r.chains {
		for _, b := range c.branches {
			if b.cond != nil {
				out, err := expr.Run(b.cond.program, env)
				if err != nil {
					return fmt.Errorf("%s line %d: %w", r.Name, b.cond.line, err)
				}
				if !truthy(out) {
					continue
				}
			}
			for _, st := range b.body {
				if _, err := expr.Run(st.program, env); err != nil {
					return fmt.Errorf("%s line %d: %w", r.Name, st.line, err)
				}
			}
			break
		}
	}
	return nil
}

func isHeader(code string) bool {
	if !strings.HasSuffix(code, ":") {
		return false
	}
	word := code
	if i := strings.IndexFunc(code, func(r rune) bool { return unicode.IsSpace(r) || r == ':' }); i >= 0 {
		word = code[:i]
	}
	switch word {
	case "if", "elif", "else", "for", "while", "def", "with", "try", "except", "finally":
		return true
	}
	return false
}

// stripComment 去掉引号之外的 # 注释
func stripComment(line string) string {
	var quote rune
	for i, c := range line {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '#':
			return line[:i]
		}
	}
	return line
}

var pyWords = map[string]string{"True": "true", "False": "false", "None": "nil"}

// translate 把引号之外的 True / False / None 换成 expr 的写法
func translate(code string) string {
	var (
		b     strings.Builder
		quote rune
		word  strings.Builder
	)
	flush := func() {
		w := word.String()
		if repl, ok := pyWords[w]; ok {
			w = repl
		}
		b.WriteString(w)
		word.Reset()
	}
	for _, c := range code {
		if quote != 0 {
			b.WriteRune(c)
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c) {
			word.WriteRune(c)
			continue
		}
		flush()
		if c == '\'' || c == '"' {
			quote = c
		}
		b.WriteRune(c)
	}
	flush()
	return b.String()
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case float32:
		return x != 0
	default:
		return true
	}
}

func intPair(fn string, params []any) (int, int, error) {
	if len(params) != 2 {
		return 0, 0, fmt.Errorf("%s expects 2 arguments, got %d", fn, len(params))
	}
	a, ok := asInt(params[0])
	if !ok {
		return 0, 0, fmt.Errorf("%s: argument 1 is not a number: %v", fn, params[0])
	}
	b, ok := asInt(params[1])
	if !ok {
		return 0, 0, fmt.Errorf("%s: argument 2 is not a number: %v", fn, params[1])
	}
	return a, b, nil
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
