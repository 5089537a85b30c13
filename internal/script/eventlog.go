package script

import (
	"context"
	"fmt"
	"sync/atomic"

	"homegate/internal/pkg"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

func init() {
	Register(Template{
		Name:     "EventLog",
		Filename: "eventlog",
		New:      func() Script { return &EventLog{} },
	})
}

type EventLogOptions struct {
	Triggers []string `mapstructure:"triggers"`
}

// EventLog 记录触发集合中的每个事件, 未配置 triggers 时只关心启动和规则定时器事件
type EventLog struct {
	log  *zap.Logger
	seen atomic.Int64
}

func (e *EventLog) Init(ctx context.Context, b Binding) ([]string, error) {
	var opts EventLogOptions
	if err := mapstructure.WeakDecode(b.Options, &opts); err != nil {
		return nil, fmt.Errorf("decode eventlog options: %w", err)
	}
	if len(opts.Triggers) == 0 {
		opts.Triggers = []string{BootEvent.Trigger()}
		for id := 1; id <= MaxTimer; id++ {
			opts.Triggers = append(opts.Triggers, TimerEvent(id).Trigger())
		}
	}
	e.log = pkg.LoggerFromContext(ctx).With(zap.String("script", b.Descriptor.Name))
	return opts.Triggers, nil
}

func (e *EventLog) AsyncProcess(_ context.Context, ev pkg.ValueEvent) error {
	e.seen.Add(1)
	e.log.Info("event", zap.String("trigger", ev.Trigger()), zap.Any("value", ev.Value))
	return nil
}

// Seen 返回已记录的事件数
func (e *EventLog) Seen() int64 {
	return e.seen.Load()
}
