package script

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaxTimer 是 timerSet 可用的最大编号, 可用编号为 1..MaxTimer
const MaxTimer = 9

var ErrTimerRange = errors.New("timer id out of range")

// Timers 管理规则设置的延时触发器, 同一编号重新设置会替换尚未触发的那一个
type Timers struct {
	fire func(id int)
	log  *zap.Logger

	mu      sync.Mutex
	pending map[int]*time.Timer
	stopped bool
}

func NewTimers(log *zap.Logger, fire func(id int)) *Timers {
	return &Timers{fire: fire, log: log, pending: make(map[int]*time.Timer)}
}

// Set 在 delay 之后触发编号为 id 的定时器
func (t *Timers) Set(id int, delay time.Duration) error {
	if id < 1 || id > MaxTimer {
		return fmt.Errorf("%w: %d", ErrTimerRange, id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	if old, ok := t.pending[id]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.pending[id] != timer || t.stopped {
			t.mu.Unlock()
			return
		}
		delete(t.pending, id)
		t.mu.Unlock()
		t.log.Debug("rule timer fired", zap.Int("timer", id))
		t.fire(id)
	})
	t.pending[id] = timer
	return nil
}

// Pending 返回尚未触发的定时器编号
func (t *Timers) Pending() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.pending))
	for id := range t.pending {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Stop 取消所有定时器, 之后的 Set 不再生效
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, timer := range t.pending {
		timer.Stop()
		delete(t.pending, id)
	}
}
