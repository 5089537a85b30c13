package api

import (
	"errors"
	"net/http"
	"time"

	"homegate/internal/admin/model"
	"homegate/internal/script"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Service) ListScripts(c *gin.Context) {
	descs, err := s.Registry.Scripts.List(c.Request.Context())
	if err != nil {
		registryError(c, err)
		return
	}
	out := make([]model.ScriptView, 0, len(descs))
	for _, d := range descs {
		view := model.ScriptView{ScriptDescriptor: d, Triggers: []string{}}
		if inst, ok := s.Router.Script(d.Name); ok {
			view.Triggers = inst.Triggers()
			view.Busy = inst.Busy.Busy()
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Service) ListRules(c *gin.Context) {
	rules, err := s.Router.Rules(c.Request.Context())
	if err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

// GetRule 按 id 或名称返回一条规则
func (s *Service) GetRule(c *gin.Context) {
	rule, err := s.Router.Rule(c.Request.Context(), c.Param("id"))
	if err != nil {
		ruleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// RunRule 用请求中的值立即执行一条规则
func (s *Service) RunRule(c *gin.Context) {
	var req model.RunRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "无效的请求数据: "+err.Error())
		return
	}
	rule, err := s.Router.RunRule(c.Request.Context(), c.Param("id"), req.Value)
	if err != nil {
		ruleError(c, err)
		return
	}
	s.Log.Info("rule run via api", zap.String("rule", rule.Name))
	c.JSON(http.StatusOK, rule)
}

func ruleError(c *gin.Context, err error) {
	if errors.Is(err, script.ErrUnknownRule) {
		errorResponse(c, http.StatusNotFound, err.Error())
		return
	}
	registryError(c, err)
}

// ReloadRules 重新扫描规则目录
func (s *Service) ReloadRules(c *gin.Context) {
	rules, err := s.Router.ReloadRules(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "加载规则失败: "+err.Error())
		return
	}
	s.Log.Info("rules reloaded via api", zap.Int("count", len(rules)))
	c.JSON(http.StatusOK, rules)
}

func (s *Service) GetAdvanced(c *gin.Context) {
	flags, err := s.Registry.Flags(c.Request.Context())
	if err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, flags)
}

// UpdateAdvanced 修改 scripts / rules 开关, fan-out 立即使用新值
func (s *Service) UpdateAdvanced(c *gin.Context) {
	var req model.AdvancedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "无效的请求数据: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	current, err := s.Registry.Flags(ctx)
	if err != nil {
		registryError(c, err)
		return
	}
	if req.Scripts != nil {
		current.Scripts = *req.Scripts
	}
	if req.Rules != nil {
		current.Rules = *req.Rules
	}
	flags, err := s.Registry.SetFlags(ctx, current.Scripts, current.Rules)
	if err != nil {
		registryError(c, err)
		return
	}
	s.Plugins.Flags().Set(flags.Scripts, flags.Rules)
	c.JSON(http.StatusOK, flags)
}

// GetStatus 返回运行状态: 队列占用, 协程池, 待触发的规则定时器
func (s *Service) GetStatus(c *gin.Context) {
	stats := s.Metrics.ReadRuntimeStats()
	status := model.Status{
		Version:    s.Config.Version,
		Unit:       s.Config.Unit,
		Uptime:     stats.Uptime.Truncate(time.Second).String(),
		Goroutines: stats.Goroutines,
		HeapMB:     stats.HeapMB,
		Queues: map[string]model.QueueStatus{
			"value":  {Len: s.Queues.Values.Len(), Cap: s.Queues.Values.Cap()},
			"script": {Len: s.Queues.Scripts.Len(), Cap: s.Queues.Scripts.Cap()},
			"rule":   {Len: s.Queues.Rules.Len(), Cap: s.Queues.Rules.Cap()},
		},
		PendingTimers: s.Router.Timers().Pending(),
		Time:          time.Now(),
	}
	if s.Pool != nil {
		status.Workers = s.Pool.Running()
	}
	c.JSON(http.StatusOK, status)
}
