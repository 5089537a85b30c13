package api

import (
	"net/http"
	"strings"

	"homegate/internal/admin/model"
	"homegate/internal/protocol"
	"homegate/internal/registry"

	"github.com/gin-gonic/gin"
)

// --- Controller Handlers ---

func (s *Service) controllerView(cfg registry.ControllerConfig, statuses map[int]protocol.Status) model.ControllerView {
	cfg.Password = ""
	status, ok := statuses[cfg.ID]
	if !ok {
		status = protocol.StatusIdle
	}
	return model.ControllerView{ControllerConfig: cfg, Status: string(status)}
}

func (s *Service) ListControllers(c *gin.Context) {
	controllers, err := s.Registry.Controllers.List(c.Request.Context())
	if err != nil {
		registryError(c, err)
		return
	}
	statuses := s.Controllers.Statuses()
	out := make([]model.ControllerView, 0, len(controllers))
	for _, cfg := range controllers {
		out = append(out, s.controllerView(cfg, statuses))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Service) CreateController(c *gin.Context) {
	var cfg registry.ControllerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		errorResponse(c, http.StatusBadRequest, "无效的请求数据: "+err.Error())
		return
	}
	cfg.Protocol = strings.TrimSpace(cfg.Protocol)
	if _, ok := protocol.Factories[cfg.Protocol]; !ok {
		errorResponse(c, http.StatusBadRequest, "未知的协议: "+cfg.Protocol)
		return
	}
	cfg.ID = 0
	created, err := s.Registry.Controllers.Create(c.Request.Context(), cfg)
	if err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.controllerView(created, nil))
}

// UpdateController 修改配置后, 分发器在下一个周期重新初始化控制器
func (s *Service) UpdateController(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	fields, ok := bindFields(c)
	if !ok {
		return
	}
	if name, set := fields["protocol"].(string); set {
		if _, known := protocol.Factories[name]; !known {
			errorResponse(c, http.StatusBadRequest, "未知的协议: "+name)
			return
		}
	}
	cfg, err := s.Registry.Controllers.UpdateFields(c.Request.Context(), id, fields)
	if err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.controllerView(cfg, s.Controllers.Statuses()))
}

func (s *Service) DeleteController(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := s.Registry.Controllers.Delete(c.Request.Context(), id); err != nil {
		registryError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Service) ListProtocols(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.Names())
}
