package api

import (
	"errors"
	"net/http"
	"strconv"

	"homegate/internal/admin/model"
	"homegate/internal/pkg"
	"homegate/internal/plugin"
	"homegate/internal/protocol"
	"homegate/internal/registry"
	"homegate/internal/script"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Service 持有管理接口需要的全部核心对象
type Service struct {
	Config      *pkg.Config
	Registry    *registry.Registry
	Plugins     *plugin.Manager
	Controllers *protocol.Manager
	Router      *script.Router
	Queues      plugin.Queues
	Pool        *pkg.Pool
	Metrics     *pkg.Metrics
	Log         *zap.Logger
}

func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, model.ErrorResponse{Error: message})
}

// registryError 把注册表错误映射为 http 状态码
func registryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		errorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrDuplicate):
		errorResponse(c, http.StatusConflict, err.Error())
	default:
		errorResponse(c, http.StatusInternalServerError, err.Error())
	}
}

func paramID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		errorResponse(c, http.StatusBadRequest, "无效的 id: "+c.Param("id"))
		return 0, false
	}
	return id, true
}

// bindFields 读取 UpdateFields 使用的字段 map, 不允许修改 id
func bindFields(c *gin.Context) (map[string]interface{}, bool) {
	var fields map[string]interface{}
	if err := c.ShouldBindJSON(&fields); err != nil {
		errorResponse(c, http.StatusBadRequest, "无效的请求数据: "+err.Error())
		return nil, false
	}
	delete(fields, "id")
	if len(fields) == 0 {
		errorResponse(c, http.StatusBadRequest, "没有需要更新的字段")
		return nil, false
	}
	return fields, true
}
