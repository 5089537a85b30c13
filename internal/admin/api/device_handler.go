package api

import (
	"net/http"
	"strconv"
	"strings"

	"homegate/internal/registry"

	"github.com/gin-gonic/gin"
)

// --- Device Handlers ---

func (s *Service) ListDevices(c *gin.Context) {
	devices, err := s.Registry.Devices.List(c.Request.Context())
	if err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, devices)
}

func (s *Service) CreateDevice(c *gin.Context) {
	var dev registry.DeviceConfig
	if err := c.ShouldBindJSON(&dev); err != nil {
		errorResponse(c, http.StatusBadRequest, "无效的请求数据: "+err.Error())
		return
	}
	dev.Name = strings.TrimSpace(dev.Name)
	if dev.Name == "" {
		errorResponse(c, http.StatusBadRequest, "设备名称不能为空")
		return
	}
	ctx := c.Request.Context()
	if _, err := s.Registry.Plugins.Get(ctx, dev.PluginID); err != nil {
		errorResponse(c, http.StatusBadRequest, "插件不存在: "+strconv.Itoa(dev.PluginID))
		return
	}
	dev.ID = 0
	created, err := s.Registry.Devices.Create(ctx, dev)
	if err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// UpdateDevice 只修改请求中出现的字段, 调度器在下一个周期按新配置重新初始化插件
func (s *Service) UpdateDevice(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	fields, ok := bindFields(c)
	if !ok {
		return
	}
	dev, err := s.Registry.Devices.UpdateFields(c.Request.Context(), id, fields)
	if err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, dev)
}

func (s *Service) DeleteDevice(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := s.Registry.Devices.Delete(c.Request.Context(), id); err != nil {
		registryError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// deviceName 接受设备 id 或名称
func (s *Service) deviceName(c *gin.Context) (string, bool) {
	key := c.Param("id")
	id, err := strconv.Atoi(key)
	if err != nil {
		return key, true
	}
	dev, err := s.Registry.Devices.Get(c.Request.Context(), id)
	if err != nil {
		registryError(c, err)
		return "", false
	}
	return dev.Name, true
}

// GetDeviceForm 返回插件的配置表单 (loadform)
func (s *Service) GetDeviceForm(c *gin.Context) {
	name, ok := s.deviceName(c)
	if !ok {
		return
	}
	form, err := s.Plugins.LoadForm(c.Request.Context(), name)
	if err != nil {
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	c.JSON(http.StatusOK, form)
}

// SaveDeviceForm 把表单交给插件 (saveform)
func (s *Service) SaveDeviceForm(c *gin.Context) {
	name, ok := s.deviceName(c)
	if !ok {
		return
	}
	var form map[string]interface{}
	if err := c.ShouldBindJSON(&form); err != nil {
		errorResponse(c, http.StatusBadRequest, "无效的请求数据: "+err.Error())
		return
	}
	if err := s.Plugins.SaveForm(c.Request.Context(), name, form); err != nil {
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Service) ReadDevice(c *gin.Context) {
	name, ok := s.deviceName(c)
	if !ok {
		return
	}
	values, err := s.Plugins.Read(c.Request.Context(), name)
	if err != nil {
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	c.JSON(http.StatusOK, values)
}

func (s *Service) WriteDevice(c *gin.Context) {
	name, ok := s.deviceName(c)
	if !ok {
		return
	}
	var values map[string]interface{}
	if err := c.ShouldBindJSON(&values); err != nil {
		errorResponse(c, http.StatusBadRequest, "无效的请求数据: "+err.Error())
		return
	}
	if err := s.Plugins.Write(c.Request.Context(), name, values); err != nil {
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// ListPlugins 返回已同步的插件描述
func (s *Service) ListPlugins(c *gin.Context) {
	plugins, err := s.Registry.Plugins.List(c.Request.Context())
	if err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, plugins)
}
