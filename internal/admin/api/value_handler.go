package api

import (
	"net/http"
	"time"

	"homegate/internal/admin/model"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsSendBuffer = 64
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// 来源检查由 CORS 中间件负责
		return true
	},
}

// ListValues 返回每个触发名称的最新值
func (s *Service) ListValues(c *gin.Context) {
	c.JSON(http.StatusOK, s.Router.Bus().Last())
}

// StreamValues 先推送一次当前快照, 之后推送 value 队列中的每个值
func (s *Service) StreamValues(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	samples, cancel := s.Router.Bus().Subscribe(wsSendBuffer)
	defer cancel()

	write := func(msgType string, payload interface{}) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(model.WSMessage{
			Type:      msgType,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Payload:   payload,
		})
	}
	if err := write(model.WSTypeSnapshot, s.Router.Bus().Last()); err != nil {
		return
	}

	// 客户端不发送数据, 读循环只用于发现连接关闭
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case sample, ok := <-samples:
			if !ok {
				return
			}
			if err := write(model.WSTypeValue, sample); err != nil {
				s.Log.Debug("websocket client gone", zap.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
