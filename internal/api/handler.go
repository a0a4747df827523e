package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rfidlab/uhf-reader/internal/protocol/r200"
	"github.com/rfidlab/uhf-reader/internal/reader"
)

// Handler 读写器控制API处理器
type Handler struct {
	rd     *reader.Reader
	tags   *tagLog
	logger *zap.Logger
}

// NewHandler 创建API处理器。tagBuffer 是盘点记录缓冲容量。
func NewHandler(rd *reader.Reader, tagBuffer int, logger *zap.Logger) *Handler {
	return &Handler{
		rd:     rd,
		tags:   newTagLog(tagBuffer),
		logger: logger,
	}
}

// writeErr 按错误类别映射HTTP状态码
func (h *Handler) writeErr(c *gin.Context, err error) {
	var (
		pe *reader.ParameterError
		de *reader.DeviceError
		te *reader.TimeoutError
		ce *reader.ConnectionError
	)
	switch {
	case errors.As(err, &pe):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, reader.ErrNotConnected), errors.Is(err, reader.ErrAlreadyReading):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &de):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &te):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.As(err, &ce):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Error("api request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// ListPorts 枚举可用串口
func (h *Handler) ListPorts(c *gin.Context) {
	ports, err := h.rd.ListPorts()
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ports": ports})
}

// GetStatus 当前连接与盘点状态
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.rd.Status())
}

type connectRequest struct {
	Port string `json:"port" binding:"required"`
	Baud int    `json:"baud"`
}

// Connect 连接设备
func (h *Handler) Connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.rd.Connect(req.Port, req.Baud, 0); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, h.rd.Status())
}

// Disconnect 断开设备
func (h *Handler) Disconnect(c *gin.Context) {
	if err := h.rd.Disconnect(); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, h.rd.Status())
}

// ReadOnce 单次盘点
func (h *Handler) ReadOnce(c *gin.Context) {
	tag, err := h.rd.ReadOnce()
	if err != nil {
		h.writeErr(c, err)
		return
	}
	if tag == nil {
		c.JSON(http.StatusOK, gin.H{"tag": nil})
		return
	}
	h.tags.add(tag)
	c.JSON(http.StatusOK, gin.H{"tag": gin.H{
		"epc": tag.EPC, "pc": tag.PC, "crc": tag.CRC, "rssi_dbm": tag.RSSI,
	}})
}

// Scan 启动连续盘点，结果进入环形缓冲。开机自动盘点也走这里。
func (h *Handler) Scan() error {
	return h.rd.StartReading(func(tag *r200.CardInfo) {
		h.tags.add(tag)
	})
}

// StartScan 启动连续盘点
func (h *Handler) StartScan(c *gin.Context) {
	if err := h.Scan(); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, h.rd.Status())
}

// StopScan 停止连续盘点
func (h *Handler) StopScan(c *gin.Context) {
	if err := h.rd.StopReading(); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, h.rd.Status())
}

// RecentTags 最近盘点记录
func (h *Handler) RecentTags(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		if vv, e := strconv.Atoi(v); e == nil {
			limit = vv
		}
	}
	c.JSON(http.StatusOK, gin.H{"tags": h.tags.recent(limit)})
}

// GetPower 可用功率档位与当前增益
func (h *Handler) GetPower(c *gin.Context) {
	st := h.rd.Status()
	c.JSON(http.StatusOK, gin.H{
		"levels":   h.rd.PowerLevels(),
		"gain_dbm": st.Gain,
	})
}

type powerRequest struct {
	Level string `json:"level" binding:"required"`
}

// SetPower 设置发射功率
func (h *Handler) SetPower(c *gin.Context) {
	var req powerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.rd.SetPower(req.Level); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, h.rd.Status())
}

// GetSelect 读回设备侧Select过滤目标
func (h *Handler) GetSelect(c *gin.Context) {
	target, err := h.rd.QuerySelectTarget()
	if err != nil {
		h.writeErr(c, err)
		return
	}
	st := h.rd.Status()
	c.JSON(http.StatusOK, gin.H{"target": target, "mode": st.SelectMode})
}

type selectRequest struct {
	EPC string `json:"epc" binding:"required"`
}

// SetSelect 设置Select过滤目标
func (h *Handler) SetSelect(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.rd.SetSelectParams(req.EPC); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, h.rd.Status())
}

// ClearSelect 关闭Select过滤
func (h *Handler) ClearSelect(c *gin.Context) {
	if err := h.rd.ClearSelectParams(); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, h.rd.Status())
}

type writeEPCRequest struct {
	EPC      string `json:"epc" binding:"required"`
	Password string `json:"password"`
}

// WriteEPC 写入新EPC
func (h *Handler) WriteEPC(c *gin.Context) {
	var req writeEPCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.rd.WriteEPC(req.EPC, req.Password); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"written": req.EPC})
}

type writeUserRequest struct {
	Data string `json:"data" binding:"required"`
}

// WriteUser 写入用户区
func (h *Handler) WriteUser(c *gin.Context) {
	var req writeUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.rd.WriteCard(req.Data); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"written": req.Data})
}

type readMemoryRequest struct {
	Password string `json:"password"`
	Bank     int    `json:"bank"`
	Start    int    `json:"start"`
	Words    int    `json:"words" binding:"required"`
}

// ReadMemory 读标签存储区
func (h *Handler) ReadMemory(c *gin.Context) {
	var req readMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := h.rd.ReadTagMemory(req.Password, r200.MemoryBank(req.Bank), req.Start, req.Words)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}
