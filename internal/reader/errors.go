package reader

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected 设备未连接时的快速失败
	ErrNotConnected = errors.New("device not connected")
	// ErrAlreadyReading 连续盘点已在运行，拒绝重复启动
	ErrAlreadyReading = errors.New("continuous read already running")
	// ErrStopTimeout 读循环未在时限内退出（资源泄漏，不可静默忽略）
	ErrStopTimeout = errors.New("continuous read loop did not stop in time")
)

// ConnectionError 串口打开或重连失败
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError 命令在全部尝试内都没有等到应答
type TimeoutError struct {
	Cmd      byte
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %02X: no response after %d attempts", e.Cmd, e.Attempts)
}

// DeviceError 设备返回的错误应答（如写保护、参数非法、场内无标签）。
// 请求本身需要调整，不做自动重试。
type DeviceError struct {
	Code byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device rejected command: code 0x%02X", e.Code)
}

// ParameterError 调用方参数在发起任何 I/O 之前即被拒绝
type ParameterError struct {
	Reason string
}

func (e *ParameterError) Error() string {
	return "invalid parameter: " + e.Reason
}
