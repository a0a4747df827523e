// Package serialport 封装串口物理层：打开/关闭、带超时的原始字节读写、设备枚举。
// 不包含任何协议知识。
package serialport

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port 串口抽象。读超时按"单次读"生效：超时返回 (0, nil)，
// 由调用方组合多次读取拼出完整帧。
type Port interface {
	io.ReadWriteCloser

	// SetReadTimeout 设置单次 Read 的最长阻塞时间
	SetReadTimeout(d time.Duration) error
	// ResetInputBuffer 丢弃接收缓冲中尚未读取的字节
	ResetInputBuffer() error
}

// PortInfo 一个可用串口设备
type PortInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Open 打开串口并设置单次读超时
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	return p, nil
}

// ListPorts 枚举系统中的串口设备
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{Name: d.Name, Description: describe(d)})
	}
	return out, nil
}

func describe(d *enumerator.PortDetails) string {
	if !d.IsUSB {
		return "serial port"
	}
	desc := d.Product
	if desc == "" {
		desc = "usb serial"
	}
	if d.VID != "" || d.PID != "" {
		return fmt.Sprintf("%s (%s:%s)", desc, d.VID, d.PID)
	}
	return desc
}
