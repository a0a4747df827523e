package reader

import (
	"errors"
	"fmt"
	"time"

	"github.com/rfidlab/uhf-reader/internal/protocol/r200"
)

var errRespTimeout = errors.New("response deadline exceeded")

// sendCommand 完成一次命令往返：独占串口、清空接收缓冲、写入命令帧、
// 等待匹配的应答。应答超时或帧校验失败时重新发送，最多 attempts 次；
// 设备错误应答和 I/O 故障不重试。
func (r *Reader) sendCommand(typ, cmd byte, payload []byte, attempts int) (*r200.Frame, error) {
	if attempts <= 0 {
		attempts = r.cfg.Attempts
	}
	r.ioMu.Lock()
	defer r.ioMu.Unlock()
	if r.port == nil {
		return nil, ErrNotConnected
	}

	raw := r200.Build(typ, cmd, payload)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.CommandRetries.Inc()
			}
			r.logf("command %02X retry %d/%d: %v", cmd, attempt, attempts, lastErr)
		}
		_ = r.port.ResetInputBuffer()
		if _, err := r.port.Write(raw); err != nil {
			r.dropPortLocked()
			r.countCmd(cmd, "conn")
			return nil, &ConnectionError{Port: r.portName(), Err: err}
		}

		fr, err := r.awaitResponseLocked(cmd)
		switch {
		case err == nil && fr.IsError():
			r.countCmd(cmd, "device")
			return nil, &DeviceError{Code: fr.ErrorCode()}
		case err == nil:
			r.countCmd(cmd, "ok")
			return fr, nil
		case errors.Is(err, errRespTimeout), errors.Is(err, r200.ErrChecksum):
			lastErr = err
		default:
			r.dropPortLocked()
			r.countCmd(cmd, "conn")
			return nil, &ConnectionError{Port: r.portName(), Err: err}
		}
	}

	if errors.Is(lastErr, r200.ErrChecksum) {
		r.countCmd(cmd, "checksum")
		return nil, fmt.Errorf("command %02X: %w", cmd, r200.ErrChecksum)
	}
	r.countCmd(cmd, "timeout")
	return nil, &TimeoutError{Cmd: cmd, Attempts: attempts}
}

// awaitResponseLocked 在应答时限内读取并解码帧，直到出现命令码匹配的
// 应答帧或错误应答帧。其他帧（如残留的盘点上报）跳过。
// 调用方必须持有 ioMu。
func (r *Reader) awaitResponseLocked(cmd byte) (*r200.Frame, error) {
	dec := r200.NewStreamDecoder(0)
	deadline := time.Now().Add(r.responseTimeout())
	buf := make([]byte, 256)
	for {
		if time.Now().After(deadline) {
			return nil, errRespTimeout
		}
		n, err := r.port.Read(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// 单次读超时，继续等到总时限
			time.Sleep(2 * time.Millisecond)
			continue
		}
		frames, derr := dec.Feed(buf[:n])
		if derr != nil && r.cfg.Metrics != nil {
			r.cfg.Metrics.ChecksumErrors.Inc()
		}
		for _, fr := range frames {
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.FramesDecoded.Inc()
			}
			if fr.Cmd == cmd || fr.IsError() {
				return fr, nil
			}
		}
		if derr != nil {
			// 应答帧在线路上损坏，交给上层重发
			return nil, derr
		}
	}
}

// writeCommand 只写入命令帧、不等待应答。用于盘点启停这类
// 设备不按请求-应答模式回复的命令。
func (r *Reader) writeCommand(typ, cmd byte, payload []byte) error {
	r.ioMu.Lock()
	defer r.ioMu.Unlock()
	if r.port == nil {
		return ErrNotConnected
	}
	if _, err := r.port.Write(r200.Build(typ, cmd, payload)); err != nil {
		r.dropPortLocked()
		return &ConnectionError{Port: r.portName(), Err: err}
	}
	return nil
}

// dropPortLocked 关闭并清除失效的串口句柄，后续操作由重连逻辑恢复。
// 调用方必须持有 ioMu。
func (r *Reader) dropPortLocked() {
	if r.port != nil {
		_ = r.port.Close()
		r.port = nil
	}
}
