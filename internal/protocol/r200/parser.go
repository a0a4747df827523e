package r200

import "errors"

var (
	ErrShortFrame = errors.New("short frame")
	ErrBadHeader  = errors.New("bad frame header")
	ErrBadEnd     = errors.New("bad frame end marker")
	ErrBadLength  = errors.New("bad payload length")
	ErrChecksum   = errors.New("checksum mismatch")
)

// 最小帧：Header + Type + Cmd + PL(2) + Checksum + End
const minFrameLen = 7

// FrameLen 根据 payload 长度字段计算整帧长度；raw 不足5字节时返回0
func FrameLen(raw []byte) int {
	if len(raw) < 5 {
		return 0
	}
	return minFrameLen + int(raw[3])<<8 + int(raw[4])
}

// Parse 解析一帧（严格校验）。
// 先做廉价的帧界检查（头/尾标志），再重算校验和比对：
// 帧界错误与校验错误必须可区分，只有后者代表"收到了帧但数据损坏"。
func Parse(raw []byte) (*Frame, error) {
	if len(raw) < minFrameLen {
		return nil, ErrShortFrame
	}
	if raw[0] != FrameHeader {
		return nil, ErrBadHeader
	}
	if raw[len(raw)-1] != FrameEnd {
		return nil, ErrBadEnd
	}
	plen := int(raw[3])<<8 + int(raw[4])
	if minFrameLen+plen != len(raw) {
		return nil, ErrBadLength
	}
	// 校验和覆盖 Type..Data
	want := Checksum(raw[1 : 5+plen])
	if raw[5+plen] != want {
		return nil, ErrChecksum
	}
	data := make([]byte, plen)
	copy(data, raw[5:5+plen])
	return &Frame{Type: raw[1], Cmd: raw[2], Data: data}, nil
}

// StreamDecoder 处理半包/粘包的流式解码器。
// 连续盘点模式下设备背靠背输出帧，读取可能在任意字节处截断；
// 解码器缓冲输入直到凑满整帧，遇到损坏帧时丢弃到下一个帧头重新同步。
type StreamDecoder struct {
	buf         []byte
	maxFrameLen int // 畸形长度保护上限
}

// NewStreamDecoder 创建流式解码器；maxFrameLen<=0 时使用默认值
func NewStreamDecoder(maxFrameLen int) *StreamDecoder {
	if maxFrameLen <= 0 {
		maxFrameLen = 512 // 协议帧远小于此，放宽以容忍未知上报
	}
	return &StreamDecoder{maxFrameLen: maxFrameLen}
}

// Feed 追加数据并尽可能解出多帧。
// 返回的 error 不终止解码：ErrChecksum 表示本批数据中至少出现过一个
// 结构完整但校验失败的帧（已丢弃并重新同步），调用方可据此决定重试。
func (d *StreamDecoder) Feed(p []byte) ([]*Frame, error) {
	if len(p) > 0 {
		d.buf = append(d.buf, p...)
	}
	var frames []*Frame
	var corrupt error

	for {
		// 对齐到帧头
		start := indexHeader(d.buf)
		if start < 0 {
			d.buf = d.buf[:0]
			return frames, corrupt
		}
		if start > 0 {
			d.buf = d.buf[start:]
		}
		if len(d.buf) < 5 {
			// 长度字段未到齐
			return frames, corrupt
		}
		total := FrameLen(d.buf)
		if total > d.maxFrameLen {
			// 长度字段明显异常，滑动1字节继续同步
			d.buf = d.buf[1:]
			continue
		}
		if len(d.buf) < total {
			// 半包，等待更多数据
			return frames, corrupt
		}
		fr, err := Parse(d.buf[:total])
		if err != nil {
			if errors.Is(err, ErrChecksum) {
				corrupt = err
			}
			d.buf = d.buf[1:]
			continue
		}
		frames = append(frames, fr)
		d.buf = d.buf[total:]
		if len(d.buf) == 0 {
			d.buf = nil
			return frames, corrupt
		}
	}
}

// Pending 返回缓冲中尚未消费的字节数
func (d *StreamDecoder) Pending() int { return len(d.buf) }

// Reset 清空缓冲（重连后调用，避免解到陈旧的半帧）
func (d *StreamDecoder) Reset() { d.buf = nil }

// indexHeader 返回下一个帧头位置
func indexHeader(b []byte) int {
	for i := range b {
		if b[i] == FrameHeader {
			return i
		}
	}
	return -1
}
