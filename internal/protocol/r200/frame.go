package r200

// Frame 一帧已解码的协议数据
type Frame struct {
	Type byte
	Cmd  byte
	Data []byte
}

// IsError 判断是否为设备错误应答帧 (BB 01 FF 00 01 code sum 7E)
func (f *Frame) IsError() bool {
	return f.Type == TypeResponse && f.Cmd == CmdError
}

// ErrorCode 返回错误应答帧携带的错误码；非错误帧返回0
func (f *Frame) ErrorCode() byte {
	if !f.IsError() || len(f.Data) == 0 {
		return 0
	}
	return f.Data[0]
}

// IsNotice 判断是否为盘点上报帧（单次0x22或连续0x27的标签数据）
func (f *Frame) IsNotice() bool {
	return f.Type == TypeNotice && (f.Cmd == CmdReadOnce || f.Cmd == CmdStartScan)
}

// Checksum 协议校验和：逐字节累加取低8位，覆盖 Type..Data
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// Build 构造一帧：Header + Type + Cmd + PL(大端) + Data + Checksum + End
func Build(typ, cmd byte, payload []byte) []byte {
	n := len(payload)
	buf := make([]byte, 0, 7+n)
	buf = append(buf, FrameHeader, typ, cmd, byte(n>>8), byte(n))
	buf = append(buf, payload...)
	buf = append(buf, Checksum(buf[1:]))
	buf = append(buf, FrameEnd)
	return buf
}
