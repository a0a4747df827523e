package r200

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrNotInventory = errors.New("not an inventory frame")

// 盘点上报 payload 固定 17 字节：RSSI(1) + PC(2) + EPC(12) + CRC(2)
const inventoryPayloadLen = 17

// CardInfo 一次标签读取结果
type CardInfo struct {
	RSSI int    // 信号强度，dBm（负值）
	PC   string // Protocol-Control 字段，4个十六进制字符
	EPC  string // 标签标识，24个十六进制字符
	CRC  string // 标签CRC，4个十六进制字符
}

func (c *CardInfo) String() string {
	return fmt.Sprintf("epc=%s pc=%s crc=%s rssi=%ddBm", c.EPC, c.PC, c.CRC, c.RSSI)
}

// ParseCardInfo 从盘点上报帧解出标签信息。
// 仅接受校验通过的 Type=0x02 / Cmd=0x22|0x27 帧。
func ParseCardInfo(f *Frame) (*CardInfo, error) {
	if !f.IsNotice() {
		return nil, ErrNotInventory
	}
	if len(f.Data) != inventoryPayloadLen {
		return nil, fmt.Errorf("inventory payload length %d: %w", len(f.Data), ErrBadLength)
	}
	return &CardInfo{
		RSSI: rssiDBm(f.Data[0]),
		PC:   hexUpper(f.Data[1:3]),
		EPC:  hexUpper(f.Data[3:15]),
		CRC:  hexUpper(f.Data[15:17]),
	}, nil
}

// rssiDBm 原始RSSI按有符号字节解释后取负得到dBm
func rssiDBm(raw byte) int {
	if raw > 127 {
		return -(256 - int(raw))
	}
	return -int(raw)
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// BuildInventoryNotice 构造一帧盘点上报（模拟设备/测试用）
func BuildInventoryNotice(cmd byte, rssi byte, pc [2]byte, epc [12]byte, crc [2]byte) []byte {
	payload := make([]byte, 0, inventoryPayloadLen)
	payload = append(payload, rssi)
	payload = append(payload, pc[:]...)
	payload = append(payload, epc[:]...)
	payload = append(payload, crc[:]...)
	return Build(TypeNotice, cmd, payload)
}
