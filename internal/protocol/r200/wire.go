package r200

// R200 系列 UHF 读写器串口协议常量。
// 帧格式：Header(0xBB) + Type(1) + Cmd(1) + PL(2,大端) + Data(PL) + Checksum(1) + End(0x7E)
// Checksum = Type..Data 逐字节累加后取低8位

const (
	FrameHeader byte = 0xBB
	FrameEnd    byte = 0x7E
)

// 帧类型
const (
	TypeCommand  byte = 0x00 // 主机下行命令
	TypeResponse byte = 0x01 // 设备应答
	TypeNotice   byte = 0x02 // 设备主动上报（盘点帧）
)

// 命令码
const (
	CmdReadOnce        byte = 0x22 // 单次盘点
	CmdStartScan       byte = 0x27 // 开始连续盘点
	CmdStopScan        byte = 0x28 // 结束连续盘点
	CmdReadMemory      byte = 0x39 // 读标签存储区
	CmdWriteTag        byte = 0x49 // 写标签
	CmdSetPower        byte = 0xB6 // 设置发射功率
	CmdGetPower        byte = 0xB7 // 查询发射功率
	CmdSetSelectMode   byte = 0x12 // 设置Select模式
	CmdSetSelectParams byte = 0x0C // 设置Select参数
	CmdGetSelectParams byte = 0x0B // 查询Select参数
	CmdError           byte = 0xFF // 设备错误应答
)

// SelectMode Select 过滤模式
type SelectMode byte

const (
	SelectAllOps     SelectMode = 0x00 // 所有操作使用Select
	SelectDisabled   SelectMode = 0x01 // 不使用Select
	SelectNonPolling SelectMode = 0x02 // 除轮询外的操作使用Select
)

// Valid 报告模式是否是协议定义的取值之一
func (m SelectMode) Valid() bool {
	return m == SelectAllOps || m == SelectDisabled || m == SelectNonPolling
}

func (m SelectMode) String() string {
	switch m {
	case SelectAllOps:
		return "all-operations"
	case SelectDisabled:
		return "disabled"
	case SelectNonPolling:
		return "non-polling-only"
	default:
		return "unknown"
	}
}

// MemoryBank 标签存储区
type MemoryBank byte

const (
	BankReserved MemoryBank = 0x00
	BankEPC      MemoryBank = 0x01
	BankTID      MemoryBank = 0x02
	BankUser     MemoryBank = 0x03
)

// Valid 报告存储区编码是否合法
func (b MemoryBank) Valid() bool { return b <= BankUser }

func (b MemoryBank) String() string {
	switch b {
	case BankReserved:
		return "reserved"
	case BankEPC:
		return "epc"
	case BankTID:
		return "tid"
	case BankUser:
		return "user"
	default:
		return "unknown"
	}
}

// powerCommands 功率档位 → 0xB6 命令参数（2字节，大端）
// 表为进程级常量，初始化后只读
var powerCommands = map[string][2]byte{
	"12.5 dBm (0.6m)":  {0x04, 0xE2},
	"14 dBm (0.8m)":    {0x05, 0x78},
	"15.5 dBm (0.9m)":  {0x06, 0x0E},
	"17 dBm (1m)":      {0x06, 0xA4},
	"18.5 dBm (1.15m)": {0x07, 0x3A},
	"20 dBm (2m)":      {0x07, 0xD0},
}

// powerLabels 档位标签的展示顺序
var powerLabels = []string{
	"12.5 dBm (0.6m)",
	"14 dBm (0.8m)",
	"15.5 dBm (0.9m)",
	"17 dBm (1m)",
	"18.5 dBm (1.15m)",
	"20 dBm (2m)",
}

// PowerCommand 返回功率档位对应的命令参数
func PowerCommand(label string) ([2]byte, bool) {
	v, ok := powerCommands[label]
	return v, ok
}

// PowerLabels 返回全部功率档位标签（按功率从低到高）
func PowerLabels() []string {
	out := make([]string, len(powerLabels))
	copy(out, powerLabels)
	return out
}
