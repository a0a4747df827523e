package reader

// ConnState 连接管理器状态机
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// LogSink 接收读写器的诊断输出。上层可接 zap、测试可接 t.Log。
type LogSink interface {
	Log(msg string)
}

// LogFunc 函数适配器
type LogFunc func(msg string)

func (f LogFunc) Log(msg string) { f(msg) }
