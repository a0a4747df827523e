// Package reader 实现 R200 系列超高频读写器的客户端：
// 命令收发与重试、连接管理与重连、连续盘点引擎，以及面向上层的门面 API。
package reader

import (
	"fmt"
	"sync"
	"time"

	"github.com/rfidlab/uhf-reader/internal/metrics"
	"github.com/rfidlab/uhf-reader/internal/protocol/r200"
	"github.com/rfidlab/uhf-reader/internal/serialport"
)

// DefaultBaud R200 模块出厂波特率
const DefaultBaud = 115200

// OpenFunc 打开串口。默认为 serialport.Open，测试可注入仿真端口。
type OpenFunc func(name string, baud int, readTimeout time.Duration) (serialport.Port, error)

// Config 读写器客户端配置，零值字段取默认值
type Config struct {
	Baud              int           // 波特率，默认 115200
	ReadTimeout       time.Duration // 单次串口读超时，默认 100ms
	ResponseTimeout   time.Duration // 单条命令等待应答的总时限，默认 1s
	Attempts          int           // 命令发送尝试上限，默认 3
	ReconnectAttempts int           // 重连尝试上限，默认 3
	StopTimeout       time.Duration // 等待读循环退出的时限，默认 2s
	TagQueue          int           // 盘点结果投递队列容量，默认 64

	Log     LogSink
	Metrics *metrics.ReaderMetrics
	Open    OpenFunc
}

// Reader 读写器客户端门面。所有方法并发安全。
type Reader struct {
	cfg Config

	// ioMu 串口独占锁：一次完整的写+读往返期间持有，
	// 命令分发器与盘点引擎靠它互不穿插。port 字段只在持有 ioMu 时访问。
	ioMu sync.Mutex
	port serialport.Port

	mu          sync.Mutex // 保护以下状态字段
	state       ConnState
	lastPort    string
	lastBaud    int
	respTimeout time.Duration
	gain        float64
	gainValid   bool
	selectMode  r200.SelectMode
	selectEPC   string

	engMu sync.Mutex
	eng   *engine

	// reconnectMu 保证同一时刻只有一个重连序列在执行
	reconnectMu sync.Mutex
}

// New 创建读写器客户端，未填写的配置字段取默认值
func New(cfg Config) *Reader {
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 3
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.TagQueue <= 0 {
		cfg.TagQueue = 64
	}
	if cfg.Log == nil {
		cfg.Log = LogFunc(func(string) {})
	}
	if cfg.Open == nil {
		cfg.Open = serialport.Open
	}
	return &Reader{
		cfg:         cfg,
		state:       StateDisconnected,
		respTimeout: cfg.ResponseTimeout,
		selectMode:  r200.SelectDisabled,
	}
}

// ListPorts 枚举可用串口设备，无需已连接
func (r *Reader) ListPorts() ([]serialport.PortInfo, error) {
	return serialport.ListPorts()
}

// Connect 打开指定串口。已有连接会先断开。
// baud/timeout 传 0 使用配置默认值。
func (r *Reader) Connect(portName string, baud int, timeout time.Duration) error {
	if portName == "" {
		return &ParameterError{Reason: "empty port name"}
	}
	if baud <= 0 {
		baud = r.cfg.Baud
	}
	if timeout <= 0 {
		timeout = r.cfg.ResponseTimeout
	}
	_ = r.Disconnect()

	r.setState(StateConnecting)
	p, err := r.cfg.Open(portName, baud, r.cfg.ReadTimeout)
	if err != nil {
		r.setState(StateDisconnected)
		cerr := &ConnectionError{Port: portName, Err: err}
		r.logf("connect %s failed: %v", portName, err)
		return cerr
	}
	r.ioMu.Lock()
	r.port = p
	r.ioMu.Unlock()
	r.mu.Lock()
	r.lastPort = portName
	r.lastBaud = baud
	r.respTimeout = timeout
	r.mu.Unlock()
	r.setState(StateConnected)
	r.logf("connected to %s @ %d baud", portName, baud)

	// 连接后刷新一次当前增益；失败只记录，不影响连接结果
	if _, err := r.CurrentGain(); err != nil {
		r.logf("gain query after connect failed: %v", err)
	}
	return nil
}

// Disconnect 停止盘点并关闭串口。未连接时为空操作。
func (r *Reader) Disconnect() error {
	_ = r.StopReading()

	r.ioMu.Lock()
	p := r.port
	r.port = nil
	r.ioMu.Unlock()
	if p == nil {
		r.setState(StateDisconnected)
		return nil
	}
	err := p.Close()
	r.setState(StateDisconnected)
	r.logf("device disconnected")
	if err != nil {
		return &ConnectionError{Port: r.portName(), Err: err}
	}
	return nil
}

// IsConnected 当前是否处于已连接状态
func (r *Reader) IsConnected() bool {
	return r.State() == StateConnected
}

// State 当前连接状态
func (r *Reader) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status 汇总当前连接、盘点与参数状态
type Status struct {
	State       string  `json:"state"`
	Port        string  `json:"port,omitempty"`
	Baud        int     `json:"baud,omitempty"`
	Scanning    bool    `json:"scanning"`
	ScanSession string  `json:"scan_session,omitempty"`
	ScanError   string  `json:"scan_error,omitempty"`
	Gain        float64 `json:"gain_dbm,omitempty"`
	SelectMode  string  `json:"select_mode"`
	SelectEPC   string  `json:"select_epc,omitempty"`
}

// Status 返回当前快照
func (r *Reader) Status() Status {
	r.mu.Lock()
	st := Status{
		State:      r.state.String(),
		Port:       r.lastPort,
		Baud:       r.lastBaud,
		SelectMode: r.selectMode.String(),
		SelectEPC:  r.selectEPC,
	}
	if r.gainValid {
		st.Gain = r.gain
	}
	r.mu.Unlock()

	r.engMu.Lock()
	if r.eng != nil {
		st.Scanning = true
		st.ScanSession = r.eng.id
		if err := r.eng.lastError(); err != nil {
			st.ScanError = err.Error()
		}
	}
	r.engMu.Unlock()
	return st
}

// reconnect 用记录的端口参数恢复链路。同一时刻只允许一个重连序列，
// 后到的调用者等待并直接复用其结果。
func (r *Reader) reconnect() error {
	r.reconnectMu.Lock()
	defer r.reconnectMu.Unlock()

	r.ioMu.Lock()
	alive := r.port != nil
	r.ioMu.Unlock()
	if alive {
		// 并发的重连序列已经恢复了链路
		return nil
	}

	r.mu.Lock()
	portName, baud := r.lastPort, r.lastBaud
	r.mu.Unlock()
	if portName == "" {
		return ErrNotConnected
	}

	r.setState(StateReconnecting)
	r.logf("link lost, reconnecting to %s", portName)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.ReconnectAttempts; attempt++ {
		p, err := r.cfg.Open(portName, baud, r.cfg.ReadTimeout)
		if err != nil {
			lastErr = err
			r.logf("reconnect attempt %d/%d failed: %v", attempt, r.cfg.ReconnectAttempts, err)
			continue
		}
		r.ioMu.Lock()
		r.port = p
		r.ioMu.Unlock()
		r.setState(StateConnected)
		r.countReconnect("ok")
		r.logf("reconnected to %s (attempt %d/%d)", portName, attempt, r.cfg.ReconnectAttempts)
		return nil
	}

	r.setState(StateDisconnected)
	r.countReconnect("fail")
	cerr := &ConnectionError{Port: portName, Err: lastErr}
	r.logf("reconnect abandoned after %d attempts: %v", r.cfg.ReconnectAttempts, lastErr)
	return cerr
}

func (r *Reader) setState(s ConnState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ConnState.Set(float64(s))
	}
}

func (r *Reader) portName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPort
}

func (r *Reader) responseTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.respTimeout
}

func (r *Reader) logf(format string, args ...any) {
	r.cfg.Log.Log(fmt.Sprintf(format, args...))
}

func (r *Reader) countCmd(cmd byte, result string) {
	if r.cfg.Metrics == nil {
		return
	}
	r.cfg.Metrics.CommandsTotal.WithLabelValues(fmt.Sprintf("%02X", cmd), result).Inc()
}

func (r *Reader) countReconnect(result string) {
	if r.cfg.Metrics == nil {
		return
	}
	r.cfg.Metrics.ReconnectsTotal.WithLabelValues(result).Inc()
}
