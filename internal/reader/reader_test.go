package reader

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfidlab/uhf-reader/internal/protocol/r200"
	"github.com/rfidlab/uhf-reader/internal/serialport"
)

// fakePort 脚本化的串口仿真：写入命令帧时由 handler 决定排队哪些应答字节。
// handler 在持有端口锁的情况下执行，可直接改写端口字段。
type fakePort struct {
	mu      sync.Mutex
	rx      []byte
	writes  [][]byte
	handler func(p *fakePort, cmd byte, payload []byte) [][]byte
	readErr error
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.rx) == 0 {
		p.mu.Unlock()
		// 模拟真实端口的读超时节奏
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	frame := append([]byte(nil), b...)
	p.writes = append(p.writes, frame)
	if p.handler != nil {
		if fr, err := r200.Parse(frame); err == nil {
			for _, resp := range p.handler(p, fr.Cmd, fr.Data) {
				p.rx = append(p.rx, resp...)
			}
		}
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	p.rx = nil
	p.mu.Unlock()
	return nil
}

// countWrites 统计写入的指定命令帧数量
func (p *fakePort) countWrites(cmd byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.writes {
		if fr, err := r200.Parse(w); err == nil && fr.Cmd == cmd {
			n++
		}
	}
	return n
}

// lastWrite 最后一帧指定命令的原始字节
func (p *fakePort) lastWrite(cmd byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.writes) - 1; i >= 0; i-- {
		if fr, err := r200.Parse(p.writes[i]); err == nil && fr.Cmd == cmd {
			return p.writes[i]
		}
	}
	return nil
}

func deviceReply(cmd byte, payload ...byte) []byte {
	return r200.Build(r200.TypeResponse, cmd, payload)
}

func noTagReply() []byte {
	return r200.Build(r200.TypeResponse, r200.CmdError, []byte{0x15})
}

var sampleEPC = [12]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55}

func sampleNotice() []byte {
	return r200.BuildInventoryNotice(r200.CmdReadOnce, 0xD5, [2]byte{0x34, 0x00}, sampleEPC, [2]byte{0x1C, 0x88})
}

// respondGain 默认应答增益查询，让 Connect 后的增益刷新快速完成
func respondGain(cmd byte) [][]byte {
	if cmd == r200.CmdGetPower {
		return [][]byte{deviceReply(r200.CmdGetPower, 0x07, 0xD0)}
	}
	return nil
}

func newTestReader(p *fakePort) *Reader {
	return New(Config{
		ResponseTimeout: 50 * time.Millisecond,
		StopTimeout:     time.Second,
		Open: func(string, int, time.Duration) (serialport.Port, error) {
			return p, nil
		},
	})
}

func connect(t *testing.T, r *Reader) {
	t.Helper()
	require.NoError(t, r.Connect("/dev/ttyUSB0", 0, 0))
	require.True(t, r.IsConnected())
}

func TestConnect_RefreshesGain(t *testing.T) {
	p := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		return respondGain(cmd)
	}}
	r := newTestReader(p)
	connect(t, r)

	st := r.Status()
	assert.Equal(t, "connected", st.State)
	assert.Equal(t, "/dev/ttyUSB0", st.Port)
	assert.Equal(t, DefaultBaud, st.Baud)
	assert.InDelta(t, 20.0, st.Gain, 0.001)
}

func TestReadOnce_ReturnsTag(t *testing.T) {
	p := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		if cmd == r200.CmdReadOnce {
			return [][]byte{sampleNotice()}
		}
		return respondGain(cmd)
	}}
	r := newTestReader(p)
	connect(t, r)

	tag, err := r.ReadOnce()
	require.NoError(t, err)
	require.NotNil(t, tag)
	assert.Equal(t, "AABBCCDDEEFF001122334455", tag.EPC)
	assert.Equal(t, "3400", tag.PC)
	assert.Equal(t, -43, tag.RSSI)
}

func TestReadOnce_NoTagIsNotAnError(t *testing.T) {
	p := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		if cmd == r200.CmdReadOnce {
			return [][]byte{noTagReply()}
		}
		return respondGain(cmd)
	}}
	r := newTestReader(p)
	connect(t, r)

	tag, err := r.ReadOnce()
	require.NoError(t, err)
	assert.Nil(t, tag)
}

func TestReadOnce_NotConnected(t *testing.T) {
	r := newTestReader(&fakePort{})
	_, err := r.ReadOnce()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendCommand_SilentDeviceExhaustsAttempts(t *testing.T) {
	p := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		return respondGain(cmd) // 单次盘点不应答
	}}
	r := newTestReader(p)
	connect(t, r)

	_, err := r.ReadOnce()
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, r200.CmdReadOnce, te.Cmd)
	assert.Equal(t, 3, te.Attempts)
	assert.Equal(t, 3, p.countWrites(r200.CmdReadOnce))
}

func TestSendCommand_RetriesOnCorruptReply(t *testing.T) {
	calls := 0
	p := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		if cmd != r200.CmdReadOnce {
			return respondGain(cmd)
		}
		calls++
		if calls == 1 {
			bad := sampleNotice()
			bad[len(bad)-2] ^= 0xFF
			return [][]byte{bad}
		}
		return [][]byte{sampleNotice()}
	}}
	r := newTestReader(p)
	connect(t, r)

	tag, err := r.ReadOnce()
	require.NoError(t, err)
	require.NotNil(t, tag)
	assert.Equal(t, 2, p.countWrites(r200.CmdReadOnce))
}

func TestSetPower_WireBytesAndGainRefresh(t *testing.T) {
	p := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		switch cmd {
		case r200.CmdSetPower:
			return [][]byte{deviceReply(r200.CmdSetPower, 0x00)}
		case r200.CmdGetPower:
			return [][]byte{deviceReply(r200.CmdGetPower, 0x06, 0xA4)}
		}
		return nil
	}}
	r := newTestReader(p)
	connect(t, r)

	require.NoError(t, r.SetPower("17 dBm (1m)"))
	assert.Equal(t,
		[]byte{0xBB, 0x00, 0xB6, 0x00, 0x02, 0x06, 0xA4, 0x62, 0x7E},
		p.lastWrite(r200.CmdSetPower))
	assert.InDelta(t, 17.0, r.Status().Gain, 0.001)
}

func TestSetPower_UnknownLabelNoIO(t *testing.T) {
	p := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		return respondGain(cmd)
	}}
	r := newTestReader(p)
	connect(t, r)
	before := p.countWrites(r200.CmdSetPower)

	err := r.SetPower("25 dBm (5m)")
	var pe *ParameterError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, before, p.countWrites(r200.CmdSetPower))
}

func TestWriteEPC_PayloadAndReadback(t *testing.T) {
	written := false
	p := &fakePort{handler: func(_ *fakePort, cmd byte, payload []byte) [][]byte {
		switch cmd {
		case r200.CmdWriteTag:
			written = true
			return [][]byte{deviceReply(r200.CmdWriteTag, 0x00)}
		case r200.CmdReadOnce:
			if written {
				epc := [12]byte{0x30, 0x08, 0x33, 0xB2, 0xDD, 0xD9, 0x01, 0x40, 0x00, 0x00, 0x00, 0x00}
				return [][]byte{r200.BuildInventoryNotice(r200.CmdReadOnce, 0xD8, [2]byte{0x34, 0x00}, epc, [2]byte{0x00, 0x00})}
			}
			return [][]byte{sampleNotice()}
		}
		return respondGain(cmd)
	}}
	r := newTestReader(p)
	connect(t, r)

	require.NoError(t, r.WriteEPC("300833B2DDD9014000000000", ""))

	fr, err := r200.Parse(p.lastWrite(r200.CmdWriteTag))
	require.NoError(t, err)
	want := []byte{
		0x00, 0x00, 0x00, 0x00, // 访问密码
		0x01,       // EPC区
		0x00, 0x02, // SA
		0x00, 0x06, // DL
		0x30, 0x08, 0x33, 0xB2, 0xDD, 0xD9, 0x01, 0x40, 0x00, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, want, fr.Data)

	tag, err := r.ReadOnce()
	require.NoError(t, err)
	require.NotNil(t, tag)
	assert.Equal(t, "300833B2DDD9014000000000", tag.EPC)
}

func TestWriteEPC_BadLength(t *testing.T) {
	r := newTestReader(&fakePort{})
	err := r.WriteEPC("AABB", "")
	var pe *ParameterError
	assert.ErrorAs(t, err, &pe)
}

func TestWriteEPC_DeviceRejection(t *testing.T) {
	p := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		if cmd == r200.CmdWriteTag {
			return [][]byte{r200.Build(r200.TypeResponse, r200.CmdError, []byte{0x10})}
		}
		return respondGain(cmd)
	}}
	r := newTestReader(p)
	connect(t, r)

	err := r.WriteEPC("300833B2DDD9014000000000", "12345678")
	var de *DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, byte(0x10), de.Code)
	// 设备拒绝不重试
	assert.Equal(t, 1, p.countWrites(r200.CmdWriteTag))
}

func TestReadTagMemory_Payload(t *testing.T) {
	p := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		if cmd == r200.CmdReadMemory {
			return [][]byte{deviceReply(r200.CmdReadMemory, 0xCA, 0xFE, 0xBE, 0xEF)}
		}
		return respondGain(cmd)
	}}
	r := newTestReader(p)
	connect(t, r)

	data, err := r.ReadTagMemory("1234", r200.BankUser, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, "CAFEBEEF", data)

	fr, perr := r200.Parse(p.lastWrite(r200.CmdReadMemory))
	require.NoError(t, perr)
	// 密码不足8位左补零，SA/DL大端
	assert.Equal(t, []byte{0x00, 0x00, 0x12, 0x34, 0x03, 0x00, 0x00, 0x00, 0x02}, fr.Data)
}

func TestSelectParams_SetAndClear(t *testing.T) {
	p := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		switch cmd {
		case r200.CmdSetSelectParams, r200.CmdSetSelectMode:
			return [][]byte{deviceReply(cmd, 0x00)}
		}
		return respondGain(cmd)
	}}
	r := newTestReader(p)
	connect(t, r)

	require.NoError(t, r.SetSelectParams("AABBCCDDEEFF001122334455"))
	fr, err := r200.Parse(p.lastWrite(r200.CmdSetSelectParams))
	require.NoError(t, err)
	want := append([]byte{0x01, 0x00, 0x00, 0x00, 0x20, 0x60, 0x00}, sampleEPC[:]...)
	assert.Equal(t, want, fr.Data)

	// 设置目标后自动启用"除轮询外"过滤
	mfr, err := r200.Parse(p.lastWrite(r200.CmdSetSelectMode))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02}, mfr.Data)
	st := r.Status()
	assert.Equal(t, "non-polling-only", st.SelectMode)
	assert.Equal(t, "AABBCCDDEEFF001122334455", st.SelectEPC)

	require.NoError(t, r.ClearSelectParams())
	mfr, err = r200.Parse(p.lastWrite(r200.CmdSetSelectMode))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, mfr.Data)
	st = r.Status()
	assert.Equal(t, "disabled", st.SelectMode)
	assert.Empty(t, st.SelectEPC)
}

func TestQuerySelectTarget(t *testing.T) {
	p := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		if cmd == r200.CmdGetSelectParams {
			payload := append([]byte{0x01, 0x00, 0x00, 0x00, 0x20, 0x60, 0x00}, sampleEPC[:]...)
			return [][]byte{deviceReply(r200.CmdGetSelectParams, payload...)}
		}
		return respondGain(cmd)
	}}
	r := newTestReader(p)
	connect(t, r)

	target, err := r.QuerySelectTarget()
	require.NoError(t, err)
	assert.Equal(t, "AABBCCDDEEFF001122334455", target)
}

func TestContinuousRead_StreamAndStop(t *testing.T) {
	p := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		if cmd == r200.CmdStartScan {
			return [][]byte{sampleNotice(), sampleNotice(), sampleNotice()}
		}
		return respondGain(cmd)
	}}
	r := newTestReader(p)
	connect(t, r)

	var mu sync.Mutex
	var got []*r200.CardInfo
	require.NoError(t, r.StartReading(func(tag *r200.CardInfo) {
		mu.Lock()
		got = append(got, tag)
		mu.Unlock()
	}))
	assert.ErrorIs(t, r.StartReading(func(*r200.CardInfo) {}), ErrAlreadyReading)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.StopReading())
	assert.Equal(t, 1, p.countWrites(r200.CmdStopScan))
	assert.Equal(t, "AABBCCDDEEFF001122334455", got[0].EPC)

	// 重复停止为空操作
	require.NoError(t, r.StopReading())
}

func TestStopReading_BlockedConsumerDoesNotWedgeClient(t *testing.T) {
	p := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		if cmd == r200.CmdStartScan {
			return [][]byte{sampleNotice()}
		}
		return respondGain(cmd)
	}}
	r := New(Config{
		ResponseTimeout: 50 * time.Millisecond,
		StopTimeout:     100 * time.Millisecond,
		Open: func(string, int, time.Duration) (serialport.Port, error) {
			return p, nil
		},
	})
	connect(t, r)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	require.NoError(t, r.StartReading(func(*r200.CardInfo) {
		entered <- struct{}{}
		<-release
	}))
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("tag never delivered")
	}

	done := make(chan error, 1)
	go func() { done <- r.StopReading() }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStopTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("StopReading blocked by stuck consumer callback")
	}

	// 投递协程被放弃后其他操作不受影响
	assert.False(t, r.Status().Scanning)
	require.NoError(t, r.StartReading(func(*r200.CardInfo) {}))
	close(release)
	require.NoError(t, r.StopReading())
}

func TestContinuousRead_ReconnectResumesScan(t *testing.T) {
	p2 := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		if cmd == r200.CmdStartScan {
			return [][]byte{sampleNotice()}
		}
		return respondGain(cmd)
	}}
	p1 := &fakePort{handler: func(p *fakePort, cmd byte, _ []byte) [][]byte {
		if cmd == r200.CmdStartScan {
			// 下发盘点后链路即中断
			p.readErr = errors.New("device unplugged")
			return nil
		}
		return respondGain(cmd)
	}}

	var opens int32
	r := New(Config{
		ResponseTimeout: 50 * time.Millisecond,
		StopTimeout:     time.Second,
		Open: func(string, int, time.Duration) (serialport.Port, error) {
			if atomic.AddInt32(&opens, 1) == 1 {
				return p1, nil
			}
			return p2, nil
		},
	})
	connect(t, r)

	tagC := make(chan *r200.CardInfo, 8)
	require.NoError(t, r.StartReading(func(tag *r200.CardInfo) { tagC <- tag }))

	select {
	case tag := <-tagC:
		assert.Equal(t, "AABBCCDDEEFF001122334455", tag.EPC)
	case <-time.After(2 * time.Second):
		t.Fatal("no tag after reconnect")
	}
	assert.Equal(t, StateConnected, r.State())
	require.NoError(t, r.StopReading())
}

func TestContinuousRead_ReconnectFailureSurfaces(t *testing.T) {
	p1 := &fakePort{handler: func(p *fakePort, cmd byte, _ []byte) [][]byte {
		if cmd == r200.CmdStartScan {
			p.readErr = errors.New("device unplugged")
			return nil
		}
		return respondGain(cmd)
	}}
	var opens int32
	r := New(Config{
		ResponseTimeout:   50 * time.Millisecond,
		StopTimeout:       time.Second,
		ReconnectAttempts: 3,
		Open: func(string, int, time.Duration) (serialport.Port, error) {
			if atomic.AddInt32(&opens, 1) == 1 {
				return p1, nil
			}
			return nil, errors.New("port vanished")
		},
	})
	connect(t, r)
	require.NoError(t, r.StartReading(func(*r200.CardInfo) {}))

	require.Eventually(t, func() bool {
		return r.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)
	// 首次 Connect + 3 次重连
	assert.EqualValues(t, 4, atomic.LoadInt32(&opens))

	err := r.StopReading()
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)
}

func TestReadOnce_ReconnectsOnLinkDrop(t *testing.T) {
	p2 := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		if cmd == r200.CmdReadOnce {
			return [][]byte{sampleNotice()}
		}
		return respondGain(cmd)
	}}
	p1 := &fakePort{handler: func(p *fakePort, cmd byte, _ []byte) [][]byte {
		if cmd == r200.CmdReadOnce {
			p.readErr = errors.New("device unplugged")
			return nil
		}
		return respondGain(cmd)
	}}
	var opens int32
	r := New(Config{
		ResponseTimeout: 50 * time.Millisecond,
		Open: func(string, int, time.Duration) (serialport.Port, error) {
			if atomic.AddInt32(&opens, 1) == 1 {
				return p1, nil
			}
			return p2, nil
		},
	})
	connect(t, r)

	tag, err := r.ReadOnce()
	require.NoError(t, err)
	require.NotNil(t, tag)
	assert.Equal(t, StateConnected, r.State())
	assert.EqualValues(t, 2, atomic.LoadInt32(&opens))
}

func TestDisconnect_Idempotent(t *testing.T) {
	p := &fakePort{handler: func(_ *fakePort, cmd byte, _ []byte) [][]byte {
		return respondGain(cmd)
	}}
	r := newTestReader(p)
	connect(t, r)

	require.NoError(t, r.Disconnect())
	assert.False(t, r.IsConnected())
	require.NoError(t, r.Disconnect())
	_, err := r.ReadOnce()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestWriteCard_Validation(t *testing.T) {
	r := newTestReader(&fakePort{})
	var pe *ParameterError
	assert.ErrorAs(t, r.WriteCard("ABC"), &pe) // 非法hex
	assert.ErrorAs(t, r.WriteCard("AB"), &pe)  // 不足一个字
	assert.ErrorAs(t, r.WriteCard(""), &pe)    // 空
}
