package reader

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rfidlab/uhf-reader/internal/protocol/r200"
)

// TagHandler 连续盘点的结果回调，在独立的投递协程中执行
type TagHandler func(tag *r200.CardInfo)

// startScanPayload 连续盘点启动参数（保留字 0x22 + 轮询次数 0xFFFF 表示不限）
var startScanPayload = []byte{0x22, 0xFF, 0xFF}

// engine 连续盘点引擎：读循环持续解码盘点上报，经有界队列交给
// 投递协程执行回调，保证串口锁不会被慢消费者占住。
type engine struct {
	r     *Reader
	id    string
	onTag TagHandler

	stopC   chan struct{}
	doneC   chan struct{} // 读循环已退出
	drained chan struct{} // 投递协程已退出
	tagC    chan *r200.CardInfo

	mu  sync.Mutex
	err error
}

func (e *engine) setErr(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
}

func (e *engine) lastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// StartReading 启动连续盘点。每读到一个标签调用一次 onTag。
// 已在盘点中返回 ErrAlreadyReading。
func (r *Reader) StartReading(onTag TagHandler) error {
	if onTag == nil {
		return &ParameterError{Reason: "nil tag handler"}
	}
	if !r.IsConnected() {
		return ErrNotConnected
	}
	r.engMu.Lock()
	defer r.engMu.Unlock()
	if r.eng != nil {
		return ErrAlreadyReading
	}
	if err := r.writeCommand(r200.TypeCommand, r200.CmdStartScan, startScanPayload); err != nil {
		return err
	}
	e := &engine{
		r:       r,
		id:      uuid.NewString(),
		onTag:   onTag,
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
		drained: make(chan struct{}),
		tagC:    make(chan *r200.CardInfo, r.cfg.TagQueue),
	}
	r.eng = e
	go e.run()
	go e.dispatch()
	r.logf("continuous read started (session %s)", e.id)
	return nil
}

// StopReading 停止连续盘点并通知设备结束轮询。未在盘点中为空操作。
// 读循环中发生的终态错误（如重连失败）由这里返回；读循环或投递协程
// 未在 StopTimeout 内退出时返回 ErrStopTimeout。
func (r *Reader) StopReading() error {
	r.engMu.Lock()
	defer r.engMu.Unlock()
	if r.eng == nil {
		return nil
	}
	e := r.eng
	close(e.stopC)
	select {
	case <-e.doneC:
	case <-time.After(r.cfg.StopTimeout):
		return ErrStopTimeout
	}
	// 投递协程可能卡在消费者回调里，同样只等到时限：
	// 回调不受本包控制，不能让它拖死整个客户端
	var drainErr error
	select {
	case <-e.drained:
	case <-time.After(r.cfg.StopTimeout):
		drainErr = ErrStopTimeout
	}
	r.eng = nil

	// 链路已经断开时设备侧无需也无法通知
	if err := r.writeCommand(r200.TypeCommand, r200.CmdStopScan, nil); err != nil && err != ErrNotConnected {
		r.logf("stop scan command failed: %v", err)
	}
	if drainErr != nil {
		r.logf("continuous read stopped but consumer callback is stuck, dispatch goroutine abandoned (session %s)", e.id)
		return drainErr
	}
	if err := e.lastError(); err != nil {
		r.logf("continuous read ended with error: %v", err)
		return err
	}
	r.logf("continuous read stopped (session %s)", e.id)
	return nil
}

// run 读循环。每轮短暂持有串口锁读一段字节，其余工作在锁外完成，
// 保证期间其他命令仍可穿插执行。
func (e *engine) run() {
	defer func() {
		close(e.tagC)
		close(e.doneC)
	}()

	dec := r200.NewStreamDecoder(0)
	buf := make([]byte, 512)
	noTagLog := rate.NewLimiter(rate.Every(5*time.Second), 1)
	faultLog := rate.NewLimiter(rate.Every(2*time.Second), 1)

	for {
		select {
		case <-e.stopC:
			return
		default:
		}

		e.r.ioMu.Lock()
		if e.r.port == nil {
			e.r.ioMu.Unlock()
			if !e.recover(dec) {
				return
			}
			continue
		}
		n, err := e.r.port.Read(buf)
		if err != nil {
			e.r.dropPortLocked()
			e.r.ioMu.Unlock()
			if !e.recover(dec) {
				return
			}
			continue
		}
		e.r.ioMu.Unlock()
		if n == 0 {
			continue
		}

		frames, derr := dec.Feed(buf[:n])
		if derr != nil {
			if e.r.cfg.Metrics != nil {
				e.r.cfg.Metrics.ChecksumErrors.Inc()
			}
			if faultLog.Allow() {
				e.r.logf("scan stream: %v, resyncing", derr)
			}
		}
		for _, fr := range frames {
			if e.r.cfg.Metrics != nil {
				e.r.cfg.Metrics.FramesDecoded.Inc()
			}
			if fr.IsError() {
				// 场内无标签，继续轮询
				if noTagLog.Allow() {
					e.r.logf("scan: no tag in field")
				}
				continue
			}
			tag, perr := r200.ParseCardInfo(fr)
			if perr != nil {
				// 穿插命令的应答残留，不属于盘点流
				continue
			}
			select {
			case e.tagC <- tag:
				if e.r.cfg.Metrics != nil {
					e.r.cfg.Metrics.TagsRead.Inc()
				}
			default:
				if e.r.cfg.Metrics != nil {
					e.r.cfg.Metrics.TagsDropped.Inc()
				}
				if faultLog.Allow() {
					e.r.logf("scan: consumer queue full, tag dropped")
				}
			}
		}
	}
}

// recover 链路中断后重连并重新下发盘点命令。失败时记录终态错误并
// 要求读循环退出。
func (e *engine) recover(dec *r200.StreamDecoder) bool {
	if err := e.r.reconnect(); err != nil {
		e.setErr(err)
		return false
	}
	dec.Reset()
	if err := e.r.writeCommand(r200.TypeCommand, r200.CmdStartScan, startScanPayload); err != nil {
		e.setErr(err)
		return false
	}
	e.r.logf("scan resumed after reconnect (session %s)", e.id)
	return true
}

// dispatch 投递协程：串行执行消费者回调，读循环退出后排空队列
func (e *engine) dispatch() {
	defer close(e.drained)
	for tag := range e.tagC {
		e.onTag(tag)
	}
}
