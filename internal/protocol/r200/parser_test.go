package r200

import (
	"bytes"
	"errors"
	"testing"
)

func noticeFrame(seed byte) []byte {
	var epc [12]byte
	for i := range epc {
		epc[i] = seed + byte(i)
	}
	return BuildInventoryNotice(CmdStartScan, 0xD5, [2]byte{0x34, 0x00}, epc, [2]byte{0x1C, 0x88})
}

func TestStreamDecoder_BackToBack(t *testing.T) {
	d := NewStreamDecoder(0)
	var stream []byte
	for i := byte(0); i < 4; i++ {
		stream = append(stream, noticeFrame(i)...)
	}
	frames, err := d.Feed(stream)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4", len(frames))
	}
	if d.Pending() != 0 {
		t.Fatalf("pending %d bytes after clean stream", d.Pending())
	}
}

func TestStreamDecoder_SplitFeeds(t *testing.T) {
	d := NewStreamDecoder(0)
	raw := noticeFrame(0x10)
	// 每次只喂1字节，模拟串口任意截断
	var total int
	for _, b := range raw {
		frames, err := d.Feed([]byte{b})
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		total += len(frames)
	}
	if total != 1 {
		t.Fatalf("got %d frames, want 1", total)
	}
}

func TestStreamDecoder_GarbagePrefix(t *testing.T) {
	d := NewStreamDecoder(0)
	stream := append([]byte{0x00, 0x13, 0x37, 0xFF}, noticeFrame(0x20)...)
	frames, err := d.Feed(stream)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
}

func TestStreamDecoder_CorruptFrameResync(t *testing.T) {
	d := NewStreamDecoder(0)
	bad := noticeFrame(0x30)
	bad[8] ^= 0xFF // 损坏payload，校验必失败
	stream := append(bad, noticeFrame(0x40)...)

	frames, err := d.Feed(stream)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("corrupt frame not reported: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want the one after resync", len(frames))
	}
	ci, perr := ParseCardInfo(frames[0])
	if perr != nil {
		t.Fatalf("ParseCardInfo: %v", perr)
	}
	if ci.EPC[:2] != "40" {
		t.Fatalf("resync picked wrong frame: epc=%s", ci.EPC)
	}
}

func TestStreamDecoder_BogusLength(t *testing.T) {
	d := NewStreamDecoder(64)
	// 帧头后跟一个荒谬的长度字段，解码器应滑动跳过而不是无限等待
	stream := append([]byte{0xBB, 0x02, 0x27, 0xFF, 0xFF}, noticeFrame(0x50)...)
	frames, err := d.Feed(stream)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
}

func TestStreamDecoder_Reset(t *testing.T) {
	d := NewStreamDecoder(0)
	raw := noticeFrame(0x60)
	if _, err := d.Feed(raw[:5]); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if d.Pending() == 0 {
		t.Fatal("expected buffered partial frame")
	}
	d.Reset()
	if d.Pending() != 0 {
		t.Fatal("Reset did not clear buffer")
	}
	// 重置后完整帧仍可解码
	frames, err := d.Feed(raw)
	if err != nil || len(frames) != 1 {
		t.Fatalf("post-reset decode: %v %d", err, len(frames))
	}
}

func TestParseCardInfo(t *testing.T) {
	var epc [12]byte
	copy(epc[:], []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	raw := BuildInventoryNotice(CmdReadOnce, 0xD5, [2]byte{0x34, 0x00}, epc, [2]byte{0x1C, 0x88})
	fr, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ci, err := ParseCardInfo(fr)
	if err != nil {
		t.Fatalf("ParseCardInfo: %v", err)
	}
	if ci.EPC != "AABBCCDDEEFF001122334455" {
		t.Fatalf("epc: %s", ci.EPC)
	}
	if len(ci.EPC) != 24 {
		t.Fatalf("epc length: %d", len(ci.EPC))
	}
	if ci.PC != "3400" || ci.CRC != "1C88" {
		t.Fatalf("pc/crc: %s %s", ci.PC, ci.CRC)
	}
	// 0xD5 > 127 → -(256-213) = -43 dBm
	if ci.RSSI != -43 {
		t.Fatalf("rssi: %d", ci.RSSI)
	}
}

func TestParseCardInfo_RSSISign(t *testing.T) {
	cases := []struct {
		raw  byte
		want int
	}{
		{0x00, 0},
		{0x2A, -42},
		{0x7F, -127},
		{0x80, -128},
		{0xD5, -43},
		{0xFF, -1},
	}
	for _, c := range cases {
		if got := rssiDBm(c.raw); got != c.want {
			t.Fatalf("rssi(%02X): got %d want %d", c.raw, got, c.want)
		}
	}
}

func TestParseCardInfo_RejectsNonInventory(t *testing.T) {
	fr := &Frame{Type: TypeResponse, Cmd: CmdSetPower, Data: []byte{0x00}}
	if _, err := ParseCardInfo(fr); !errors.Is(err, ErrNotInventory) {
		t.Fatalf("got %v, want ErrNotInventory", err)
	}
}

func TestErrorFrame(t *testing.T) {
	// 设备"场内无标签"错误应答
	raw := Build(TypeResponse, CmdError, []byte{0x15})
	if !bytes.Equal(raw, []byte{0xBB, 0x01, 0xFF, 0x00, 0x01, 0x15, 0x16, 0x7E}) {
		t.Fatalf("error frame bytes: %x", raw)
	}
	fr, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !fr.IsError() || fr.ErrorCode() != 0x15 {
		t.Fatalf("error frame: %+v", fr)
	}
}
