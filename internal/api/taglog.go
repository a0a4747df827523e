package api

import (
	"sync"
	"time"

	"github.com/rfidlab/uhf-reader/internal/protocol/r200"
)

// TagRecord 一条盘点记录
type TagRecord struct {
	EPC    string    `json:"epc"`
	PC     string    `json:"pc"`
	CRC    string    `json:"crc"`
	RSSI   int       `json:"rssi_dbm"`
	SeenAt time.Time `json:"seen_at"`
}

// tagLog 最近盘点记录的环形缓冲
type tagLog struct {
	mu   sync.Mutex
	buf  []TagRecord
	next int
	full bool
}

func newTagLog(capacity int) *tagLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &tagLog{buf: make([]TagRecord, capacity)}
}

func (l *tagLog) add(tag *r200.CardInfo) {
	rec := TagRecord{
		EPC:    tag.EPC,
		PC:     tag.PC,
		CRC:    tag.CRC,
		RSSI:   tag.RSSI,
		SeenAt: time.Now(),
	}
	l.mu.Lock()
	l.buf[l.next] = rec
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
}

// recent 返回按时间从新到旧的至多 limit 条记录
func (l *tagLog) recent(limit int) []TagRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]TagRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}
