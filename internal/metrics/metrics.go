package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ReaderMetrics 读写器业务指标
type ReaderMetrics struct {
	CommandsTotal   *prometheus.CounterVec // labels: cmd, result=ok|timeout|checksum|device|conn
	CommandRetries  prometheus.Counter     // 命令层重试次数
	FramesDecoded   prometheus.Counter     // 成功解码的帧数
	ChecksumErrors  prometheus.Counter     // 校验失败被丢弃的帧数
	TagsRead        prometheus.Counter     // 连续盘点送达消费者的标签数
	TagsDropped     prometheus.Counter     // 消费者积压导致丢弃的标签数
	ReconnectsTotal *prometheus.CounterVec // labels: result=ok|fail
	ConnState       prometheus.Gauge       // 连接状态枚举值
}

// NewReaderMetrics 注册并返回业务指标
func NewReaderMetrics(reg *prometheus.Registry) *ReaderMetrics {
	m := &ReaderMetrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reader_commands_total",
			Help: "Reader command round trips by command code and result.",
		}, []string{"cmd", "result"}),
		CommandRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reader_command_retries_total",
			Help: "Command attempts beyond the first.",
		}),
		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reader_frames_decoded_total",
			Help: "Protocol frames decoded successfully.",
		}),
		ChecksumErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reader_checksum_errors_total",
			Help: "Frames discarded due to checksum mismatch.",
		}),
		TagsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reader_tags_read_total",
			Help: "Tags delivered to the consumer during continuous read.",
		}),
		TagsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reader_tags_dropped_total",
			Help: "Tags dropped because the consumer queue was full.",
		}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reader_reconnects_total",
			Help: "Reconnect sequences by result.",
		}, []string{"result"}),
		ConnState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reader_connection_state",
			Help: "Connection state (0=disconnected 1=connecting 2=connected 3=reconnecting).",
		}),
	}
	reg.MustRegister(
		m.CommandsTotal, m.CommandRetries, m.FramesDecoded, m.ChecksumErrors,
		m.TagsRead, m.TagsDropped, m.ReconnectsTotal, m.ConnState,
	)
	return m
}
