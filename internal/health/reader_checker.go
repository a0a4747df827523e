package health

import (
	"context"
	"time"

	"github.com/rfidlab/uhf-reader/internal/reader"
	"github.com/rfidlab/uhf-reader/internal/serialport"
)

// LinkChecker 读写器链路健康检查器。
// 设备未接入不算故障：HTTP 控制面仍可服务，报 Degraded。
type LinkChecker struct {
	rd *reader.Reader
}

// NewLinkChecker 创建链路检查器
func NewLinkChecker(rd *reader.Reader) *LinkChecker {
	return &LinkChecker{rd: rd}
}

func (c *LinkChecker) Name() string { return "reader_link" }

func (c *LinkChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	st := c.rd.Status()

	status := StatusHealthy
	message := "ok"
	switch st.State {
	case "connected":
		if st.ScanError != "" {
			status = StatusDegraded
			message = "scan session ended with error"
		}
	case "reconnecting", "connecting":
		status = StatusDegraded
		message = "link recovery in progress"
	default:
		status = StatusDegraded
		message = "no device attached"
	}

	details := map[string]interface{}{
		"state":    st.State,
		"scanning": st.Scanning,
	}
	if st.Port != "" {
		details["port"] = st.Port
		details["baud"] = st.Baud
	}
	if st.Gain != 0 {
		details["gain_dbm"] = st.Gain
	}
	if st.ScanError != "" {
		details["scan_error"] = st.ScanError
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: details,
		Latency: time.Since(start),
	}
}

// PortChecker 串口枚举检查器：枚举失败为 Unhealthy，无可用串口为 Degraded
type PortChecker struct{}

// NewPortChecker 创建串口枚举检查器
func NewPortChecker() *PortChecker { return &PortChecker{} }

func (c *PortChecker) Name() string { return "serial_ports" }

func (c *PortChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	ports, err := serialport.ListPorts()
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "port enumeration failed: " + err.Error(),
			Latency: time.Since(start),
		}
	}
	status := StatusHealthy
	message := "ok"
	if len(ports) == 0 {
		status = StatusDegraded
		message = "no serial ports present"
	}
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		names = append(names, p.Name)
	}
	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{"count": len(ports), "ports": names},
		Latency: time.Since(start),
	}
}
