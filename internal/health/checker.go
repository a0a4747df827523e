package health

import (
	"context"
	"time"
)

// Status 健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"   // 健康
	StatusDegraded  Status = "degraded"  // 降级（部分功能受损但仍可服务）
	StatusUnhealthy Status = "unhealthy" // 不健康（无法服务）
)

// CheckResult 健康检查结果
type CheckResult struct {
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Latency time.Duration          `json:"latency"`
}

// Checker 健康检查器接口
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Aggregator 并发执行一组检查器并汇总整体状态
type Aggregator struct {
	checkers []Checker
}

// NewAggregator 创建聚合器
func NewAggregator(checkers ...Checker) *Aggregator {
	return &Aggregator{checkers: checkers}
}

// CheckAll 并发执行所有检查
func (a *Aggregator) CheckAll(ctx context.Context) map[string]CheckResult {
	type named struct {
		name string
		res  CheckResult
	}
	ch := make(chan named, len(a.checkers))
	for _, c := range a.checkers {
		go func(c Checker) {
			ch <- named{name: c.Name(), res: c.Check(ctx)}
		}(c)
	}
	results := make(map[string]CheckResult, len(a.checkers))
	for range a.checkers {
		n := <-ch
		results[n.name] = n.res
	}
	return results
}

// OverallStatus 任一 Unhealthy 则整体 Unhealthy，任一 Degraded 则整体 Degraded
func (a *Aggregator) OverallStatus(ctx context.Context) Status {
	overall := StatusHealthy
	for _, r := range a.CheckAll(ctx) {
		switch r.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// Ready Degraded 仍视为就绪，只有 Unhealthy 不就绪
func (a *Aggregator) Ready(ctx context.Context) bool {
	return a.OverallStatus(ctx) != StatusUnhealthy
}
