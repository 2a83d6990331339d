package health

import "time"

// Status 健康状态
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusCritical  Status = "critical"
)

// Rank 严重程度，越大越差
func (s Status) Rank() int {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 3
	case StatusCritical:
		return 4
	default:
		return 0
	}
}

// WorseThan 是否比 other 更差
func (s Status) WorseThan(other Status) bool {
	return s.Rank() > other.Rank()
}

// Aggregate 取最差的子状态，没有输入时为 unknown
func Aggregate(statuses ...Status) Status {
	worst := StatusUnknown
	for _, s := range statuses {
		if s.WorseThan(worst) {
			worst = s
		}
	}
	return worst
}

// IntervalMode 轮询节奏
type IntervalMode string

const (
	ModeFast   IntervalMode = "fast"
	ModeNormal IntervalMode = "normal"
	ModeSlow   IntervalMode = "slow"
)

// ModeFor 状态越差轮询越快
func ModeFor(s Status) IntervalMode {
	switch s {
	case StatusCritical, StatusUnhealthy:
		return ModeFast
	case StatusHealthy:
		return ModeSlow
	default:
		return ModeNormal
	}
}

// Scale 按节奏缩放基础间隔
func (m IntervalMode) Scale(base time.Duration) time.Duration {
	switch m {
	case ModeFast:
		return base / 2
	case ModeSlow:
		return base * 2
	default:
		return base
	}
}
