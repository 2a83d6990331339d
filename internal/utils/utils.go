package utils

import (
	"math/rand"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// GenerateCorrelationID 生成请求关联ID
func GenerateCorrelationID() string {
	return uuid.New().String()
}

// GenerateConnectionID 生成唯一连接ID
func GenerateConnectionID() string {
	return "conn-" + uuid.New().String()
}

// GenerateAlertID 生成告警ID
func GenerateAlertID() string {
	return "alert-" + uuid.New().String()
}

// IsValidURL 检查URL是否为 ws/wss 地址
func IsValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "ws" || u.Scheme == "wss"
}

// CalculateBackoff 计算带上限的指数退避时间，附加不超过一半的随机抖动
func CalculateBackoff(attempt int, baseTime, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	waitTime := baseTime * time.Duration(1<<uint(attempt))
	if waitTime <= 0 || (maxDelay > 0 && waitTime > maxDelay) {
		waitTime = maxDelay
	}
	if half := int64(waitTime / 2); half > 0 {
		waitTime += time.Duration(rand.Int63n(half))
	}
	if maxDelay > 0 && waitTime > maxDelay {
		waitTime = maxDelay
	}
	return waitTime
}
