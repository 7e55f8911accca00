package service

import (
	"context"

	"github.com/turtacn/paygate/internal/domain/models"
)

// RateLimitService defines the interface for fixed-window rate limiting per client and endpoint.
// RateLimitService 定义了按客户端和端点进行固定窗口限流的接口。
//
//go:generate mockery --name RateLimitService --output mocks --outpkg mocks
type RateLimitService interface {
	// Check counts this request and reports whether it is within the endpoint's limit.
	// Check 计入本次请求并报告其是否在端点限额之内。
	Check(ctx context.Context, clientID, endpoint string) (models.RateLimitDecision, error)
}
