package grpc

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
	"google.golang.org/grpc"
	grpcCodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// healthServicePrefix is never gated so orchestrators can probe the server.
const healthServicePrefix = "/grpc.health.v1.Health/"

// GateEvaluator runs the Request Gate on one request.
type GateEvaluator interface {
	Evaluate(ctx context.Context, req *models.GateRequest) *models.GateDecision
}

// IdempotencyRecorder records the final status of a request that registered an idempotency key.
type IdempotencyRecorder interface {
	Complete(ctx context.Context, method, key string, status int) error
}

// InterceptorChain 拦截器链
type InterceptorChain struct {
	log  logger.Logger
	gate GateEvaluator
	idem IdempotencyRecorder
}

// NewInterceptorChain 创建拦截器链. idem may be nil.
func NewInterceptorChain(log logger.Logger, gate GateEvaluator, idem IdempotencyRecorder) *InterceptorChain {
	return &InterceptorChain{
		log:  log.WithComponent("GRPCInterceptor"),
		gate: gate,
		idem: idem,
	}
}

// UnaryRecoveryInterceptor 恢复拦截器(捕获 panic)
func (ic *InterceptorChain) UnaryRecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				ic.log.Error(ctx, "gRPC handler panic recovered", fmt.Errorf("%v", r),
					logger.String("method", info.FullMethod),
				)
				err = status.Error(grpcCodes.Internal, "internal server error")
			}
		}()

		return handler(ctx, req)
	}
}

// UnaryLoggingInterceptor 日志拦截器
func (ic *InterceptorChain) UnaryLoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		startTime := time.Now()
		resp, err := handler(ctx, req)

		ic.log.Info(ctx, "gRPC request completed",
			logger.String("method", info.FullMethod),
			logger.Int64("duration_ms", time.Since(startTime).Milliseconds()),
			logger.String("status", status.Code(err).String()),
		)
		return resp, err
	}
}

// UnaryGateInterceptor runs the Request Gate on every unary call except health probes. The message is
// rendered with protojson so the content checks see the same JSON an HTTP client would send.
func (ic *InterceptorChain) UnaryGateInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}

		gateReq, err := NewGateRequest(ctx, info.FullMethod, req)
		if err != nil {
			return nil, status.Error(grpcCodes.InvalidArgument, "request could not be encoded")
		}
		ctx = context.WithValue(ctx, constants.ContextKeyRequestID, gateReq.RequestID)

		decision := ic.gate.Evaluate(ctx, gateReq)
		if rl := decision.RateLimit; rl != nil && rl.Limit > 0 {
			_ = grpc.SetHeader(ctx, metadata.Pairs(
				strings.ToLower(constants.HeaderRateLimitLimit), strconv.Itoa(rl.Limit),
				strings.ToLower(constants.HeaderRateLimitRemaining), strconv.Itoa(rl.Remaining()),
			))
		}
		if !decision.Allowed {
			ic.log.Info(ctx, "gRPC call rejected by gate",
				logger.String("method", info.FullMethod),
				logger.String("step", string(decision.FailedStep)),
			)
			if secs, ok := errors.RetryAfter(decision.Err); ok {
				_ = grpc.SetTrailer(ctx, metadata.Pairs(strings.ToLower(constants.HeaderRetryAfter), strconv.Itoa(secs)))
			}
			return nil, convertDomainErrorToGRPC(decision.Err)
		}

		if sc := decision.Security; sc != nil && sc.ClientID != "" {
			ctx = context.WithValue(ctx, constants.ContextKeyClientID, sc.ClientID)
		}
		resp, err := handler(ctx, req)

		if decision.IdempotencyKey != "" && ic.idem != nil {
			code := http.StatusOK
			if err != nil {
				code = httpStatusOf(err)
			}
			if cErr := ic.idem.Complete(context.WithoutCancel(ctx), gateReq.Method, decision.IdempotencyKey, code); cErr != nil {
				ic.log.Warn(ctx, "failed to record idempotent call completion", logger.Err(cErr))
			}
		}
		return resp, err
	}
}

// UnaryValidationInterceptor 参数验证拦截器
func (ic *InterceptorChain) UnaryValidationInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		// 如果请求实现了 Validator 接口,执行验证
		if validator, ok := req.(interface{ Validate() error }); ok {
			if err := validator.Validate(); err != nil {
				ic.log.Warn(ctx, "request validation failed",
					logger.String("method", info.FullMethod),
				)
				return nil, status.Errorf(grpcCodes.InvalidArgument, "validation failed: %v", err)
			}
		}

		return handler(ctx, req)
	}
}

// UnaryErrorInterceptor 错误转换拦截器(将领域错误转换为 gRPC 状态码)
func (ic *InterceptorChain) UnaryErrorInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		if _, ok := status.FromError(err); ok {
			return resp, err
		}
		return resp, convertDomainErrorToGRPC(err)
	}
}

// ChainUnaryInterceptors 链式调用所有拦截器
func (ic *InterceptorChain) ChainUnaryInterceptors() grpc.ServerOption {
	return grpc.ChainUnaryInterceptor(
		ic.UnaryRecoveryInterceptor(),   // 1. 恢复 panic
		ic.UnaryLoggingInterceptor(),    // 2. 日志
		ic.UnaryGateInterceptor(),       // 3. 安全网关
		ic.UnaryValidationInterceptor(), // 4. 参数验证
		ic.UnaryErrorInterceptor(),      // 5. 错误转换
	)
}

// NewGateRequest builds the gate's view of a unary call from its incoming metadata and peer.
// Methods named Get*, List*, Check* or Watch* are treated as reads; everything else as a write that needs an
// idempotency-key.
func NewGateRequest(ctx context.Context, fullMethod string, req interface{}) (*models.GateRequest, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	headers := make(map[string]string, len(md))
	for k, v := range md {
		headers[k] = strings.Join(v, ", ")
	}

	gateReq := &models.GateRequest{
		RequestID: headers[strings.ToLower(constants.HeaderRequestID)],
		Source:    constants.SourceGRPCGate,
		Method:    rpcVerb(fullMethod),
		Path:      fullMethod,
		Protocol:  "http",
		Headers:   headers,
	}
	gateReq.Endpoint = gateReq.Method + " " + fullMethod
	if gateReq.RequestID == "" || len(gateReq.RequestID) > 128 {
		gateReq.RequestID = uuid.NewString()
	}

	if p, ok := peer.FromContext(ctx); ok {
		if p.Addr != nil {
			gateReq.RemoteAddr = p.Addr.String()
		}
		if _, tls := p.AuthInfo.(credentials.TLSInfo); tls {
			gateReq.Protocol = "https"
		}
	}

	if msg, ok := req.(proto.Message); ok {
		body, err := protojson.Marshal(msg)
		if err != nil {
			return nil, err
		}
		gateReq.Body = body
		gateReq.ContentType = "application/json"
	}
	return gateReq, nil
}

func rpcVerb(fullMethod string) string {
	name := fullMethod[strings.LastIndex(fullMethod, "/")+1:]
	for _, prefix := range []string{"Get", "List", "Check", "Watch"} {
		if strings.HasPrefix(name, prefix) {
			return http.MethodGet
		}
	}
	return http.MethodPost
}

func httpStatusOf(err error) int {
	if gateErr, ok := errors.AsGateError(err); ok {
		return gateErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// convertDomainErrorToGRPC 将领域错误转换为 gRPC 错误. Only the caller-safe detail is sent.
func convertDomainErrorToGRPC(err error) error {
	gateErr, ok := errors.AsGateError(err)
	if !ok {
		return status.Error(grpcCodes.Internal, "internal server error")
	}

	msg := gateErr.Detail()
	switch gateErr.HTTPStatus() {
	case http.StatusNotFound:
		return status.Error(grpcCodes.NotFound, msg)
	case http.StatusBadRequest:
		return status.Error(grpcCodes.InvalidArgument, msg)
	case http.StatusUnauthorized:
		return status.Error(grpcCodes.Unauthenticated, msg)
	case http.StatusForbidden:
		return status.Error(grpcCodes.PermissionDenied, msg)
	case http.StatusConflict:
		return status.Error(grpcCodes.AlreadyExists, msg)
	case http.StatusTooManyRequests:
		return status.Error(grpcCodes.ResourceExhausted, msg)
	case http.StatusServiceUnavailable:
		return status.Error(grpcCodes.Unavailable, msg)
	default:
		return status.Error(grpcCodes.Internal, "internal server error")
	}
}
