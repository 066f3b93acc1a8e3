package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aegis-sign/localsigner/internal/infra/engineclient"
)

// TargetSelector 决定一次调用使用哪个引擎目标。
type TargetSelector interface {
	Select(ctx context.Context, method string) (string, error)
}

var errNoTargets = errors.New("at least one engine target is required")

// RoundRobinSelector 在多个引擎进程间轮询，目标列表可在运行中替换。
type RoundRobinSelector struct {
	targetIDs atomic.Pointer[[]string]
	rr        atomic.Uint64
}

// NewRoundRobinSelector 构造轮询选择器。
func NewRoundRobinSelector(targetIDs []string) (*RoundRobinSelector, error) {
	s := &RoundRobinSelector{}
	if err := s.SetTargets(targetIDs); err != nil {
		return nil, err
	}
	return s, nil
}

// SetTargets 替换参与轮询的目标。
func (s *RoundRobinSelector) SetTargets(targetIDs []string) error {
	if len(targetIDs) == 0 {
		return errNoTargets
	}
	ids := slices.Clone(targetIDs)
	s.targetIDs.Store(&ids)
	return nil
}

func (s *RoundRobinSelector) Select(context.Context, string) (string, error) {
	ids := *s.targetIDs.Load()
	idx := int((s.rr.Add(1) - 1) % uint64(len(ids)))
	return ids[idx], nil
}

// ProxyMetadataKey 是把出站代理地址交给引擎进程的 gRPC metadata 键。
const ProxyMetadataKey = "localsigner-proxy"

// Remote 通过 engineclient.Pool 复用到引擎进程的长连接。
type Remote struct {
	pool        *engineclient.Pool
	selector    TargetSelector
	callTimeout time.Duration
	proxy       atomic.Pointer[string]
}

var _ Engine = (*Remote)(nil)

// RemoteOption 定义可选参数。
type RemoteOption func(*Remote)

// WithCallTimeout 为单次调用设置上限，默认不限时。
func WithCallTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// WithProxy 设置引擎访问网络时使用的代理，空串表示直连。
func WithProxy(proxyURL string) RemoteOption {
	return func(r *Remote) { r.SetProxy(proxyURL) }
}

// SetProxy 替换后续调用携带的代理地址。
func (r *Remote) SetProxy(proxyURL string) {
	r.proxy.Store(&proxyURL)
}

// NewRemote 构造依赖连接池的引擎实现。
func NewRemote(pool *engineclient.Pool, selector TargetSelector, opts ...RemoteOption) (*Remote, error) {
	if pool == nil {
		return nil, errors.New("engine pool is required")
	}
	if selector == nil {
		return nil, errors.New("target selector is required")
	}
	r := &Remote{pool: pool, selector: selector}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Remote) Deploy(ctx context.Context, req DeployRequest) (string, error) {
	return r.callString(ctx, "deploy", req)
}

func (r *Remote) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	return r.callString(ctx, "execute", req)
}

func (r *Remote) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	return r.callString(ctx, "transfer", req)
}

func (r *Remote) Join(ctx context.Context, req JoinRequest) (string, error) {
	return r.callString(ctx, "join", req)
}

func (r *Remote) Split(ctx context.Context, req SplitRequest) (string, error) {
	return r.callString(ctx, "split", req)
}

func (r *Remote) DeploymentCost(ctx context.Context, req DeploymentCostRequest) (string, error) {
	return r.callString(ctx, "deployment_cost", req)
}

func (r *Remote) ExecutionCost(ctx context.Context, req ExecutionCostRequest) (string, error) {
	return r.callString(ctx, "execution_cost", req)
}

func (r *Remote) DecryptRecords(ctx context.Context, req DecryptRecordsRequest) ([]string, error) {
	resp, err := r.call(ctx, "decrypt_records", req)
	if err != nil {
		return nil, err
	}
	list := resp.GetListValue()
	if list == nil {
		return nil, NewError("engine returned malformed decrypt_records result", fmt.Errorf("unexpected kind %T", resp.GetKind()))
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out, nil
}

func (r *Remote) TransactionFromAuthorization(ctx context.Context, req TransactionFromAuthorizationRequest) (string, error) {
	return r.callString(ctx, "transaction_from_authorization", req)
}

func (r *Remote) DeployFromAuthorization(ctx context.Context, req DeployFromAuthorizationRequest) (string, error) {
	return r.callString(ctx, "deploy_from_authorization", req)
}

func (r *Remote) callString(ctx context.Context, method string, req any) (string, error) {
	resp, err := r.call(ctx, method, req)
	if err != nil {
		return "", err
	}
	if _, ok := resp.GetKind().(*structpb.Value_StringValue); !ok {
		return "", NewError(fmt.Sprintf("engine returned malformed %s result", method), fmt.Errorf("unexpected kind %T", resp.GetKind()))
	}
	return resp.GetStringValue(), nil
}

func (r *Remote) call(ctx context.Context, method string, req any) (_ *structpb.Value, err error) {
	params, err := toParams(req)
	if err != nil {
		return nil, err
	}
	target, err := r.selector.Select(ctx, method)
	if err != nil {
		return nil, err
	}
	lease, err := r.pool.Acquire(ctx, target)
	if err != nil {
		return nil, NewError("signing engine unavailable", err)
	}
	defer func() { lease.Release(err) }()
	callCtx := ctx
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}
	if p := r.proxy.Load(); p != nil && *p != "" {
		callCtx = metadata.AppendToOutgoingContext(callCtx, ProxyMetadataKey, *p)
	}
	resp, callErr := lease.Invoke(callCtx, method, params)
	if callErr != nil {
		return nil, fromStatus(callErr)
	}
	return resp, nil
}

// toParams 将请求结构转换为 structpb 可接受的 map；u64 字段以十进制字符串传输。
func toParams(req any) (map[string]any, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode engine params: %w", err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("encode engine params: %w", err)
	}
	return params, nil
}

// fromStatus 将 gRPC 状态转为引擎错误。status details 中的 ListValue 视为逐层原因。
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return NewError(err.Error(), err)
	}
	var causes []string
	for _, detail := range st.Details() {
		list, ok := detail.(*structpb.ListValue)
		if !ok {
			continue
		}
		for _, v := range list.GetValues() {
			causes = append(causes, v.GetStringValue())
		}
	}
	cause := chainFrom(causes)
	if cause == nil {
		cause = err
	}
	return NewError(st.Message(), cause)
}
