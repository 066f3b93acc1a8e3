// Package engine 定义网关与外部钱包引擎之间的接口。
// 引擎负责证明、交易构建与记录解密，网关只做校验、解锁与调度。
package engine

import "context"

// Engine 是钱包引擎。每个方法返回序列化后的交易或费用等字符串结果。
type Engine interface {
	Deploy(ctx context.Context, req DeployRequest) (string, error)
	Execute(ctx context.Context, req ExecuteRequest) (string, error)
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	Join(ctx context.Context, req JoinRequest) (string, error)
	Split(ctx context.Context, req SplitRequest) (string, error)
	DeploymentCost(ctx context.Context, req DeploymentCostRequest) (string, error)
	ExecutionCost(ctx context.Context, req ExecutionCostRequest) (string, error)
	DecryptRecords(ctx context.Context, req DecryptRecordsRequest) ([]string, error)
	TransactionFromAuthorization(ctx context.Context, req TransactionFromAuthorizationRequest) (string, error)
	DeployFromAuthorization(ctx context.Context, req DeployFromAuthorizationRequest) (string, error)
}

// Transfer 支持的 function 取值。
const (
	TransferPrivate         = "private"
	TransferPublic          = "public"
	TransferPrivateToPublic = "private_to_public"
	TransferPublicToPrivate = "public_to_private"
)

// TransferFunctions 按固定顺序列出所有 transfer function。
var TransferFunctions = []string{TransferPrivate, TransferPublic, TransferPrivateToPublic, TransferPublicToPrivate}

type DeployRequest struct {
	PrivateKey                string            `json:"private_key"`
	Program                   string            `json:"program"`
	FeeRecord                 *string           `json:"fee_record,omitempty"`
	Imports                   map[string]string `json:"imports,omitempty"`
	PriorityFeeInMicrocredits *uint64           `json:"priority_fee_in_microcredits,omitempty,string"`
	Query                     *string           `json:"query,omitempty"`
}

type ExecuteRequest struct {
	PrivateKey string   `json:"private_key"`
	ProgramID  string   `json:"program_id"`
	Function   string   `json:"function"`
	Inputs     []string `json:"inputs"`
	Record     *string  `json:"record,omitempty"`
	Fee        *uint64  `json:"fee,omitempty,string"`
	Query      *string  `json:"query,omitempty"`
}

type TransferRequest struct {
	PrivateKey  string  `json:"private_key"`
	Recipient   string  `json:"recipient"`
	Amount      uint64  `json:"amount,string"`
	Function    string  `json:"function"`
	InputRecord *string `json:"input_record,omitempty"`
	FeeRecord   *string `json:"fee_record,omitempty"`
	Fee         *uint64 `json:"fee,omitempty,string"`
	Query       *string `json:"query,omitempty"`
}

type JoinRequest struct {
	PrivateKey   string  `json:"private_key"`
	FirstRecord  string  `json:"first_record"`
	SecondRecord string  `json:"second_record"`
	FeeRecord    *string `json:"fee_record,omitempty"`
	Fee          *uint64 `json:"fee,omitempty,string"`
	Query        *string `json:"query,omitempty"`
}

type SplitRequest struct {
	PrivateKey string  `json:"private_key"`
	Record     string  `json:"record"`
	Amount     uint64  `json:"amount,string"`
	Query      *string `json:"query,omitempty"`
}

type DeploymentCostRequest struct {
	Program string            `json:"program"`
	Imports map[string]string `json:"imports,omitempty"`
}

type ExecutionCostRequest struct {
	ProgramID string   `json:"program_id"`
	Function  string   `json:"function"`
	Inputs    []string `json:"inputs"`
	Query     *string  `json:"query,omitempty"`
}

type DecryptRecordsRequest struct {
	ViewKey string   `json:"view_key"`
	Records []string `json:"records"`
}

type TransactionFromAuthorizationRequest struct {
	ProgramID               string  `json:"program_id"`
	ExecuteAuthorizationStr string  `json:"execute_authorization_str"`
	FeeAuthorizationStr     string  `json:"fee_authorization_str"`
	Query                   *string `json:"query,omitempty"`
}

type DeployFromAuthorizationRequest struct {
	Program             string            `json:"program"`
	Imports             map[string]string `json:"imports,omitempty"`
	OwnerStr            string            `json:"owner_str"`
	FeeAuthorizationStr string            `json:"fee_authorization_str"`
	Query               *string           `json:"query,omitempty"`
}
