package engine

import "context"

// Unconfigured 是未接入引擎时的占位实现，所有操作都返回 ErrNotConfigured。
type Unconfigured struct{}

var _ Engine = Unconfigured{}

func (Unconfigured) Deploy(context.Context, DeployRequest) (string, error) {
	return "", NewError(ErrNotConfigured.Error(), ErrNotConfigured)
}

func (Unconfigured) Execute(context.Context, ExecuteRequest) (string, error) {
	return "", NewError(ErrNotConfigured.Error(), ErrNotConfigured)
}

func (Unconfigured) Transfer(context.Context, TransferRequest) (string, error) {
	return "", NewError(ErrNotConfigured.Error(), ErrNotConfigured)
}

func (Unconfigured) Join(context.Context, JoinRequest) (string, error) {
	return "", NewError(ErrNotConfigured.Error(), ErrNotConfigured)
}

func (Unconfigured) Split(context.Context, SplitRequest) (string, error) {
	return "", NewError(ErrNotConfigured.Error(), ErrNotConfigured)
}

func (Unconfigured) DeploymentCost(context.Context, DeploymentCostRequest) (string, error) {
	return "", NewError(ErrNotConfigured.Error(), ErrNotConfigured)
}

func (Unconfigured) ExecutionCost(context.Context, ExecutionCostRequest) (string, error) {
	return "", NewError(ErrNotConfigured.Error(), ErrNotConfigured)
}

func (Unconfigured) DecryptRecords(context.Context, DecryptRecordsRequest) ([]string, error) {
	return nil, NewError(ErrNotConfigured.Error(), ErrNotConfigured)
}

func (Unconfigured) TransactionFromAuthorization(context.Context, TransactionFromAuthorizationRequest) (string, error) {
	return "", NewError(ErrNotConfigured.Error(), ErrNotConfigured)
}

func (Unconfigured) DeployFromAuthorization(context.Context, DeployFromAuthorizationRequest) (string, error) {
	return "", NewError(ErrNotConfigured.Error(), ErrNotConfigured)
}
