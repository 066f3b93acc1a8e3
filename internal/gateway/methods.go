package gateway

import (
	"context"
	"errors"

	"github.com/aegis-sign/localsigner/internal/engine"
	"github.com/aegis-sign/localsigner/pkg/validator"
)

const (
	MethodDiscovery = "discovery"
	MethodUpdate    = "update"
)

var (
	pPrivateKey = Param{Name: "private_key", Kind: KindString, Required: true}
	pQuery      = Param{Name: "query", Kind: KindString, Check: checkQuery}
	pFee        = Param{Name: "fee", Kind: KindUint64}
	pFeeRecord  = Param{Name: "fee_record", Kind: KindString}
	pImports    = Param{Name: "imports", Kind: KindStringMap}
	pProgram    = Param{Name: "program", Kind: KindString, Required: true}
	pProgramID  = Param{Name: "program_id", Kind: KindString, Required: true}
	pFunction   = Param{Name: "function", Kind: KindString, Required: true}
	pInputs     = Param{Name: "inputs", Kind: KindStringList, Required: true}
	pAmount     = Param{Name: "amount", Kind: KindUint64, Required: true, Check: checkPositive}
)

func checkQuery(v any) error {
	return validator.QueryURL(v.(string))
}

func checkPositive(v any) error {
	return validator.Positive(v.(uint64))
}

func checkTransferFunction(v any) error {
	return validator.OneOf(v.(string), engine.TransferFunctions...)
}

func checkNonEmptyList(v any) error {
	return validator.NonEmptyList(v.([]string))
}

func checkVersion(v any) error {
	if len(v.(string)) > 64 {
		return errors.New("version too long")
	}
	return nil
}

func (g *Gateway) buildRegistry() *Registry {
	r := newRegistry()
	eng := g.engine

	r.add(Method{Name: MethodDiscovery, Handler: g.discovery})
	r.add(Method{
		Name:    MethodUpdate,
		Params:  []Param{{Name: "version", Kind: KindString, Required: true, Check: checkVersion}},
		Handler: g.update,
	})

	r.add(Method{
		Name: "deploy",
		Params: []Param{pPrivateKey, pProgram, pFeeRecord, pImports,
			{Name: "priority_fee_in_microcredits", Kind: KindUint64}, pQuery},
		RequiresUnlock: true,
		Queued:         true,
		Handler: func(ctx context.Context, p Params) (any, error) {
			return eng.Deploy(ctx, engine.DeployRequest{
				PrivateKey:                p.String("private_key"),
				Program:                   p.String("program"),
				FeeRecord:                 p.OptString("fee_record"),
				Imports:                   p.StringMap("imports"),
				PriorityFeeInMicrocredits: p.OptUint64("priority_fee_in_microcredits"),
				Query:                     p.OptString("query"),
			})
		},
	})

	r.add(Method{
		Name: "execute",
		Params: []Param{pPrivateKey, pProgramID, pFunction, pInputs,
			{Name: "record", Kind: KindString}, pFee, pQuery},
		RequiresUnlock: true,
		Queued:         true,
		Handler: func(ctx context.Context, p Params) (any, error) {
			return eng.Execute(ctx, engine.ExecuteRequest{
				PrivateKey: p.String("private_key"),
				ProgramID:  p.String("program_id"),
				Function:   p.String("function"),
				Inputs:     p.Strings("inputs"),
				Record:     p.OptString("record"),
				Fee:        p.OptUint64("fee"),
				Query:      p.OptString("query"),
			})
		},
	})

	r.add(Method{
		Name: "transfer",
		Params: []Param{pPrivateKey,
			{Name: "recipient", Kind: KindString, Required: true},
			pAmount,
			{Name: "function", Kind: KindString, Required: true, Check: checkTransferFunction},
			{Name: "input_record", Kind: KindString},
			pFeeRecord, pFee, pQuery},
		RequiresUnlock: true,
		Queued:         true,
		Handler: func(ctx context.Context, p Params) (any, error) {
			return eng.Transfer(ctx, engine.TransferRequest{
				PrivateKey:  p.String("private_key"),
				Recipient:   p.String("recipient"),
				Amount:      p.Uint64("amount"),
				Function:    p.String("function"),
				InputRecord: p.OptString("input_record"),
				FeeRecord:   p.OptString("fee_record"),
				Fee:         p.OptUint64("fee"),
				Query:       p.OptString("query"),
			})
		},
	})

	r.add(Method{
		Name: "join",
		Params: []Param{pPrivateKey,
			{Name: "first_record", Kind: KindString, Required: true},
			{Name: "second_record", Kind: KindString, Required: true},
			pFeeRecord, pFee, pQuery},
		RequiresUnlock: true,
		Queued:         true,
		Handler: func(ctx context.Context, p Params) (any, error) {
			return eng.Join(ctx, engine.JoinRequest{
				PrivateKey:   p.String("private_key"),
				FirstRecord:  p.String("first_record"),
				SecondRecord: p.String("second_record"),
				FeeRecord:    p.OptString("fee_record"),
				Fee:          p.OptUint64("fee"),
				Query:        p.OptString("query"),
			})
		},
	})

	r.add(Method{
		Name: "split",
		Params: []Param{pPrivateKey,
			{Name: "record", Kind: KindString, Required: true},
			pAmount, pQuery},
		RequiresUnlock: true,
		Queued:         true,
		Handler: func(ctx context.Context, p Params) (any, error) {
			return eng.Split(ctx, engine.SplitRequest{
				PrivateKey: p.String("private_key"),
				Record:     p.String("record"),
				Amount:     p.Uint64("amount"),
				Query:      p.OptString("query"),
			})
		},
	})

	r.add(Method{
		Name:           "deployment_cost",
		Params:         []Param{pProgram, pImports},
		RequiresUnlock: true,
		Queued:         true,
		Handler: func(ctx context.Context, p Params) (any, error) {
			return eng.DeploymentCost(ctx, engine.DeploymentCostRequest{
				Program: p.String("program"),
				Imports: p.StringMap("imports"),
			})
		},
	})

	r.add(Method{
		Name:           "execution_cost",
		Params:         []Param{pProgramID, pFunction, pInputs, pQuery},
		RequiresUnlock: true,
		Queued:         true,
		Handler: func(ctx context.Context, p Params) (any, error) {
			return eng.ExecutionCost(ctx, engine.ExecutionCostRequest{
				ProgramID: p.String("program_id"),
				Function:  p.String("function"),
				Inputs:    p.Strings("inputs"),
				Query:     p.OptString("query"),
			})
		},
	})

	r.add(Method{
		Name: "decrypt_records",
		Params: []Param{
			{Name: "view_key", Kind: KindString, Required: true},
			{Name: "records", Kind: KindStringList, Required: true, Check: checkNonEmptyList},
		},
		RequiresUnlock: true,
		Queued:         true,
		Handler: func(ctx context.Context, p Params) (any, error) {
			return eng.DecryptRecords(ctx, engine.DecryptRecordsRequest{
				ViewKey: p.String("view_key"),
				Records: p.Strings("records"),
			})
		},
	})

	r.add(Method{
		Name: "transaction_from_authorization",
		Params: []Param{pProgramID,
			{Name: "execute_authorization_str", Kind: KindString, Required: true},
			{Name: "fee_authorization_str", Kind: KindString, Required: true},
			pQuery},
		RequiresUnlock: true,
		Queued:         true,
		Handler: func(ctx context.Context, p Params) (any, error) {
			return eng.TransactionFromAuthorization(ctx, engine.TransactionFromAuthorizationRequest{
				ProgramID:               p.String("program_id"),
				ExecuteAuthorizationStr: p.String("execute_authorization_str"),
				FeeAuthorizationStr:     p.String("fee_authorization_str"),
				Query:                   p.OptString("query"),
			})
		},
	})

	r.add(Method{
		Name: "deploy_from_authorization",
		Params: []Param{pProgram, pImports,
			{Name: "owner_str", Kind: KindString, Required: true},
			{Name: "fee_authorization_str", Kind: KindString, Required: true},
			pQuery},
		RequiresUnlock: true,
		Queued:         true,
		Handler: func(ctx context.Context, p Params) (any, error) {
			return eng.DeployFromAuthorization(ctx, engine.DeployFromAuthorizationRequest{
				Program:             p.String("program"),
				Imports:             p.StringMap("imports"),
				OwnerStr:            p.String("owner_str"),
				FeeAuthorizationStr: p.String("fee_authorization_str"),
				Query:               p.OptString("query"),
			})
		},
	})

	// 旧版客户端仍在使用的别名
	r.alias("execution_costv2", "execution_cost")
	r.alias("decrypt_recordsv2", "decrypt_records")
	return r
}
