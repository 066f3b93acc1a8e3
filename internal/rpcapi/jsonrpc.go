package rpcapi

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/aegis-sign/localsigner/pkg/apierrors"
)

const version = "2.0"

type response struct {
	JSONRPC string              `json:"jsonrpc"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *apierrors.RPCError `json:"error,omitempty"`
	ID      json.RawMessage     `json:"id"`
}

var nullID = json.RawMessage("null")

func errorResponse(id json.RawMessage, err error) *response {
	if len(id) == 0 {
		id = nullID
	}
	return &response{JSONRPC: version, Error: apierrors.ToRPC(err), ID: id}
}

func resultResponse(id json.RawMessage, result any) (*response, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &response{JSONRPC: version, Result: encoded, ID: id}, nil
}

func invalidRequest(msg string) error {
	return apierrors.New(apierrors.CodeInvalidRequest, msg)
}

// handleOne 处理单个请求对象。通知返回 nil 响应；err 是调用的原始错误，用于决定 HTTP 状态。
func (h *Handler) handleOne(ctx context.Context, raw json.RawMessage) (*response, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		err = invalidRequest("request must be an object")
		return errorResponse(nil, err), err
	}
	id, hasID := fields["id"]
	if hasID && !validID(id) {
		err := invalidRequest("id must be a string, number or null")
		return errorResponse(nil, err), err
	}

	var tag, method string
	if err := json.Unmarshal(fields["jsonrpc"], &tag); err != nil || tag != version {
		err = invalidRequest(`jsonrpc must be "2.0"`)
		return errorResponse(id, err), err
	}
	if err := json.Unmarshal(fields["method"], &method); err != nil || method == "" {
		err = invalidRequest("method must be a non-empty string")
		return errorResponse(id, err), err
	}

	result, err := h.gateway.Call(ctx, method, fields["params"])
	if !hasID {
		return nil, nil
	}
	if err != nil {
		return errorResponse(id, err), err
	}
	resp, err := resultResponse(id, result)
	if err != nil {
		err = apierrors.Wrap(apierrors.CodeEngineFailure, "encode result", err)
		return errorResponse(id, err), err
	}
	return resp, nil
}

func validID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '"', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	default:
		return false
	}
}
