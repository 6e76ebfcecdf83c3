package ledger

import (
	"encoding/json"
	"fmt"

	"ledger_sync/internal/domain"
)

// rpcRequest is an outbound JSON-RPC frame.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	ID      int         `json:"id"`
	Params  queryParams `json:"params"`
}

type queryParams struct {
	Query string `json:"query"`
}

const (
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
)

func encodeRequest(method string, id int, query string) ([]byte, error) {
	return json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      id,
		Params:  queryParams{Query: query},
	})
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s %s", e.Code, e.Message, e.Data)
}

// Frame is a decoded inbound message.
type Frame struct {
	ID     json.RawMessage
	Query  string
	Events []domain.RawChainEvent
	Err    *RPCError
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result *struct {
		Query string `json:"query"`
		Data  *struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"data"`
	} `json:"result"`
	Error *RPCError `json:"error"`
}

type eventList struct {
	Events []domain.RawChainEvent `json:"events"`
}

// eventPayload covers both subscription payloads the node pushes:
// a finalized block (block-level events plus per-tx results) or a single tx result.
type eventPayload struct {
	ResultFinalizeBlock *struct {
		Events    []domain.RawChainEvent `json:"events"`
		TxResults []eventList            `json:"tx_results"`
	} `json:"result_finalize_block"`

	// pre-0.38 nodes split block events into begin/end
	ResultBeginBlock *eventList `json:"result_begin_block"`
	ResultEndBlock   *eventList `json:"result_end_block"`

	TxResult *struct {
		Height string    `json:"height"`
		Result eventList `json:"result"`
	} `json:"TxResult"`
}

// DecodeFrame parses one inbound message and flattens every event it carries, in order:
// block events, then per-tx events, then the single tx result.
// Subscription acknowledgements decode to a frame without events.
func DecodeFrame(msg []byte) (Frame, error) {
	var resp rpcResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	frame := Frame{ID: resp.ID, Err: resp.Error}
	if resp.Result == nil {
		return frame, nil
	}
	frame.Query = resp.Result.Query
	if resp.Result.Data == nil || len(resp.Result.Data.Value) == 0 {
		return frame, nil
	}

	var payload eventPayload
	if err := json.Unmarshal(resp.Result.Data.Value, &payload); err != nil {
		return frame, fmt.Errorf("decode %s payload: %w", resp.Result.Data.Type, err)
	}

	if fb := payload.ResultFinalizeBlock; fb != nil {
		frame.Events = append(frame.Events, fb.Events...)
		for _, tx := range fb.TxResults {
			frame.Events = append(frame.Events, tx.Events...)
		}
	}
	if payload.ResultBeginBlock != nil {
		frame.Events = append(frame.Events, payload.ResultBeginBlock.Events...)
	}
	if payload.ResultEndBlock != nil {
		frame.Events = append(frame.Events, payload.ResultEndBlock.Events...)
	}
	if payload.TxResult != nil {
		frame.Events = append(frame.Events, payload.TxResult.Result.Events...)
	}

	return frame, nil
}
