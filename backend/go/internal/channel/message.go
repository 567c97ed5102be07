package channel

import (
	"encoding/json"
	"errors"
	"fmt"

	"Foreman/backend/go/internal/apperror"
)

// MessageType is either a request or a response.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
)

// Action names one operation in the closed vocabulary understood by both
// the core and worker-managers.
type Action string

const (
	ActionGetWorkerExecConfig  Action = "get_worker_exec_config"
	ActionExecuteTask          Action = "execute_task"
	ActionGetContentSignedURLs Action = "get_content_signed_urls"
	ActionGetUIBundle          Action = "get_ui_bundle"
	ActionExecuteSystemRequest Action = "execute_system_request"
	ActionAnalyzeObject        Action = "analyze_object"
	ActionInit                 Action = "init"
	ActionUpdateAppHashMapping Action = "update_app_hash_mapping"
)

// Message is one frame on the transport.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type responsePayload struct {
	Action  Action             `json:"action"`
	Success *bool              `json:"success"`
	Result  json.RawMessage    `json:"result,omitempty"`
	Error   *apperror.Envelope `json:"error,omitempty"`
}

func (m *Message) validate() error {
	if m.Type != TypeRequest && m.Type != TypeResponse {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.ID == "" {
		return errors.New("message id is empty")
	}
	if len(m.Payload) == 0 {
		return errors.New("message payload is empty")
	}
	return nil
}

// encodeRequestPayload flattens params into {"action": ..., <params fields>}.
func encodeRequestPayload(action Action, params interface{}) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("params for %s must encode as a JSON object: %w", action, err)
		}
	}
	a, _ := json.Marshal(action)
	fields["action"] = a
	return json.Marshal(fields)
}

func peekAction(payload json.RawMessage) (Action, error) {
	var head struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return "", err
	}
	if head.Action == "" {
		return "", errors.New("payload has no action")
	}
	return head.Action, nil
}

func encodeResponse(id string, action Action, result interface{}, failure *apperror.Error) ([]byte, error) {
	ok := failure == nil
	p := responsePayload{Action: action, Success: &ok}
	if ok {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		p.Result = raw
	} else {
		p.Error = failure.ToEnvelope()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: TypeResponse, ID: id, Payload: payload})
}

func invalidPayload(format string, args ...interface{}) *apperror.Error {
	return apperror.Permanent(apperror.CodeChannelInvalidPayload, fmt.Sprintf(format, args...))
}
