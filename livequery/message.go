package livequery

import (
	"fmt"
)

// stable wire error codes
const (
	ErrorInvalidRequest   = 1
	ErrorUnknownClient    = 2
	ErrorUnknownOperation = 3
	ErrorInvalidKeys      = 4
)

type ProtocolError struct {
	Code    int
	Message string
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("%d: %s", self.Code, self.Message)
}

func invalidRequestError(format string, a ...any) *ProtocolError {
	return &ProtocolError{
		Code:    ErrorInvalidRequest,
		Message: fmt.Sprintf(format, a...),
	}
}

// server -> client messages

type connectedMessage struct {
	Op       string `json:"op"`
	ClientId string `json:"clientId"`
}

type subscribedMessage struct {
	Op        string `json:"op"`
	RequestId int    `json:"requestId"`
}

type unsubscribedMessage struct {
	Op        string `json:"op"`
	RequestId int    `json:"requestId"`
}

type eventMessage struct {
	Op        string `json:"op"`
	RequestId int    `json:"requestId"`
	Object    Record `json:"object"`
}

type errorMessage struct {
	Op    string `json:"op"`
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// client -> server message validation
//
// every inbound message is checked against a recognized shape for its op
// before any state is touched. a failed check answers `error` and mutates
// nothing.

func validateMessage(message map[string]any) (string, *ProtocolError) {
	op, ok := message["op"].(string)
	if !ok || op == "" {
		return "", invalidRequestError("missing op")
	}
	switch op {
	case "connect":
		return op, validateConnect(message)
	case "subscribe", "update":
		return op, validateSubscribe(message)
	case "unsubscribe":
		return op, validateUnsubscribe(message)
	default:
		return op, &ProtocolError{
			Code:    ErrorUnknownOperation,
			Message: fmt.Sprintf("unknown operation: %s", op),
		}
	}
}

func validateConnect(message map[string]any) *ProtocolError {
	// key pair values and the session token are opaque strings
	for _, field := range []string{"applicationId", "sessionToken"} {
		if value, ok := message[field]; ok {
			if _, ok := value.(string); !ok {
				return invalidRequestError("%s must be a string", field)
			}
		}
	}
	return nil
}

func validateSubscribe(message map[string]any) *ProtocolError {
	if _, err := messageRequestId(message); err != nil {
		return err
	}
	query, ok := message["query"].(map[string]any)
	if !ok {
		return invalidRequestError("query must be an object")
	}
	if className, ok := query["className"].(string); !ok || className == "" {
		return invalidRequestError("query.className must be a non-empty string")
	}
	if _, ok := query["where"].(map[string]any); !ok {
		return invalidRequestError("query.where must be an object")
	}
	if fieldsValue, ok := query["fields"]; ok {
		fields, ok := fieldsValue.([]any)
		if !ok {
			return invalidRequestError("query.fields must be an array")
		}
		for _, field := range fields {
			if _, ok := field.(string); !ok {
				return invalidRequestError("query.fields must be an array of strings")
			}
		}
	}
	if sessionTokenValue, ok := message["sessionToken"]; ok {
		if _, ok := sessionTokenValue.(string); !ok {
			return invalidRequestError("sessionToken must be a string")
		}
	}
	return nil
}

func validateUnsubscribe(message map[string]any) *ProtocolError {
	_, err := messageRequestId(message)
	return err
}

func messageRequestId(message map[string]any) (int, *ProtocolError) {
	value, ok := message["requestId"]
	if !ok {
		return 0, invalidRequestError("missing requestId")
	}
	number, ok := value.(float64)
	if !ok || number != float64(int(number)) {
		return 0, invalidRequestError("requestId must be an integer")
	}
	return int(number), nil
}

func messageFields(query map[string]any) []string {
	fieldsValue, ok := query["fields"].([]any)
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(fieldsValue))
	for _, field := range fieldsValue {
		if s, ok := field.(string); ok {
			fields = append(fields, s)
		}
	}
	return fields
}
