package relay

import "encoding/json"

// kind classifies a raw CDP-style frame per spec 4.3.1: a Request has id+
// method, a Response has id and exactly one of result/error, an Event has
// method but no id.
type kind int

const (
	kindUnknown kind = iota
	kindRequest
	kindResponse
	kindEvent
)

// frame is the tagged variant of an incoming wire message, parsed once at
// ingress (Design notes: heterogeneous frame objects -> tagged variants).
type frame struct {
	Kind      kind
	ID        int
	Method    string
	Params    any    `json:"params,omitempty"`
	Result    any    `json:"result,omitempty"`
	Error     *cdpError `json:"error,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireFrame struct {
	ID        int       `json:"id,omitempty"`
	Method    string    `json:"method,omitempty"`
	Params    any       `json:"params,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     *cdpError `json:"error,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
}

func parseFrame(data []byte) (*frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	f := &frame{
		ID:        w.ID,
		Method:    w.Method,
		Params:    w.Params,
		Result:    w.Result,
		Error:     w.Error,
		SessionID: w.SessionID,
	}

	switch {
	case w.ID != 0 && w.Method != "":
		f.Kind = kindRequest
	case w.ID != 0 && (w.Result != nil) != (w.Error != nil):
		f.Kind = kindResponse
	case w.Method != "":
		f.Kind = kindEvent
	default:
		f.Kind = kindUnknown
	}
	return f, nil
}

func (f *frame) toWire() wireFrame {
	return wireFrame{
		ID:        f.ID,
		Method:    f.Method,
		Params:    f.Params,
		Result:    f.Result,
		Error:     f.Error,
		SessionID: f.SessionID,
	}
}

// response builders used throughout the bridge.

func okResponse(id int, sessionID string, result any) wireFrame {
	return wireFrame{ID: id, SessionID: sessionID, Result: result}
}

func errResponse(id int, sessionID string, code int, message string) wireFrame {
	return wireFrame{ID: id, SessionID: sessionID, Error: &cdpError{Code: code, Message: message}}
}

func eventFrame(method string, sessionID string, params any) wireFrame {
	return wireFrame{Method: method, SessionID: sessionID, Params: params}
}

// Error codes from spec 7.
const (
	ErrNoTarget         = -32000
	ErrUnknownSession   = -32001
	ErrTimeout          = -32002
	ErrDeviceDisconnect = -32003
	ErrTargetDetached   = -32004
)
