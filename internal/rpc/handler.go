package rpc

import "time"

// Response is what a completed operation hands back. A business failure
// travels as Success=false with ErrorMessage set; it is still a successful
// transport delivery and raises no error.
type Response struct {
	CorrelationID string
	SessionID     string
	Payload       []byte
	Success       bool
	ErrorMessage  string
	StreamFinal   bool
	Timestamp     time.Time
}

// ResponseHandler receives incremental responses during a bidirectional
// streaming session. OnComplete fires once when the final aggregated
// response arrives; OnError fires on timeout, idle reaping, or shutdown.
type ResponseHandler interface {
	OnResponse(resp *Response)
	OnComplete(resp *Response)
	OnError(err error)
}

// HandlerFuncs adapts plain functions to ResponseHandler. Nil fields default
// to no-ops, so callers only supply what they care about.
type HandlerFuncs struct {
	Response func(resp *Response)
	Complete func(resp *Response)
	Error    func(err error)
}

func (h HandlerFuncs) OnResponse(resp *Response) {
	if h.Response != nil {
		h.Response(resp)
	}
}

func (h HandlerFuncs) OnComplete(resp *Response) {
	if h.Complete != nil {
		h.Complete(resp)
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}
