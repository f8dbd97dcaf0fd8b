package httpclient

// Header is one owned name/value pair. Request headers are sent verbatim
// in order; response headers are captured in arrival order.
type Header struct {
	Name  string
	Value string
}

// Observer receives response notifications as the decoder runs. Every
// method is invoked synchronously inside a decoder step on the scheduler
// loop goroutine and must not block or re-enter the task. Embed
// [NopObserver] to implement a subset.
type Observer interface {
	// OnStatusLine fires once the status code, version and reason are
	// set on the handle.
	OnStatusLine(h *Handle)

	// OnHeaders fires once, after the full header section is captured.
	OnHeaders(h *Handle)

	// OnBodyChunk fires each time body bytes land in the response
	// buffer. Draining the buffer here, via ResXfer, is what keeps a
	// large body flowing.
	OnBodyChunk(h *Handle)

	// OnEnd fires exactly once, after everything else, whether the
	// response completed or was cut short. Handle.Err tells which.
	OnEnd(h *Handle)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) OnStatusLine(*Handle) {}
func (NopObserver) OnHeaders(*Handle)    {}
func (NopObserver) OnBodyChunk(*Handle)  {}
func (NopObserver) OnEnd(*Handle)        {}
