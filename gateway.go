package penguin

import "context"

// ModelGateway is the provider-facing surface consumed by the Engine.
// Implementations translate to provider SDKs and wire formats; the core
// never learns provider identities.
//
// Stream writes incremental deltas to ch in arrival order and closes ch
// before returning. The returned response carries the accumulated
// content, reasoning, and token usage. Implementations should wrap
// failures with Transient or Permanent so the engine's retry policy can
// classify them.
type ModelGateway interface {
	Stream(ctx context.Context, req ModelRequest, ch chan<- StreamDelta) (ModelResponse, error)
}

// GatewayFunc adapts a function to the ModelGateway interface.
type GatewayFunc func(ctx context.Context, req ModelRequest, ch chan<- StreamDelta) (ModelResponse, error)

// Stream implements ModelGateway.
func (f GatewayFunc) Stream(ctx context.Context, req ModelRequest, ch chan<- StreamDelta) (ModelResponse, error) {
	return f(ctx, req, ch)
}

// collectStream runs a gateway call discarding deltas, for callers that
// only need the accumulated response (summarization, chains).
func collectStream(ctx context.Context, gw ModelGateway, req ModelRequest) (ModelResponse, error) {
	ch := make(chan StreamDelta, 64)
	var (
		resp ModelResponse
		err  error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err = gw.Stream(ctx, req, ch)
	}()
	for range ch {
	}
	<-done
	return resp, err
}
