package nodeexec

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/petrijr/promptflow/pkg/api"
)

type externalConfig struct {
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method"`
	Params   map[string]any    `json:"params"`
	Body     map[string]string `json:"body"`
}

// externalCall forwards the node input to the external caller. Body fields
// are expressions over the scope; without them the input is the body.
func (x *Executor) externalCall(ctx context.Context, req Request) (Result, error) {
	var cfg externalConfig
	if err := decodeConfig(req.Node, &cfg); err != nil {
		return Result{}, err
	}
	if x.caller == nil {
		return Result{}, api.Permanent(ErrNoCaller)
	}
	if cfg.Endpoint == "" {
		return Result{}, api.Permanent(fmt.Errorf("node %s: no endpoint configured", req.Node.Key))
	}

	body := api.CloneDocument(req.Input)
	if len(cfg.Body) > 0 {
		body = make(map[string]any, len(cfg.Body))
		for name, src := range cfg.Body {
			v, err := evalExpression(req, "body."+name, src)
			if err != nil {
				return Result{}, fmt.Errorf("body %s: %w", name, err)
			}
			body[name] = v
		}
	}

	if err := x.limiter(cfg.Endpoint).Wait(ctx); err != nil {
		return Result{}, err
	}

	method := cfg.Method
	if method == "" {
		method = "POST"
	}
	out, err := x.caller.Call(ctx, api.ExternalRequest{
		Endpoint: cfg.Endpoint,
		Method:   method,
		Params:   cfg.Params,
		Body:     body,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Output: out}, nil
}

// limiter returns the shared limiter of an endpoint.
func (x *Executor) limiter(endpoint string) *rate.Limiter {
	x.limitMu.Lock()
	defer x.limitMu.Unlock()
	l, ok := x.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(x.rate, x.burst)
		x.limiters[endpoint] = l
	}
	return l
}
