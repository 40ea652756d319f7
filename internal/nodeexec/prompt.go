package nodeexec

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/petrijr/promptflow/internal/ctxlog"
	"github.com/petrijr/promptflow/internal/xjson"
	"github.com/petrijr/promptflow/pkg/api"
)

type promptConfig struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Prompt   string         `json:"prompt"`
	Params   map[string]any `json:"params"`

	// Cache reuses the output of an identical earlier invocation.
	Cache bool `json:"cache"`
}

// promptCall invokes the AI capability with an inline prompt template, or
// with the node's template reference when one is set.
func (x *Executor) promptCall(ctx context.Context, req Request) (Result, error) {
	var cfg promptConfig
	if err := decodeConfig(req.Node, &cfg); err != nil {
		return Result{}, err
	}

	var (
		prompt  string
		version string
		err     error
	)
	if req.Node.Template != nil {
		prompt, version, err = x.resolve(ctx, req, *req.Node.Template)
	} else {
		prompt, err = renderInline(cfg.Prompt, req)
	}
	if err != nil {
		return Result{}, err
	}
	return x.invoke(ctx, req, cfg, prompt, version)
}

// templateCall is a PromptCall whose prompt always comes from the template
// resolver.
func (x *Executor) templateCall(ctx context.Context, req Request) (Result, error) {
	var cfg promptConfig
	if err := decodeConfig(req.Node, &cfg); err != nil {
		return Result{}, err
	}
	if req.Node.Template == nil {
		return Result{}, api.Permanent(fmt.Errorf("node %s: template call without template reference", req.Node.Key))
	}
	prompt, version, err := x.resolve(ctx, req, *req.Node.Template)
	if err != nil {
		return Result{}, err
	}
	return x.invoke(ctx, req, cfg, prompt, version)
}

func renderInline(src string, req Request) (string, error) {
	if src == "" {
		return "", api.Permanent(fmt.Errorf("node %s: no prompt configured", req.Node.Key))
	}
	tpl, err := req.Program.Template("prompt", src)
	if err != nil {
		return "", api.Permanent(err)
	}
	text, err := tpl.Render(scopeOf(req))
	if err != nil {
		return "", api.Permanent(err)
	}
	return text, nil
}

// resolve asks the template resolver for the prompt. Template variables are
// the run variables overlaid with the node input.
func (x *Executor) resolve(ctx context.Context, req Request, ref api.TemplateRef) (string, string, error) {
	if x.templates == nil {
		return "", "", api.Permanent(ErrNoResolver)
	}
	vars := make(map[string]any, len(req.Vars)+len(req.Input))
	for k, v := range req.Vars {
		vars[k] = v
	}
	for k, v := range req.Input {
		vars[k] = v
	}
	res, err := x.templates.Resolve(ctx, ref.ID, ref.Version, vars)
	if err != nil {
		return "", "", fmt.Errorf("resolve template %s: %w", ref.ID, err)
	}
	version := res.Version
	if version == "" {
		version = ref.Version
	}
	return res.Text, version, nil
}

func (x *Executor) invoke(ctx context.Context, req Request, cfg promptConfig, prompt, version string) (Result, error) {
	if x.invoker == nil {
		return Result{}, api.Permanent(ErrNoInvoker)
	}

	var key string
	if cfg.Cache && x.cache != nil {
		key = cacheKey(cfg, prompt)
		if hit, ok := x.cache.Get(key); ok {
			ctxlog.FromContext(ctx).Debug("prompt_cache_hit", "node", req.Node.Key)
			hit.Output = api.CloneDocument(hit.Output)
			hit.CacheHit = true
			hit.Cost = 0
			hit.Tokens = 0
			hit.TemplateVersion = version
			return hit, nil
		}
	}

	out, err := x.invoker.Invoke(ctx, api.InvokeRequest{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		Prompt:   prompt,
		Params:   cfg.Params,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Output:          out.Output,
		Cost:            out.Cost,
		Tokens:          out.TokensUsed,
		Quality:         out.Quality,
		Confidence:      out.Confidence,
		TemplateVersion: version,
	}
	if res.Output == nil {
		res.Output = map[string]any{}
	}
	if key != "" {
		cached := res
		cached.Output = api.CloneDocument(res.Output)
		x.cache.Set(key, cached, 1)
		x.cache.Wait()
	}
	return res, nil
}

func cacheKey(cfg promptConfig, prompt string) string {
	params, _ := xjson.Marshal(cfg.Params)
	h := xxhash.New()
	_, _ = h.WriteString(cfg.Provider)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(cfg.Model)
	_, _ = h.WriteString("\x00")
	_, _ = h.Write(params)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(prompt)
	return strconv.FormatUint(h.Sum64(), 16)
}
