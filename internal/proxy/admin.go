package proxy

import (
	"crypto/subtle"
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/prismgate/prismgate/internal/budget"
	"github.com/prismgate/prismgate/internal/routing"
	"github.com/prismgate/prismgate/pkg/apierr"
)

// adminAuth guards the admin surface. An unset ADMIN_KEY disables it
// entirely rather than leaving it open.
func (g *Gateway) adminAuth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.adminKey == "" {
			apierr.Write(ctx, apierr.TypeServiceUnavailable, "admin API is not configured")
			return
		}
		token := bearerToken(ctx)
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.adminKey)) != 1 {
			apierr.Write(ctx, apierr.TypeAuthentication, "invalid admin key")
			return
		}
		next(ctx)
	}
}

func (g *Gateway) handleAdminCreateKey(ctx *fasthttp.RequestCtx) {
	if g.keys == nil {
		apierr.Write(ctx, apierr.TypeServiceUnavailable, "key management is not enabled")
		return
	}
	var opts budget.KeyOptions
	if err := json.Unmarshal(ctx.PostBody(), &opts); err != nil {
		apierr.Write(ctx, apierr.TypeInvalidRequest, "request body is not valid JSON")
		return
	}
	if opts.Name == "" {
		apierr.WriteDetails(ctx, apierr.TypeInvalidRequest, "invalid request",
			map[string]string{"name": "name is required"})
		return
	}
	rec := g.keys.Create(opts)
	g.log.Info("api_key_created", "key_id", rec.ID, "name", rec.Name)
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, rec)
}

func (g *Gateway) handleAdminListKeys(ctx *fasthttp.RequestCtx) {
	if g.keys == nil {
		apierr.Write(ctx, apierr.TypeServiceUnavailable, "key management is not enabled")
		return
	}
	list := g.keys.List()
	// The raw key material is only ever returned at creation time.
	for i := range list {
		list[i].Key = ""
	}
	writeJSON(ctx, map[string]any{"keys": list})
}

func (g *Gateway) handleAdminRevokeKey(ctx *fasthttp.RequestCtx) {
	if g.keys == nil {
		apierr.Write(ctx, apierr.TypeServiceUnavailable, "key management is not enabled")
		return
	}
	key, _ := ctx.UserValue("key").(string)
	if !g.keys.Revoke(key) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetContentType("application/json")
		ctx.SetBody(apierr.Envelope(apierr.TypeInvalidRequest, "unknown key", nil))
		return
	}
	g.log.Info("api_key_revoked")
	writeJSON(ctx, map[string]any{"revoked": true})
}

func (g *Gateway) handleAdminGetRouting(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"config":  g.router.Config(),
		"weights": routing.DescribeWeights(),
	})
}

func (g *Gateway) handleAdminPutRouting(ctx *fasthttp.RequestCtx) {
	var cfg routing.Config
	if err := json.Unmarshal(ctx.PostBody(), &cfg); err != nil {
		apierr.Write(ctx, apierr.TypeInvalidRequest, "request body is not valid JSON")
		return
	}
	if err := g.router.SetConfig(cfg); err != nil {
		apierr.Write(ctx, apierr.TypeInvalidRequest, err.Error())
		return
	}
	g.log.Info("routing_config_updated", "strategy", cfg.DefaultStrategy)
	writeJSON(ctx, g.router.Config())
}
