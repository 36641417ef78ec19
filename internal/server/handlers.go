package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/contentgen-gateway/internal/gateway"
	"github.com/nulpointcorp/contentgen-gateway/internal/keys"
	"github.com/nulpointcorp/contentgen-gateway/internal/prompt"
	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
	"github.com/nulpointcorp/contentgen-gateway/internal/settings"
	"github.com/nulpointcorp/contentgen-gateway/internal/usage"
	"github.com/nulpointcorp/contentgen-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// --- generation -------------------------------------------------------------

func (s *Server) handleGenerate(ctx *fasthttp.RequestCtx) {
	var req gateway.Request
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalid(ctx, "request body must be a JSON generation request")
		return
	}
	req.UserID = identity(ctx).UserID

	res, err := s.gw.Generate(ctx, req)
	if err != nil {
		s.writeGatewayError(ctx, err)
		return
	}

	if res.Stats.Cached {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	writeJSON(ctx, res)
}

// writeGatewayError converts a Generate error into the JSON envelope.
// Only the sanitized message, detail and hint reach the client.
func (s *Server) writeGatewayError(ctx *fasthttp.RequestCtx, err error) {
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		s.log.ErrorContext(ctx, "generate_internal_error", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	e := apierr.APIError{Message: ge.Message, Detail: ge.Detail, Hint: ge.Hint}
	switch ge.Kind {
	case gateway.KindDisabled:
		e.Type, e.Code = apierr.TypeUnavailable, apierr.CodeDisabled
	case gateway.KindInvalidRequest:
		e.Type, e.Code = apierr.TypeInvalidRequest, apierr.CodeInvalidRequest
	case gateway.KindBudgetExceeded:
		e.Type, e.Code = apierr.TypeBudgetError, apierr.CodeBudgetExceeded
	case gateway.KindRateLimitExceeded:
		ctx.Response.Header.Set("Retry-After", "60")
		e.Type, e.Code = apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded
	case gateway.KindProviderAuth:
		e.Type, e.Code = apierr.TypeProviderError, apierr.CodeInvalidAPIKey
	case gateway.KindProviderInvalidResponse:
		e.Type, e.Code = apierr.TypeProviderError, apierr.CodeInvalidResponse
	default:
		e.Type, e.Code = apierr.TypeProviderError, apierr.CodeProviderError
		if ge.Timeout {
			e.Code = apierr.CodeRequestTimeout
		}
	}
	apierr.WriteError(ctx, ge.HTTPStatus(), e)
}

// --- usage --------------------------------------------------------------------

type usageStatsResponse struct {
	Period string     `json:"period"`
	From   *time.Time `json:"from,omitempty"`
	To     *time.Time `json:"to,omitempty"`
	usage.Stats
}

// usageFilter builds a filter from ?period=&from=&to=&user=&provider=&model=.
func (s *Server) usageFilter(ctx *fasthttp.RequestCtx) (usage.Period, usage.Filter, error) {
	args := ctx.QueryArgs()
	period, err := usage.ParsePeriod(string(args.Peek("period")))
	if err != nil {
		return "", usage.Filter{}, err
	}

	var from, to time.Time
	if period == usage.PeriodCustom {
		if from, err = parseDate(string(args.Peek("from"))); err != nil {
			return "", usage.Filter{}, fmt.Errorf("from: %w", err)
		}
		if to, err = parseDate(string(args.Peek("to"))); err != nil {
			return "", usage.Filter{}, fmt.Errorf("to: %w", err)
		}
	}
	from, to, err = period.Range(s.now(), from, to)
	if err != nil {
		return "", usage.Filter{}, err
	}

	return period, usage.Filter{
		From:     from,
		To:       to,
		UserID:   string(args.Peek("user")),
		Provider: string(args.Peek("provider")),
		Model:    string(args.Peek("model")),
	}, nil
}

// parseDate accepts RFC 3339 timestamps or plain YYYY-MM-DD dates (UTC).
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("date is required for a custom period")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	return t, nil
}

func (s *Server) handleUsageStats(ctx *fasthttp.RequestCtx) {
	period, f, err := s.usageFilter(ctx)
	if err != nil {
		apierr.WriteInvalid(ctx, err.Error())
		return
	}
	st, err := s.usage.Stats(ctx, f)
	if err != nil {
		s.internal(ctx, "usage_stats_failed", err)
		return
	}

	resp := usageStatsResponse{Period: string(period), Stats: st}
	if !f.From.IsZero() {
		resp.From = &f.From
	}
	if !f.To.IsZero() {
		resp.To = &f.To
	}
	writeJSON(ctx, resp)
}

func (s *Server) handleUsageExport(ctx *fasthttp.RequestCtx) {
	period, f, err := s.usageFilter(ctx)
	if err != nil {
		apierr.WriteInvalid(ctx, err.Error())
		return
	}
	data, err := usage.ExportCSV(ctx, s.usage, f)
	if err != nil {
		s.internal(ctx, "usage_export_failed", err)
		return
	}
	name := fmt.Sprintf("usage-%s-%s.csv", period, s.now().UTC().Format(time.DateOnly))
	ctx.Response.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	ctx.SetContentType("text/csv; charset=utf-8")
	ctx.SetBody(data)
}

// --- cache --------------------------------------------------------------------

func (s *Server) handleCacheStats(ctx *fasthttp.RequestCtx) {
	if s.cache == nil {
		writeJSON(ctx, map[string]any{"enabled": false})
		return
	}
	st, err := s.cache.Stats(ctx)
	if err != nil {
		s.internal(ctx, "cache_stats_failed", err)
		return
	}
	writeJSON(ctx, map[string]any{"enabled": true, "stats": st})
}

func (s *Server) handleCacheClear(ctx *fasthttp.RequestCtx) {
	if s.cache == nil {
		writeJSON(ctx, map[string]int{"removed": 0})
		return
	}
	n, err := s.cache.Clear(ctx)
	if err != nil {
		s.internal(ctx, "cache_clear_failed", err)
		return
	}
	s.log.InfoContext(ctx, "cache_cleared",
		slog.Int("removed", n),
		slog.String("by", identity(ctx).UserID),
	)
	writeJSON(ctx, map[string]int{"removed": n})
}

// --- settings -------------------------------------------------------------------

func (s *Server) handleSettingsGet(ctx *fasthttp.RequestCtx) {
	cur, err := s.settings.Get(ctx)
	if err != nil {
		s.internal(ctx, "settings_get_failed", err)
		return
	}
	writeJSON(ctx, cur)
}

// handleSettingsUpdate applies a partial JSON document on top of the
// current record; fields that are absent keep their value.
func (s *Server) handleSettingsUpdate(ctx *fasthttp.RequestCtx) {
	cur, err := s.settings.Get(ctx)
	if err != nil {
		s.internal(ctx, "settings_get_failed", err)
		return
	}
	if err := json.Unmarshal(ctx.PostBody(), &cur); err != nil {
		apierr.WriteInvalid(ctx, "request body must be a JSON settings object")
		return
	}

	saved, err := s.settings.Update(ctx, cur)
	if err != nil {
		if errors.Is(err, settings.ErrInvalid) {
			apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidSettings)
			return
		}
		s.internal(ctx, "settings_update_failed", err)
		return
	}
	s.log.InfoContext(ctx, "settings_updated", slog.String("by", identity(ctx).UserID))
	writeJSON(ctx, saved)
}

func (s *Server) handleSettingsReset(ctx *fasthttp.RequestCtx) {
	def, err := s.settings.Reset(ctx)
	if err != nil {
		s.internal(ctx, "settings_reset_failed", err)
		return
	}
	s.log.InfoContext(ctx, "settings_reset", slog.String("by", identity(ctx).UserID))
	writeJSON(ctx, def)
}

// --- keys -----------------------------------------------------------------------

type keyStatus struct {
	Provider   string `json:"provider"`
	Configured bool   `json:"configured"`
	Key        string `json:"key,omitempty"`
}

func (s *Server) handleKeysList(ctx *fasthttp.RequestCtx) {
	stored, err := s.keys.List(ctx)
	if err != nil {
		s.internal(ctx, "keys_list_failed", err)
		return
	}
	out := make([]keyStatus, 0, len(providers.Known))
	for _, name := range providers.Known {
		k, ok := stored[name]
		st := keyStatus{Provider: name, Configured: ok}
		if ok {
			st.Key = k.Masked()
		}
		out = append(out, st)
	}
	writeJSON(ctx, out)
}

func (s *Server) handleKeySet(ctx *fasthttp.RequestCtx) {
	provider := pathParam(ctx, "provider")
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil || strings.TrimSpace(body.APIKey) == "" {
		apierr.WriteInvalid(ctx, `request body must be {"api_key": "..."}`)
		return
	}

	key := keys.Secret(strings.TrimSpace(body.APIKey))
	if err := s.keys.Set(ctx, provider, key); err != nil {
		if errors.Is(err, keys.ErrUnknownProvider) {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("unknown provider %q", provider),
				apierr.TypeInvalidRequest, apierr.CodeUnsupportedProvider)
			return
		}
		s.internal(ctx, "key_set_failed", err)
		return
	}
	s.log.InfoContext(ctx, "api_key_updated",
		slog.String("provider", provider),
		slog.Any("key", key),
		slog.String("by", identity(ctx).UserID),
	)
	writeJSON(ctx, keyStatus{Provider: provider, Configured: true, Key: key.Masked()})
}

func (s *Server) handleKeyDelete(ctx *fasthttp.RequestCtx) {
	provider := pathParam(ctx, "provider")
	if !providers.IsKnown(provider) {
		apierr.WriteNotFound(ctx, fmt.Sprintf("unknown provider %q", provider))
		return
	}
	if err := s.keys.Delete(ctx, provider); err != nil {
		s.internal(ctx, "key_delete_failed", err)
		return
	}
	s.log.InfoContext(ctx, "api_key_deleted",
		slog.String("provider", provider),
		slog.String("by", identity(ctx).UserID),
	)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// --- templates ------------------------------------------------------------------

func (s *Server) handleTemplatesList(ctx *fasthttp.RequestCtx) {
	list, err := prompt.ListEffective(ctx, s.templates)
	if err != nil {
		s.internal(ctx, "templates_list_failed", err)
		return
	}
	writeJSON(ctx, list)
}

func (s *Server) handleTemplateGet(ctx *fasthttp.RequestCtx) {
	typ := pathParam(ctx, "type")
	t, err := prompt.Resolve(ctx, s.templates, typ)
	if err != nil {
		if errors.Is(err, prompt.ErrUnknownType) {
			apierr.WriteNotFound(ctx, fmt.Sprintf("no template for type %q", typ))
			return
		}
		s.internal(ctx, "template_get_failed", err)
		return
	}
	writeJSON(ctx, map[string]any{"template": t, "placeholders": t.Placeholders()})
}

func (s *Server) handleTemplatePut(ctx *fasthttp.RequestCtx) {
	var t prompt.Template
	if err := json.Unmarshal(ctx.PostBody(), &t); err != nil {
		apierr.WriteInvalid(ctx, "request body must be a JSON template")
		return
	}
	t.Type = pathParam(ctx, "type")
	t.Builtin = false
	t.UpdatedAt = s.now().UTC()
	if err := t.Validate(); err != nil {
		apierr.WriteInvalid(ctx, err.Error())
		return
	}
	if err := s.templates.Put(ctx, t); err != nil {
		s.internal(ctx, "template_put_failed", err)
		return
	}
	s.log.InfoContext(ctx, "template_saved",
		slog.String("type", t.Type),
		slog.String("by", identity(ctx).UserID),
	)
	writeJSON(ctx, t)
}

func (s *Server) handleTemplateDelete(ctx *fasthttp.RequestCtx) {
	typ := pathParam(ctx, "type")
	if err := s.templates.Delete(ctx, typ); err != nil {
		s.internal(ctx, "template_delete_failed", err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// --- health ---------------------------------------------------------------------

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": s.version})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// --- helpers --------------------------------------------------------------------

func (s *Server) internal(ctx *fasthttp.RequestCtx, event string, err error) {
	s.log.ErrorContext(ctx, event, slog.String("error", err.Error()))
	apierr.WriteInternal(ctx)
}

func pathParam(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
