package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/provider/anthropic"
	"github.com/felipepmaragno/tiergate/internal/telemetry"
	"github.com/felipepmaragno/tiergate/internal/tier"
)

// passthroughHeaders are copied from the upstream reply to the client.
var passthroughHeaders = []string{"Content-Type", "Cache-Control", "request-id", "anthropic-ratelimit-requests-remaining"}

// handleMessages serves the native Anthropic Messages API for agent SDK
// clients, with the same tier and quota gating as chat completions.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	req := h.begin(w, r)
	if !h.allowRate(w, r, req, tier.EndpointMessages) {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	model := anthropic.PassthroughModel(body)
	if model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	d, ok := h.authorize(w, r, req, model)
	if !ok {
		return
	}

	ctx, span := telemetry.StartSpan(r.Context(), "gateway.messages_passthrough")
	defer span.End()
	telemetry.AddRequestAttributes(span, req.caller.Key, string(req.caller.Tier), string(tier.ProviderAnthropic), model, req.id)

	resp, err := h.router.Passthrough(ctx, body, r.Header)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		if errors.Is(err, domain.ErrPassthroughDisabled) {
			writeError(w, http.StatusNotImplemented, "anthropic passthrough is not configured")
			h.finish(ctx, req, d, model, string(tier.ProviderAnthropic), "disabled")
			return
		}
		h.upstreamFailed(ctx, w, req, d, model, string(tier.ProviderAnthropic), err)
		return
	}
	defer resp.Body.Close()

	for _, k := range passthroughHeaders {
		if v := resp.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	status := "ok"
	if resp.StatusCode >= 400 {
		status = "upstream_error"
	}
	if err := copyFlushing(w, resp.Body, anthropic.PassthroughStreaming(body)); err != nil {
		status = "client_closed"
		h.logger.Info("passthrough ended early", "error", err, "request_id", req.id)
	}
	h.finish(ctx, req, d, model, string(tier.ProviderAnthropic), status)
}

// copyFlushing relays src to w, flushing after every read when streaming.
func copyFlushing(w http.ResponseWriter, src io.Reader, streaming bool) error {
	flusher, canFlush := w.(http.Flusher)
	if !streaming || !canFlush {
		_, err := io.Copy(w, src)
		return err
	}

	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			flusher.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
