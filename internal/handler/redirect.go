package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shortlinker/shortlinker/internal/clicks"
	"github.com/shortlinker/shortlinker/internal/runtimecfg"
	"github.com/shortlinker/shortlinker/internal/service"
)

// RedirectHandler serves the redirect hot path.
type RedirectHandler struct {
	svc     *service.LinkService
	clicks  *clicks.Manager
	runtime *runtimecfg.Config
	logger  *slog.Logger
}

// NewRedirectHandler creates a RedirectHandler. A nil click manager
// leaves clicks unrecorded; a nil runtime config means misses always
// answer 404.
func NewRedirectHandler(svc *service.LinkService, clickMgr *clicks.Manager, runtime *runtimecfg.Config, logger *slog.Logger) *RedirectHandler {
	return &RedirectHandler{
		svc:     svc,
		clicks:  clickMgr,
		runtime: runtime,
		logger:  logger,
	}
}

// Redirect handles GET|HEAD /{code}. Live links answer 307; unknown or
// expired codes fall back to the configured default URL or 404. Lookup
// failures answer like misses, never 5xx.
func (h *RedirectHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	start := time.Now()

	link, err := h.svc.ResolveRedirect(r.Context(), code)
	if err != nil {
		if !errors.Is(err, service.ErrLinkNotFound) {
			h.logger.Error("redirect lookup failed", "code", code, "error", err)
		}
		h.miss(w, r, code, time.Since(start))
		return
	}

	// Fire-and-forget; the response never waits on click bookkeeping.
	if h.clicks != nil {
		h.clicks.Increment(code)
	}

	h.logger.Info("redirect served",
		"code", code,
		"duration_ms", float64(time.Since(start).Microseconds())/1000)

	setRedirectHeaders(w)
	http.Redirect(w, r, link.Target, http.StatusTemporaryRedirect)
}

// Root handles the bare host URL: default redirect if configured, 404
// otherwise. No click is recorded either way.
func (h *RedirectHandler) Root(w http.ResponseWriter, r *http.Request) {
	h.miss(w, r, "", 0)
}

func (h *RedirectHandler) miss(w http.ResponseWriter, r *http.Request, code string, duration time.Duration) {
	if target := h.defaultURL(); target != "" {
		h.logger.Info("redirect to default",
			"code", code,
			"duration_ms", float64(duration.Microseconds())/1000)
		setRedirectHeaders(w)
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
		return
	}

	h.logger.Info("redirect miss",
		"code", code,
		"duration_ms", float64(duration.Microseconds())/1000)
	setRedirectHeaders(w)
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "link not found"})
}

func (h *RedirectHandler) defaultURL() string {
	if h.runtime == nil {
		return ""
	}
	return h.runtime.GetString(runtimecfg.KeyDefaultRedirectURL, "")
}

func setRedirectHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Cache-Control", "private, max-age=0")
}
