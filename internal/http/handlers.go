package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tilefetch/internal/config"
	"tilefetch/internal/layer"
	"tilefetch/internal/provider"
	"tilefetch/internal/tile"
)

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	registry *layer.Registry
}

func New(config *config.Config, logger *zap.Logger, registry *layer.Registry) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		registry: registry,
	}
}

// Routes returns the API wrapped in the CORS and request logging middleware.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/layers", h.HandleLayers)
	mux.HandleFunc("/api/layers/", h.HandleLayerRoutes)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type layerSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	MaxLevel int    `json:"max_level"`
}

func (h *Handlers) HandleLayers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	layers := h.registry.List()
	out := make([]layerSummary, 0, len(layers))
	for _, l := range layers {
		out = append(out, layerSummary{
			ID:       l.Image.ID,
			Name:     l.Image.OriginalFilename,
			Width:    l.Image.Width,
			Height:   l.Image.Height,
			MaxLevel: l.Tiles.Schema().MaxLevel(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleLayerRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/layers/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}

	l, ok := h.registry.Get(parts[0])
	if !ok {
		http.Error(w, "layer not found: "+parts[0], http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "meta":
		h.handleMeta(w, r, l)
	case len(parts) == 2 && parts[1] == "viewport":
		h.handleViewport(w, r, l)
	case len(parts) == 2 && parts[1] == "frame":
		h.handleFrame(w, r, l)
	case len(parts) == 2 && parts[1] == "status":
		h.handleStatus(w, r, l)
	case len(parts) == 2 && parts[1] == "features":
		h.handleFeatures(w, r, l)
	case len(parts) == 5 && parts[1] == "tiles":
		h.handleTile(w, r, l, parts[2:])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleMeta(w http.ResponseWriter, r *http.Request, l *layer.Layer) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"image":  l.Image,
		"schema": l.Tiles.Schema(),
	})
}

type viewportRequest struct {
	Extent     tile.Extent `json:"extent"`
	Resolution float64     `json:"resolution"`
	CRS        string      `json:"crs"`
	Continuous bool        `json:"continuous"`
}

func (h *Handlers) handleViewport(w http.ResponseWriter, r *http.Request, l *layer.Layer) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req viewportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid viewport", http.StatusBadRequest)
		return
	}
	if req.Extent.IsEmpty() || req.Resolution <= 0 {
		http.Error(w, "Viewport needs a non-empty extent and a positive resolution", http.StatusBadRequest)
		return
	}

	info := tile.FetchInfo{Extent: req.Extent, Resolution: req.Resolution, CRS: req.CRS}
	if info.CRS == "" {
		info.CRS = l.Tiles.Schema().CRS
	}
	if req.Continuous {
		info.Change = tile.ChangeContinuous
	}
	l.SetViewport(info)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"level": l.Tiles.Schema().NearestLevel(info.Resolution),
	})
}

func (h *Handlers) handleFrame(w http.ResponseWriter, r *http.Request, l *layer.Layer) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, l.Tiles.Frame())
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request, l *layer.Layer) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, l.Tiles.Status())
}

func (h *Handlers) handleFeatures(w http.ResponseWriter, r *http.Request, l *layer.Layer) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	features := []provider.Feature{}
	var extent tile.Extent
	if l.Features != nil {
		found, info := l.Features.Features()
		features = append(features, found...)
		extent = info.Extent
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"extent":   extent,
		"features": features,
	})
}

func (h *Handlers) handleTile(w http.ResponseWriter, r *http.Request, l *layer.Layer, tileParts []string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var z, x, y int
	if _, err := fmt.Sscanf(tileParts[0], "%d", &z); err != nil {
		http.Error(w, "Invalid zoom level", http.StatusBadRequest)
		return
	}
	if _, err := fmt.Sscanf(tileParts[1], "%d", &x); err != nil {
		http.Error(w, "Invalid x coordinate", http.StatusBadRequest)
		return
	}

	tileFile := tileParts[2]
	ext := filepath.Ext(tileFile)
	if _, err := fmt.Sscanf(strings.TrimSuffix(tileFile, ext), "%d", &y); err != nil {
		http.Error(w, "Invalid y coordinate", http.StatusBadRequest)
		return
	}

	if z < 0 || x < 0 || y < 0 {
		http.Error(w, "Coordinates must be non-negative", http.StatusBadRequest)
		return
	}

	switch strings.TrimPrefix(ext, ".") {
	case "jpg", "jpeg", "png", "webp":
	default:
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}

	// Tiles are only served once the fetch workers put them in the cache.
	result, ok := l.Tiles.Tile(tile.Index{Level: z, Col: x, Row: y})
	if !ok {
		http.Error(w, "tile not loaded", http.StatusNotFound)
		return
	}

	w.Header().Set("ETag", `"`+result.ETag+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(result.Data)))
	w.Header().Set("X-Tile-Bytes", fmt.Sprintf("%d", len(result.Data)))
	w.Header().Set("Content-Type", http.DetectContentType(result.Data))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(result.Data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing
// but it's fine for a demo
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
