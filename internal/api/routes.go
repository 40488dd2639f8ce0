// Package api provides HTTP handlers for the multiscale image server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/multiscale-tiles/server/internal/dims"
	"github.com/multiscale-tiles/server/internal/geom"
	"github.com/multiscale-tiles/server/internal/image"
	"github.com/multiscale-tiles/server/internal/render"
	"github.com/multiscale-tiles/server/internal/service"
	"github.com/multiscale-tiles/server/pkg/colormap"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *ImageRegistry
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   regionHeaders,
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/images", imagesHandler(cfg.Registry))
	r.Get("/api/colormaps", colormapsHandler)

	// Image-scoped routes: /d/{image}/...
	r.Route("/d/{image}", func(r chi.Router) {
		r.Use(imageMiddleware(cfg.Registry))

		r.Get("/region", withImage(regionHandler))
		r.Get("/region/info", withImage(regionInfoHandler))
		r.Get("/slices/{scale}/{axis}.png", withImage(sliceHandler))

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", withImage(metadataHandler))
			r.Get("/scales/{scale}/bounds", withImage(boundsHandler))
			r.Get("/stats", withImage(statsHandler))
		})
	})

	return r
}

// Headers describing the raw region body.
const (
	headerSize          = "X-Image-Size"
	headerOrigin        = "X-Image-Origin"
	headerSpacing       = "X-Image-Spacing"
	headerDirection     = "X-Image-Direction"
	headerComponentType = "X-Image-Component-Type"
	headerComponents    = "X-Image-Components"
	headerScale         = "X-Image-Scale"
	headerRanges        = "X-Image-Ranges"
)

var regionHeaders = []string{
	headerSize, headerOrigin, headerSpacing, headerDirection,
	headerComponentType, headerComponents, headerScale, headerRanges,
}

// Context key for image service
type ctxKey string

const imageServiceKey ctxKey = "imageService"

// imageMiddleware resolves the image from URL and injects its service into context.
func imageMiddleware(registry *ImageRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			imageID := chi.URLParam(r, "image")
			svc := registry.Get(imageID)
			if svc == nil {
				http.Error(w, "image not found: "+imageID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), imageServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getImageService(r *http.Request) *service.ImageService {
	if svc, ok := r.Context().Value(imageServiceKey).(*service.ImageService); ok {
		return svc
	}
	return nil
}

// withImage adapts an image handler factory to the image-scoped routes.
func withImage(h func(*service.ImageService) http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getImageService(r)
		if svc == nil {
			http.Error(w, "image service not found", http.StatusInternalServerError)
			return
		}
		h(svc)(w, r)
	}
}

// statusOf maps service and pipeline errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, render.ErrUnknownColormap):
		return http.StatusBadRequest
	case errors.Is(err, image.ErrTransformNotComputed):
		return http.StatusConflict
	}
	stage, ok := image.StageOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch stage {
	case image.StageBounds:
		return http.StatusBadRequest
	case image.StageFetch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[Server] %v", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// imagesHandler returns the list of available images.
func imagesHandler(registry *ImageRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"default": registry.DefaultImageID(),
			"images":  registry.Images(),
			"title":   registry.Title(),
		})
	}
}

func colormapsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, colormap.Names())
}

func metadataHandler(svc *service.ImageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		md, err := svc.Metadata(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, md)
	}
}

func boundsHandler(svc *service.ImageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scale, err := strconv.Atoi(chi.URLParam(r, "scale"))
		if err != nil {
			http.Error(w, "invalid scale", http.StatusBadRequest)
			return
		}
		b, err := svc.Bounds(scale)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, b)
	}
}

func statsHandler(svc *service.ImageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Stats())
	}
}

// parseRegionRequest reads scale, bounds (world), normalized, t and c.
func parseRegionRequest(r *http.Request) (service.RegionRequest, error) {
	q := r.URL.Query()
	var req service.RegionRequest
	var err error
	if v := q.Get("scale"); v != "" {
		if req.Scale, err = strconv.Atoi(v); err != nil {
			return req, fmt.Errorf("%w: invalid scale %q", service.ErrInvalidRequest, v)
		}
	}
	if v := q.Get("bounds"); v != "" {
		b, err := parseBounds(v)
		if err != nil {
			return req, err
		}
		req.World = &b
	}
	if v := q.Get("normalized"); v != "" {
		b, err := parseBounds(v)
		if err != nil {
			return req, err
		}
		req.Normalized = &b
	}
	if req.Time, err = optionalInt(q.Get("t"), "t"); err != nil {
		return req, err
	}
	if req.Component, err = optionalInt(q.Get("c"), "c"); err != nil {
		return req, err
	}
	return req, nil
}

func optionalInt(v, name string) (*int, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s %q", service.ErrInvalidRequest, name, v)
	}
	return &n, nil
}

// parseBounds reads "xmin,xmax,ymin,ymax[,zmin,zmax]". Omitted z is [0, 0].
func parseBounds(v string) (geom.Bounds, error) {
	values, err := parseFloats(v)
	if err != nil {
		return geom.Bounds{}, err
	}
	if len(values) != 4 && len(values) != 6 {
		return geom.Bounds{}, fmt.Errorf("%w: bounds need 4 or 6 values, got %d", service.ErrInvalidRequest, len(values))
	}
	var b geom.Bounds
	copy(b[:], values)
	return b, nil
}

func parseFloats(v string) ([]float64, error) {
	parts := strings.Split(v, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q", service.ErrInvalidRequest, p)
		}
		out[i] = f
	}
	return out, nil
}

func joinFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func regionHandler(svc *service.ImageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseRegionRequest(r)
		if err != nil {
			writeError(w, err)
			return
		}
		region, err := svc.Region(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}

		h := w.Header()
		size := make([]string, len(region.Size))
		for i, n := range region.Size {
			size[i] = strconv.Itoa(n)
		}
		h.Set(headerSize, strings.Join(size, ","))
		h.Set(headerOrigin, joinFloats(region.Origin))
		h.Set(headerSpacing, joinFloats(region.Spacing))
		h.Set(headerDirection, joinFloats(region.Direction))
		h.Set(headerComponentType, region.ImageType.ComponentType.String())
		h.Set(headerComponents, strconv.Itoa(region.ImageType.Components))
		h.Set(headerScale, strconv.Itoa(region.Scale))
		if len(region.Ranges) > 0 {
			flat := make([]float64, 0, 2*len(region.Ranges))
			for _, rg := range region.Ranges {
				flat = append(flat, rg[0], rg[1])
			}
			h.Set(headerRanges, joinFloats(flat))
		}
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Length", strconv.Itoa(len(region.Data)))
		w.Write(region.Data)
	}
}

func regionInfoHandler(svc *service.ImageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseRegionRequest(r)
		if err != nil {
			writeError(w, err)
			return
		}
		region, err := svc.Region(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, region)
	}
}

func sliceHandler(svc *service.ImageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scale, err := strconv.Atoi(chi.URLParam(r, "scale"))
		if err != nil {
			http.Error(w, "invalid scale", http.StatusBadRequest)
			return
		}
		axis, err := dims.Parse(chi.URLParam(r, "axis"))
		if err != nil {
			http.Error(w, "invalid axis", http.StatusBadRequest)
			return
		}

		q := r.URL.Query()
		req := service.SliceRequest{
			Scale:    scale,
			Axis:     axis,
			Position: 0.5,
			Colormap: q.Get("colormap"),
		}
		if v := q.Get("position"); v != "" {
			if req.Position, err = strconv.ParseFloat(v, 64); err != nil {
				http.Error(w, "invalid position", http.StatusBadRequest)
				return
			}
		}
		for name, dst := range map[string]*int{"t": &req.Time, "c": &req.Component} {
			if v := q.Get(name); v != "" {
				if *dst, err = strconv.Atoi(v); err != nil {
					http.Error(w, "invalid "+name, http.StatusBadRequest)
					return
				}
			}
		}
		if v := q.Get("window"); v != "" {
			values, err := parseFloats(v)
			if err != nil || len(values) != 2 {
				http.Error(w, "invalid window", http.StatusBadRequest)
				return
			}
			req.Window = &[2]float64{values[0], values[1]}
		}

		data, err := svc.SlicePNG(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}
