package main

import (
	"encoding/json"
	"image/png"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/kwv/facealign/align"
	"github.com/kwv/facealign/mesh"
	"go.uber.org/zap"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(store *ResultStore, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("http")
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Debug("health request", zap.String("remote", r.RemoteAddr))
		status := struct {
			Status     string    `json:"status"`
			Timestamp  time.Time `json:"timestamp"`
			HasResults bool      `json:"hasResults"`
			Meshes     int       `json:"meshes"`
		}{
			Status:     "ok",
			Timestamp:  time.Now(),
			HasResults: store.HasResults(),
			Meshes:     len(store.Outcomes()),
		}
		writeJSON(w, status, log)
	})

	mux.HandleFunc("GET /report.json", func(w http.ResponseWriter, r *http.Request) {
		report, ok := store.Report()
		if !ok {
			http.Error(w, "No report available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, report, log)
	})

	mux.HandleFunc("GET /outcomes", func(w http.ResponseWriter, r *http.Request) {
		outcomes := store.Outcomes()
		summaries := make([]align.OutcomeSummary, 0, len(outcomes))
		for _, o := range outcomes {
			summaries = append(summaries, align.Summarize(o))
		}
		writeJSON(w, summaries, log)
	})

	mux.HandleFunc("GET /outcome/{id}", func(w http.ResponseWriter, r *http.Request) {
		o, ok := store.Outcome(r.PathValue("id"))
		if !ok {
			http.Error(w, "Unknown mesh", http.StatusNotFound)
			return
		}
		writeJSON(w, o, log)
	})

	// /preview/{id}.png renders the aligned mesh as a raster image,
	// /preview/{id}.svg as vector panels. ?view=front|profile|top selects the
	// raster projection.
	mux.HandleFunc("GET /preview/{file}", func(w http.ResponseWriter, r *http.Request) {
		file := r.PathValue("file")
		ext := path.Ext(file)
		id := strings.TrimSuffix(file, ext)
		if ext != ".png" && ext != ".svg" {
			http.Error(w, "Preview must be .png or .svg", http.StatusNotFound)
			return
		}

		o, ok := store.Outcome(id)
		if !ok {
			http.Error(w, "Unknown mesh", http.StatusNotFound)
			return
		}
		if o.Final == nil || o.Final.OutputPath == "" {
			http.Error(w, "No aligned mesh for "+id, http.StatusServiceUnavailable)
			return
		}
		m, err := mesh.ReadPLY(o.Final.OutputPath)
		if err != nil {
			log.Warn("reading aligned mesh", zap.String("mesh", id), zap.Error(err))
			http.Error(w, "Aligned mesh unreadable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Cache-Control", "no-cache")
		if ext == ".svg" {
			w.Header().Set("Content-Type", "image/svg+xml")
			if err := mesh.NewVectorRenderer(m).RenderToSVG(w); err != nil {
				log.Warn("rendering SVG preview", zap.String("mesh", id), zap.Error(err))
			}
			return
		}

		view, err := parseView(r.URL.Query().Get("view"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		label := id + " " + string(o.Final.Method)
		img := mesh.NewPreviewRenderer(label).Render(m, view)
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, img); err != nil {
			log.Warn("encoding PNG preview", zap.String("mesh", id), zap.Error(err))
		}
	})

	return mux
}

func parseView(s string) (mesh.View, error) {
	switch s {
	case "", "front":
		return mesh.ViewFront, nil
	case "profile":
		return mesh.ViewProfile, nil
	case "top":
		return mesh.ViewTop, nil
	default:
		return 0, &viewError{s}
	}
}

type viewError struct{ view string }

func (e *viewError) Error() string {
	return "unknown view " + e.view + " (want front, profile or top)"
}

func writeJSON(w http.ResponseWriter, v any, log *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("encoding JSON response", zap.Error(err))
	}
}
