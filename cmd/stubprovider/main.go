// Package main provides a local stand-in for the Gemini REST API so the
// service can be exercised end to end without real credentials or quota.
// It answers Imagen ":predict" and Gemini ":generateContent" calls and can
// inject failures per credential.
//
// Environment:
//
//	STUB_FAIL_RATE        fraction of calls (0..1) answered with 503
//	STUB_RATE_LIMIT_KEYS  comma-separated API keys that always get 429
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dskow/promptcraft/internal/config"
	"github.com/dskow/promptcraft/internal/keypool"
)

type stub struct {
	failRate    float64
	limitedKeys map[string]bool
	logger      *slog.Logger
	imageSize   int
}

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	size := flag.Int("size", 256, "edge length of generated images")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	s := &stub{
		limitedKeys: make(map[string]bool),
		logger:      logger,
		imageSize:   *size,
	}
	if v := os.Getenv("STUB_FAIL_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil || rate < 0 || rate > 1 {
			logger.Error("STUB_FAIL_RATE must be between 0 and 1", "value", v)
			os.Exit(1)
		}
		s.failRate = rate
	}
	for _, k := range config.ParseCredentials(os.Getenv("STUB_RATE_LIMIT_KEYS")) {
		s.limitedKeys[k] = true
	}

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("stub provider listening",
		"addr", addr,
		"fail_rate", s.failRate,
		"rate_limited_keys", len(s.limitedKeys),
	)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func (s *stub) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/{version}/models/{call}", s.handle)
	return r
}

// handle dispatches on the "{model}:{method}" path segment.
func (s *stub) handle(w http.ResponseWriter, r *http.Request) {
	model, method, ok := strings.Cut(chi.URLParam(r, "call"), ":")
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown method")
		return
	}

	key := r.Header.Get("x-goog-api-key")
	log := s.logger.With("model", model, "method", method, "key", keypool.Mask(key))

	switch {
	case key == "":
		log.Warn("missing api key")
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "API key not valid. Please pass a valid API key.")
		return
	case s.limitedKeys[key]:
		log.Info("injected rate limit")
		writeError(w, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "Resource has been exhausted (e.g. check quota).")
		return
	case s.failRate > 0 && rand.Float64() < s.failRate:
		log.Info("injected failure")
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "The model is overloaded. Please try again later.")
		return
	}

	switch method {
	case "predict":
		s.predict(w, r, log)
	case "generateContent":
		s.generateContent(w, log)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown method "+method)
	}
}

type predictRequest struct {
	Instances []struct {
		Prompt string `json:"prompt"`
	} `json:"instances"`
}

func (s *stub) predict(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Instances) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "instances[0].prompt is required")
		return
	}
	prompt := req.Instances[0].Prompt

	data, err := s.solidImage(prompt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	log.Info("image generated", "prompt_len", len(prompt), "bytes", len(data))

	writeJSON(w, http.StatusOK, map[string]any{
		"predictions": []map[string]any{{
			"bytesBase64Encoded": base64.StdEncoding.EncodeToString(data),
			"mimeType":           "image/png",
		}},
	})
}

func (s *stub) generateContent(w http.ResponseWriter, log *slog.Logger) {
	similarity := rand.IntN(101)
	verdict, _ := json.Marshal(map[string]any{
		"similarity":   similarity,
		"feedback":     "Stub comparison: the images were not inspected.",
		"strengths":    []string{"prompt was accepted"},
		"improvements": []string{"describe lighting", "name an art style"},
	})
	log.Info("comparison generated", "similarity", similarity)

	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]any{{"text": string(verdict)}},
			},
			"finishReason": "STOP",
		}},
	})
}

// solidImage renders a PNG whose color is derived from prompt, so the same
// prompt always yields the same image.
func (s *stub) solidImage(prompt string) ([]byte, error) {
	h := fnv.New32a()
	h.Write([]byte(prompt))
	sum := h.Sum32()
	c := color.NRGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 255}

	img := image.NewNRGBA(image.Rect(0, 0, s.imageSize, s.imageSize))
	for y := 0; y < s.imageSize; y++ {
		for x := 0; x < s.imageSize; x++ {
			img.SetNRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeError(w http.ResponseWriter, status int, grpcStatus, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": message, "status": grpcStatus},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
