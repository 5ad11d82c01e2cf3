// Package studio serves the player-facing image endpoints: text-to-image
// generation and comparison of a generated image against a target. Both run
// their provider call through the retry orchestrator so credential rotation
// and quarantine stay invisible to the player.
package studio

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/dskow/promptcraft/internal/apierror"
	"github.com/dskow/promptcraft/internal/media"
	"github.com/dskow/promptcraft/internal/middleware"
	"github.com/dskow/promptcraft/internal/provider"
	"github.com/dskow/promptcraft/internal/retry"
)

// MaxPromptLength is the longest prompt accepted, in characters.
const MaxPromptLength = 2000

const (
	opGenerate = "generateImage"
	opAnalyze  = "analyzeImage"
)

// Handler serves /generate and /analyze.
type Handler struct {
	generator provider.ImageGenerator
	analyzer  provider.ImageAnalyzer
	orch      *retry.Orchestrator
	logger    *slog.Logger
}

// New returns a Handler. generator and analyzer are usually the same
// adapter.
func New(generator provider.ImageGenerator, analyzer provider.ImageAnalyzer, orch *retry.Orchestrator, logger *slog.Logger) *Handler {
	return &Handler{generator: generator, analyzer: analyzer, orch: orch, logger: logger}
}

// Routes returns a router with the studio endpoints, meant to be mounted
// under /api.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/generate", h.generate)
	r.Post("/analyze", h.analyze)
	return r
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Image    string `json:"image"`
	MIMEType string `json:"mimeType"`
	Model    string `json:"model"`
}

type analyzeRequest struct {
	Prompt         string `json:"prompt"`
	TargetImage    string `json:"targetImage"`
	GeneratedImage string `json:"generatedImage"`
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	prompt, ok := validPrompt(w, r, req.Prompt)
	if !ok {
		return
	}

	img, err := retry.Do(r.Context(), h.orch, opGenerate,
		func(ctx context.Context, credential string) (*provider.GeneratedImage, error) {
			return h.generator.GenerateImage(ctx, credential, prompt)
		})
	if err != nil {
		h.writeProviderError(w, r, opGenerate, err)
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Image:    media.DataURL(img.Image),
		MIMEType: img.MIMEType,
		Model:    img.Model,
	})
}

func (h *Handler) analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	prompt, ok := validPrompt(w, r, req.Prompt)
	if !ok {
		return
	}
	if req.TargetImage == "" || req.GeneratedImage == "" {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest,
			"targetImage and generatedImage are required")
		return
	}

	var target, generated provider.Image
	var g errgroup.Group
	g.Go(func() (err error) {
		target, err = loadImage(req.TargetImage)
		return err
	})
	g.Go(func() (err error) {
		generated, err = loadImage(req.GeneratedImage)
		return err
	})
	if err := g.Wait(); err != nil {
		writeImageError(w, r, err)
		return
	}

	cmp, err := retry.Do(r.Context(), h.orch, opAnalyze,
		func(ctx context.Context, credential string) (*provider.Comparison, error) {
			return h.analyzer.CompareImages(ctx, credential, provider.CompareRequest{
				Prompt:    prompt,
				Target:    target,
				Generated: generated,
			})
		})
	if err != nil {
		h.writeProviderError(w, r, opAnalyze, err)
		return
	}

	writeJSON(w, http.StatusOK, cmp)
}

func loadImage(encoded string) (provider.Image, error) {
	data, err := media.DecodeBase64(encoded)
	if err != nil {
		return provider.Image{}, err
	}
	return media.Normalize(data)
}

// decodeJSON reports whether the body was decoded; on failure the error
// response has already been written.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			middleware.WriteBodyLimitError(w, r)
			return false
		}
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "request body must be a JSON object")
		return false
	}
	return true
}

func validPrompt(w http.ResponseWriter, r *http.Request, prompt string) (string, bool) {
	prompt = strings.TrimSpace(prompt)
	switch n := utf8.RuneCountInString(prompt); {
	case n == 0:
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "prompt is required")
		return "", false
	case n > MaxPromptLength:
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "prompt exceeds 2000 characters")
		return "", false
	}
	return prompt, true
}

func writeImageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, media.ErrInvalidEncoding):
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "images must be base64 or data URLs")
	case errors.Is(err, media.ErrUnsupportedImage):
		apierror.WriteJSON(w, r, http.StatusUnsupportedMediaType, apierror.UnsupportedMedia, "images must be PNG, JPEG, GIF, or WebP")
	case errors.Is(err, media.ErrImageTooLarge):
		apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge, "image exceeds size limit")
	default:
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "failed to process image")
	}
}

// writeProviderError maps orchestrator outcomes onto the error envelope.
// Provider error text is logged, never returned to the client.
func (h *Handler) writeProviderError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	var failed *retry.OperationFailedError
	isFailed := errors.As(err, &failed)
	switch {
	case retry.IsExhausted(err):
		apierror.WriteRetryable(w, r, apierror.CredentialsExhausted,
			"all provider credentials are temporarily blocked, retry later",
			h.orch.Config().RateLimitBlock)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Info("provider call abandoned", "operation", operation, "error", err)
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.RequestCancelled, "request cancelled")
	case isFailed && retry.IsPermanent(failed.LastErr):
		h.logger.Warn("provider rejected request", "operation", operation, "error", err)
		apierror.WriteJSON(w, r, http.StatusUnprocessableEntity, apierror.InvalidRequest,
			"the provider refused this request; try rewording the prompt")
	case isFailed:
		h.logger.Error("provider operation failed",
			"operation", operation,
			"attempts", failed.Attempts,
			"error", failed.LastErr,
		)
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.ProviderFailed,
			"image provider failed, try again")
	default:
		h.logger.Error("unexpected provider error", "operation", operation, "error", err)
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
