// Package provider defines the adapter boundary to the external generative
// AI services. Adapters receive the credential for each call from the retry
// orchestrator; they never choose or cache which key to use.
package provider

import "context"

// Image is raw image bytes with their MIME type.
type Image struct {
	Data     []byte
	MIMEType string
}

// GeneratedImage is the result of a text-to-image call.
type GeneratedImage struct {
	Image
	Model string
}

// CompareRequest asks a vision model how closely Generated matches Target
// given the Prompt that produced Generated.
type CompareRequest struct {
	Prompt    string
	Target    Image
	Generated Image
}

// Comparison is the vision model's structured similarity judgment.
type Comparison struct {
	Similarity   int      `json:"similarity"`
	Feedback     string   `json:"feedback"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
}

// ImageGenerator turns a text prompt into an image.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, credential, prompt string) (*GeneratedImage, error)
}

// ImageAnalyzer compares a generated image against a target image.
type ImageAnalyzer interface {
	CompareImages(ctx context.Context, credential string, req CompareRequest) (*Comparison, error)
}
