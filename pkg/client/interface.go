// Package client defines the vision backend contract used to locate features
// on avatar images.
package client

import "context"

// VisionClient sends an image and a prompt to a vision-capable model.
type VisionClient interface {
	// SimpleQuery returns the model's free-form answer.
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	// QueryJSON asks the backend to constrain the answer to a JSON object and
	// returns the raw text. Callers still sanitize it; small models ignore
	// the constraint often enough.
	QueryJSON(ctx context.Context, model, prompt, imgB64 string) (string, error)
}
