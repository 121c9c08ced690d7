// Package handlers contains the HTTP handlers for the claim relay API.
package handlers

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/compliflow/claimrelay/internal/queue"
	"github.com/compliflow/claimrelay/internal/service"
)

// mapServiceError translates service-layer errors into HTTP responses.
// Invalid claims are the caller's fault; a full queue asks them to back
// off and retry.
func mapServiceError(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidClaim):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		return huma.Error503ServiceUnavailable("queue at capacity, retry with backoff")
	default:
		return huma.Error500InternalServerError("internal error", err)
	}
}
