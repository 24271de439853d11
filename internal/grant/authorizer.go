package grant

import (
	"context"

	"github.com/google/uuid"
)

// Authorizer runs the host's consent flow and yields grant data.
// granted=false with a nil error is a clean decline.
type Authorizer interface {
	Authorize(ctx context.Context) (granted bool, data *Data, err error)
}

// AutoApprove grants capture without user interaction. X11 and the generic
// screen backend have no consent dialog, so this is what they use.
type AutoApprove struct {
	Source string
	// Deny turns the authorizer into one that always declines.
	Deny bool
}

// Authorize implements Authorizer
func (a AutoApprove) Authorize(ctx context.Context) (bool, *Data, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	if a.Deny {
		return false, nil, nil
	}
	return true, &Data{Source: a.Source, Token: uuid.NewString()}, nil
}
