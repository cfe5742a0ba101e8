package authorization

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidActor   = errors.New("invalid_actor")
	ErrInvalidCompany = errors.New("invalid_company")
	ErrInvalidObject  = errors.New("invalid_object")
	ErrInvalidAction  = errors.New("invalid_action")
)

// Actor is the authenticated caller. System actors act for the scheduler
// and CLI.
type Actor struct {
	ContractorID snowflake.ID
	CompanyID    snowflake.ID
	System       bool
}

func SystemActor(companyID snowflake.ID) Actor {
	return Actor{CompanyID: companyID, System: true}
}

// Subject is the casbin subject for the actor.
func (a Actor) Subject() string {
	if a.System {
		return "system"
	}
	return "contractor:" + a.ContractorID.String()
}

type Service interface {
	Authorize(ctx context.Context, actor Actor, object, action string) error
	// AuthorizeOwned also accepts the ".own" variant of action when the
	// actor is the resource owner.
	AuthorizeOwned(ctx context.Context, actor Actor, object, action string, ownerID snowflake.ID) error
}
