// Package core bundles the domain services shared by every binary.
package core

import (
	"github.com/smallbiznis/signflow/internal/authorization"
	"github.com/smallbiznis/signflow/internal/contract"
	"github.com/smallbiznis/signflow/internal/contractevent"
	"github.com/smallbiznis/signflow/internal/notification"
	"github.com/smallbiznis/signflow/internal/payment"
	"github.com/smallbiznis/signflow/internal/providers/email"
	"github.com/smallbiznis/signflow/internal/signingtoken"
	"github.com/smallbiznis/signflow/internal/storage"
	"go.uber.org/fx"
)

var Module = fx.Module("core",
	authorization.Module,
	contractevent.Module,
	signingtoken.Module,
	storage.Module,
	email.Module,
	notification.Module,
	contract.Module,
	payment.Module,
)
