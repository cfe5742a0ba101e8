package payment

import (
	"github.com/smallbiznis/signflow/internal/payment/adapters"
	"github.com/smallbiznis/signflow/internal/payment/adapters/stripe"
	"github.com/smallbiznis/signflow/internal/payment/repository"
	paymentservice "github.com/smallbiznis/signflow/internal/payment/service"
	"github.com/smallbiznis/signflow/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(stripe.NewGateway),
	fx.Provide(adapters.FromConfig),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
