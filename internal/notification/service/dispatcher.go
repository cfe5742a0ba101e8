package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/signflow/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/signflow/internal/observability/metrics"
	"github.com/smallbiznis/signflow/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sendTimeout = 30 * time.Second

type Params struct {
	fx.In

	Lc         fx.Lifecycle `optional:"true"`
	DB         *gorm.DB
	Log        *zap.Logger
	Directory  domain.Directory
	Email      email.Provider
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Dispatcher struct {
	db         *gorm.DB
	log        *zap.Logger
	directory  domain.Directory
	email      email.Provider
	obsMetrics *obsmetrics.Metrics

	// async sends run detached from the request; wg lets shutdown drain them.
	async bool
	wg    sync.WaitGroup
}

func NewDispatcher(p Params) domain.Dispatcher {
	d := newDispatcher(p, true)
	if p.Lc != nil {
		p.Lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				d.Drain(ctx)
				return nil
			},
		})
	}
	return d
}

// NewSyncDispatcher sends inline. Tests and the CLI use it.
func NewSyncDispatcher(p Params) *Dispatcher {
	return newDispatcher(p, false)
}

func newDispatcher(p Params, async bool) *Dispatcher {
	return &Dispatcher{
		db:         p.DB,
		log:        p.Log.Named("notification.dispatcher"),
		directory:  p.Directory,
		email:      p.Email,
		obsMetrics: p.ObsMetrics,
		async:      async,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, notice domain.Notice) {
	if !d.async {
		d.deliver(ctx, notice)
		return
	}
	detached := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(detached, sendTimeout)
		defer cancel()
		d.deliver(sendCtx, notice)
	}()
}

// Drain waits for in-flight sends or until ctx ends.
func (d *Dispatcher) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("notification drain interrupted", zap.Error(ctx.Err()))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, notice domain.Notice) {
	log := d.log.With(
		zap.String("kind", string(notice.Kind)),
		zap.String("contract_id", notice.ContractID.String()),
	)

	audience := domain.AudienceFor(notice.Kind)
	if audience == 0 {
		log.Warn("notification kind has no audience")
		d.record(ctx, notice.Kind, "skipped")
		return
	}

	parties, err := d.directory.LookupParties(ctx, d.db, notice.ContractID)
	if err != nil || parties == nil {
		log.Warn("notification recipients unavailable", zap.Error(err))
		d.record(ctx, notice.Kind, "failed")
		return
	}

	if audience&domain.AudienceClient != 0 {
		d.send(ctx, log, notice, parties, parties.Client, notice.Link)
	}
	if audience&domain.AudienceContractor != 0 {
		d.send(ctx, log, notice, parties, parties.Contractor, "")
	}
}

func (d *Dispatcher) send(ctx context.Context, log *zap.Logger, notice domain.Notice, parties *domain.Parties, to domain.Recipient, link string) {
	if strings.TrimSpace(to.Email) == "" {
		d.record(ctx, notice.Kind, "skipped")
		return
	}
	data := templateData{
		CompanyName:    parties.CompanyName,
		ContractTitle:  parties.ContractTitle,
		ContractorName: parties.Contractor.Name,
		RecipientName:  to.Name,
		SignerName:     notice.SignerName,
		Link:           link,
		Currency:       strings.ToUpper(parties.Currency),
		Reason:         notice.Reason,
	}
	if notice.Amount.IsPositive() {
		data.Amount = notice.Amount.StringFixed(2)
	}
	if notice.AmountDue.IsPositive() {
		data.AmountDue = notice.AmountDue.StringFixed(2)
	}

	if err := d.email.SendTemplate(ctx, []string{to.Email}, string(notice.Kind), data); err != nil {
		log.Warn("notification send failed", zap.Error(err))
		d.record(ctx, notice.Kind, "failed")
		return
	}
	d.record(ctx, notice.Kind, "sent")
}

func (d *Dispatcher) record(ctx context.Context, kind domain.Kind, outcome string) {
	if d.obsMetrics != nil {
		d.obsMetrics.RecordNotification(ctx, string(kind), outcome)
	}
}

type templateData struct {
	CompanyName    string
	ContractTitle  string
	ContractorName string
	RecipientName  string
	SignerName     string
	Link           string
	Amount         string
	AmountDue      string
	Currency       string
	Reason         string
}
