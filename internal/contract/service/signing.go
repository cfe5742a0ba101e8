package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/signflow/internal/config"
	"github.com/smallbiznis/signflow/internal/contract/domain"
	eventdomain "github.com/smallbiznis/signflow/internal/contractevent/domain"
	notificationdomain "github.com/smallbiznis/signflow/internal/notification/domain"
	"github.com/smallbiznis/signflow/internal/observability/logger"
	"github.com/smallbiznis/signflow/internal/signingtoken"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) ResolveToken(ctx context.Context, presented string) (*domain.Contract, error) {
	raw, err := signingtoken.NormalizeToken(presented)
	if err != nil {
		return nil, domain.ErrInvalidToken
	}

	contract, err := s.repo.FindByTokenHash(ctx, s.db, s.codec.HashToken(raw))
	if err != nil {
		return nil, err
	}
	if contract == nil && s.cfg.SigningToken.LegacyLookup {
		contract, err = s.repo.FindByLegacyToken(ctx, s.db, raw)
		if err != nil {
			return nil, err
		}
		if contract != nil {
			logger.WithContract(s.log, contract.ID.String()).Warn("contract resolved by legacy raw token")
		}
	}
	if contract == nil {
		return nil, domain.ErrInvalidToken
	}
	if contract.SigningTokenHash != nil && !s.codec.VerifyToken(raw, *contract.SigningTokenHash) {
		return nil, domain.ErrInvalidToken
	}
	return contract, nil
}

func (s *Service) ViewByToken(ctx context.Context, presented string) (*domain.Contract, error) {
	contract, err := s.ResolveToken(ctx, presented)
	if err != nil {
		return nil, err
	}
	if err := contract.CheckViewAccess(s.clock.Now().UTC()); err != nil {
		return nil, err
	}
	return contract, nil
}

// Sign records the client's acceptance. A repeated submission by the same
// signer returns the stored confirmation unchanged.
func (s *Service) Sign(ctx context.Context, presented string, req domain.SignRequest) (*domain.SignResult, error) {
	name := strings.Join(strings.Fields(req.FullName), " ")
	if name == "" {
		return nil, domain.ErrSignerRequired
	}

	contract, err := s.ResolveToken(ctx, presented)
	if err != nil {
		return nil, err
	}
	raw, _ := signingtoken.NormalizeToken(presented)

	replay, err := contract.CheckSignAccess(s.clock.Now().UTC(), name)
	if err != nil {
		return nil, err
	}
	if replay {
		return s.signResult(contract, raw, true), nil
	}

	policy := s.currentPolicy()
	var signature *domain.Signature
	if strings.TrimSpace(req.SignatureDataURL) != "" {
		signature, err = domain.ParseSignatureDataURL(req.SignatureDataURL, policy.Signing.AllowedSignatureTypes, s.cfg.SigningToken.MaxSignatureBytes)
		if err != nil {
			return nil, err
		}
	}

	now := s.clock.Now().UTC()
	signer := domain.SignerDetails{
		Name:      name,
		IPAddress: strings.TrimSpace(req.IPAddress),
		UserAgent: truncate(strings.TrimSpace(req.UserAgent), 512),
	}
	if signature != nil {
		key := domain.SignatureObjectKey(contract.CompanyID, contract.ID, name, signature.Extension(), now)
		// The image is stored first; a failed update below leaves an
		// unreferenced object rather than a dangling key.
		if err := s.signatures.Put(ctx, key, signature.ContentType, signature.Data); err != nil {
			return nil, err
		}
		signer.SignatureObjectKey = key
	}

	var lost bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		moved, err := s.repo.MarkSigned(ctx, tx, contract.ID, signer, now)
		if err != nil {
			return err
		}
		if moved == 0 {
			lost = true
			return nil
		}
		return s.events.LogEventTx(ctx, tx, eventdomain.LogEventRequest{
			ContractID: contract.ID,
			CompanyID:  contract.CompanyID,
			EventType:  eventdomain.EventSigned,
			ActorType:  eventdomain.ActorClient,
			ActorID:    contract.ClientID.String(),
			Metadata: map[string]any{
				"signer_name":          signer.Name,
				"ip_address":           signer.IPAddress,
				"user_agent":           signer.UserAgent,
				"signature_object_key": signer.SignatureObjectKey,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if lost {
		// A concurrent submission won; answer from its outcome.
		current, err := s.repo.FindByID(ctx, s.db, contract.ID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, domain.ErrContractNotFound
		}
		replay, err := current.CheckSignAccess(s.clock.Now().UTC(), name)
		if err != nil {
			return nil, err
		}
		if !replay {
			return nil, domain.ErrTokenUsed
		}
		return s.signResult(current, raw, true), nil
	}

	logger.WithContract(s.log, contract.ID.String()).Info("contract signed")
	s.recordTransition(ctx, domain.StatusSent, domain.StatusSigned)

	signed, err := s.repo.FindByID(ctx, s.db, contract.ID)
	if err != nil {
		return nil, err
	}
	result := s.signResult(signed, raw, false)
	notice := notificationdomain.Notice{
		Kind:       notificationdomain.KindContractSigned,
		ContractID: signed.ID,
		SignerName: name,
		AmountDue:  signed.TotalAmount,
	}
	if signed.RequiresPayment() {
		notice.Link = result.PaymentURL
	}
	s.notifier.Dispatch(ctx, notice)
	return result, nil
}

// Signature returns the stored image for a contract the token may view.
func (s *Service) Signature(ctx context.Context, presented string) ([]byte, string, error) {
	contract, err := s.ViewByToken(ctx, presented)
	if err != nil {
		return nil, "", err
	}
	if contract.SignatureObjectKey == nil || *contract.SignatureObjectKey == "" {
		return nil, "", domain.ErrSignatureInvalid
	}
	data, contentType, err := s.signatures.Get(ctx, *contract.SignatureObjectKey)
	if err != nil {
		s.log.Warn("signature image unavailable", zap.String("contract_id", contract.ID.String()), zap.Error(err))
		return nil, "", err
	}
	return data, contentType, nil
}

func (s *Service) signResult(contract *domain.Contract, raw string, replay bool) *domain.SignResult {
	result := &domain.SignResult{Contract: contract, AlreadySigned: replay}
	if contract.RequiresPayment() {
		result.PaymentURL = s.paymentURL(raw)
	}
	return result
}

func (s *Service) currentPolicy() config.Policy {
	if s.policy == nil {
		return config.DefaultPolicy()
	}
	return s.policy.Get()
}

func truncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n]
}
