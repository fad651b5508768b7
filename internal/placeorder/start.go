package placeorder

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

type StartParams struct {
	Agent            domain.Participant
	SellerIdentifier string
	ClientID         string
	PassportToken    string
	// Expires defaults to now plus the configured transaction TTL.
	Expires time.Time
}

func (s *Service) Start(ctx context.Context, p StartParams) (*domain.Transaction, error) {
	const op = "placeorder.Service.Start"

	if p.Agent.ID == "" {
		return nil, errors.Wrapf(domain.ErrArgument, "%s: agent required", op)
	}
	now := s.clock.Now()
	expires := p.Expires
	if expires.IsZero() {
		expires = now.Add(s.transactionTTL)
	}
	if !expires.After(now) {
		return nil, errors.Wrapf(domain.ErrArgument, "%s: expires must be in the future", op)
	}

	seller, err := s.deps.Sellers.FindByIdentifier(ctx, p.SellerIdentifier)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	var passport *domain.Passport
	if p.PassportToken != "" {
		if s.deps.Passports == nil {
			return nil, errors.Wrapf(domain.ErrServiceUnavailable, "%s: passport verification not configured", op)
		}
		if passport, err = s.deps.Passports.Verify(ctx, p.PassportToken, p.SellerIdentifier); err != nil {
			return nil, errors.Wrap(err, op)
		}
	}

	if p.Agent.Kind == "" {
		p.Agent.Kind = domain.ParticipantPerson
	}
	tx := domain.NewTransaction(p.Agent, seller, p.ClientID, passport, expires, now)
	if err := s.deps.Transactions.InsertTransaction(ctx, &tx); err != nil {
		return nil, errors.Wrap(err, op)
	}
	return &tx, nil
}

// SetCustomerContact validates the buyer's contact and stores it on the
// transaction. The telephone is parsed with the address as region and kept
// in E.164.
func (s *Service) SetCustomerContact(ctx context.Context, agentID string, transactionID uuid.UUID, contact domain.CustomerProfile) (domain.CustomerProfile, error) {
	const op = "placeorder.Service.SetCustomerContact"

	num, err := phonenumbers.Parse(contact.Telephone, strings.ToUpper(contact.Address))
	if err != nil {
		return domain.CustomerProfile{}, errors.Mark(errors.Wrapf(err, "%s: telephone", op), domain.ErrArgument)
	}
	if !phonenumbers.IsValidNumber(num) {
		return domain.CustomerProfile{}, errors.Wrapf(domain.ErrArgument, "%s: invalid phone number format", op)
	}
	if contact.Email != "" {
		if _, err := mail.ParseAddress(contact.Email); err != nil {
			return domain.CustomerProfile{}, errors.Mark(errors.Wrapf(err, "%s: email", op), domain.ErrArgument)
		}
	}

	profile := domain.CustomerProfile{
		Email:      contact.Email,
		Telephone:  phonenumbers.Format(num, phonenumbers.E164),
		GivenName:  contact.GivenName,
		FamilyName: contact.FamilyName,
		Age:        contact.Age,
		Address:    contact.Address,
		Gender:     contact.Gender,
	}

	tx, err := s.deps.Transactions.FindInProgressByID(ctx, transactionID)
	if err != nil {
		return domain.CustomerProfile{}, errors.Wrap(err, op)
	}
	if err := tx.CheckAgent(agentID); err != nil {
		return domain.CustomerProfile{}, errors.Wrap(err, op)
	}
	if err := s.deps.Transactions.UpdateCustomerProfile(ctx, tx.ID, profile); err != nil {
		return domain.CustomerProfile{}, errors.Wrap(err, op)
	}
	return profile, nil
}
