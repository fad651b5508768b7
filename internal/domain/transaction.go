package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type TransactionStatus string

const (
	TransactionInProgress TransactionStatus = "InProgress"
	TransactionConfirmed  TransactionStatus = "Confirmed"
	TransactionCanceled   TransactionStatus = "Canceled"
	TransactionExpired    TransactionStatus = "Expired"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionInProgress: {TransactionConfirmed, TransactionCanceled, TransactionExpired},
}

func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type CustomerProfile struct {
	Email      string `json:"email"`
	Telephone  string `json:"telephone"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Age        string `json:"age,omitempty"`
	Address    string `json:"address"`
	Gender     string `json:"gender,omitempty"`
}

type Passport struct {
	Issuer string `json:"iss"`
	Scope  string `json:"scope"`
	Token  string `json:"-"`
}

// Transaction is a place-order transaction accumulating authorize actions.
type Transaction struct {
	ID            uuid.UUID
	Status        TransactionStatus
	Agent         Participant
	Seller        Participant
	Customer      *CustomerProfile
	PassportToken string
	ClientID      string
	Expires       time.Time
	StartDate     time.Time
	EndDate       *time.Time
}

func NewTransaction(agent, seller Participant, clientID string, passport *Passport, expires, now time.Time) Transaction {
	tx := Transaction{
		ID:        uuid.New(),
		Status:    TransactionInProgress,
		Agent:     agent,
		Seller:    seller,
		ClientID:  clientID,
		Expires:   expires,
		StartDate: now,
	}
	if passport != nil {
		tx.PassportToken = passport.Token
	}
	return tx
}

func (t *Transaction) CheckAgent(agentID string) error {
	if t.Agent.ID != agentID {
		return errors.Wrap(ErrForbidden, "a specified transaction is not yours")
	}
	return nil
}

func (t *Transaction) Transition(next TransactionStatus, now time.Time) error {
	if !t.Status.CanTransitionTo(next) {
		return errors.Wrapf(ErrInvalidTransition, "transaction %s: %s -> %s", t.ID, t.Status, next)
	}
	t.Status = next
	t.EndDate = &now
	return nil
}
