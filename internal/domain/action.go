package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type ActionStatus string

const (
	ActionStarted   ActionStatus = "Started"
	ActionCompleted ActionStatus = "Completed"
	ActionFailed    ActionStatus = "Failed"
	ActionCanceled  ActionStatus = "Canceled"
)

var actionTransitions = map[ActionStatus][]ActionStatus{
	ActionStarted:   {ActionCompleted, ActionFailed},
	ActionCompleted: {ActionCanceled},
}

func (s ActionStatus) CanTransitionTo(next ActionStatus) bool {
	for _, allowed := range actionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type ObjectType string

const (
	ObjectSeatReservation ObjectType = "SeatReservation"
	ObjectPayment         ObjectType = "Payment"
)

type ParticipantKind string

const (
	ParticipantPerson       ParticipantKind = "Person"
	ParticipantOrganization ParticipantKind = "Organization"
)

type Participant struct {
	ID   string          `json:"id"`
	Kind ParticipantKind `json:"type"`
	Name string          `json:"name,omitempty"`
	URL  string          `json:"url,omitempty"`
}

type SeatReservationObject struct {
	PerformanceID    string          `json:"performance_id"`
	PerformanceStart time.Time       `json:"performance_start"`
	PerformanceEnd   time.Time       `json:"performance_end"`
	Offers           []AcceptedOffer `json:"offers"`
}

type PaymentObject struct {
	Amount int64  `json:"amount"`
	Method string `json:"method"`
}

type ActionObject struct {
	Type            ObjectType             `json:"type"`
	TransactionID   uuid.UUID              `json:"transaction_id"`
	SeatReservation *SeatReservationObject `json:"seat_reservation,omitempty"`
	Payment         *PaymentObject         `json:"payment,omitempty"`
}

// ActionResult holds the authorized amount. Seat reservations carry the
// temporary reservations, payments the gateway authorization id.
type ActionResult struct {
	Amount                int64                  `json:"amount"`
	TemporaryReservations []TemporaryReservation `json:"tmp_reservations,omitempty"`
	PaymentMethod         string                 `json:"payment_method,omitempty"`
	PaymentMethodID       string                 `json:"payment_method_id,omitempty"`
}

type AuthorizeAction struct {
	ID        uuid.UUID
	Status    ActionStatus
	Agent     Participant
	Recipient Participant
	Object    ActionObject
	Result    *ActionResult
	Error     string
	StartDate time.Time
	EndDate   *time.Time
}

func NewSeatReservationAction(tx *Transaction, perf *Performance, offers []AcceptedOffer, now time.Time) AuthorizeAction {
	return AuthorizeAction{
		ID:        uuid.New(),
		Status:    ActionStarted,
		Agent:     tx.Seller,
		Recipient: tx.Agent,
		Object: ActionObject{
			Type:          ObjectSeatReservation,
			TransactionID: tx.ID,
			SeatReservation: &SeatReservationObject{
				PerformanceID:    perf.ID,
				PerformanceStart: perf.StartDate,
				PerformanceEnd:   perf.EndDate,
				Offers:           offers,
			},
		},
		StartDate: now,
	}
}

func NewPaymentAction(tx *Transaction, amount int64, method string, now time.Time) AuthorizeAction {
	return AuthorizeAction{
		ID:        uuid.New(),
		Status:    ActionStarted,
		Agent:     tx.Agent,
		Recipient: tx.Seller,
		Object: ActionObject{
			Type:          ObjectPayment,
			TransactionID: tx.ID,
			Payment:       &PaymentObject{Amount: amount, Method: method},
		},
		StartDate: now,
	}
}

func (a *AuthorizeAction) transition(next ActionStatus) error {
	if !a.Status.CanTransitionTo(next) {
		return errors.Wrapf(ErrInvalidTransition, "action %s: %s -> %s", a.ID, a.Status, next)
	}
	a.Status = next
	return nil
}

func (a *AuthorizeAction) Complete(result ActionResult, now time.Time) error {
	if err := a.transition(ActionCompleted); err != nil {
		return err
	}
	a.Result = &result
	a.EndDate = &now
	return nil
}

func (a *AuthorizeAction) GiveUp(cause error, now time.Time) error {
	if err := a.transition(ActionFailed); err != nil {
		return err
	}
	if cause != nil {
		a.Error = cause.Error()
	}
	a.EndDate = &now
	return nil
}

// Cancel voids a completed action. The result is kept for audit.
func (a *AuthorizeAction) Cancel() error {
	return a.transition(ActionCanceled)
}

// AuthorizedAmount is the amount that counts toward reconciliation.
func (a *AuthorizeAction) AuthorizedAmount() int64 {
	if a.Status != ActionCompleted || a.Result == nil {
		return 0
	}
	return a.Result.Amount
}
