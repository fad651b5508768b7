package domain

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const OrderDelivered OrderStatus = "OrderDelivered"

type Order struct {
	OrderNumber        string
	ConfirmationNumber string
	TransactionID      uuid.UUID
	Seller             Participant
	Customer           Participant
	CustomerProfile    CustomerProfile
	Items              []OrderItem
	PaymentMethods     []PaymentMethod
	Price              int64
	Status             OrderStatus
	OrderDate          time.Time
}

type OrderItem struct {
	PerformanceID    string   `json:"performance_id"`
	SeatSection      string   `json:"seat_section"`
	SeatCode         string   `json:"seat_code"`
	TicketTypeID     string   `json:"ticket_type"`
	TicketTypeName   string   `json:"ticket_type_name"`
	Category         Category `json:"category"`
	Price            int64    `json:"price"`
	PaymentNo        string   `json:"payment_no"`
	PaymentSeatIndex int      `json:"payment_seat_index"`
	WatcherName      string   `json:"watcher_name,omitempty"`
}

type PaymentMethod struct {
	Method          string `json:"type"`
	PaymentMethodID string `json:"payment_method_id"`
	TotalPaymentDue int64  `json:"total_payment_due"`
}

// PotentialActions are the follow-up actions executed once an order exists.
type PotentialActions struct {
	Pay                []PayAction                `json:"pay"`
	ConfirmReservation []ConfirmReservationAction `json:"confirm_reservation"`
	InformOrder        []InformOrderAction        `json:"inform_order"`
	SendOrder          SendOrderAction            `json:"send_order"`
}

type PayAction struct {
	PaymentMethodID string `json:"payment_method_id"`
	Method          string `json:"method"`
	Amount          int64  `json:"amount"`
	OrderNumber     string `json:"order_number"`
}

type ConfirmReservationAction struct {
	ActionID      uuid.UUID `json:"action_id"`
	PerformanceID string    `json:"performance_id"`
	SeatCodes     []string  `json:"seat_codes"`
	PaymentNo     string    `json:"payment_no"`
	OrderNumber   string    `json:"order_number"`
}

type InformOrderAction struct {
	RecipientURL string `json:"recipient_url"`
	OrderNumber  string `json:"order_number"`
}

type SendOrderAction struct {
	Recipient   Participant `json:"recipient"`
	Email       string      `json:"email"`
	OrderNumber string      `json:"order_number"`
}
