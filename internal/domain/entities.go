package domain

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

type Category string

const (
	CategoryNormal     Category = "Normal"
	CategoryWheelchair Category = "Wheelchair"
)

type Seat struct {
	Section  string
	Code     string
	Row      string
	Number   int
	Category Category
}

// SortSeats orders seats row-major: section, row, number, then code.
func SortSeats(seats []Seat) {
	sort.SliceStable(seats, func(i, j int) bool {
		a, b := seats[i], seats[j]
		if a.Section != b.Section {
			return a.Section < b.Section
		}
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		return a.Code < b.Code
	})
}

type TicketType struct {
	ID           string
	Name         string
	Price        int64
	CancelCharge int64
	Category     Category
}

type Performance struct {
	ID          string
	StartDate   time.Time
	EndDate     time.Time
	Seats       []Seat
	TicketTypes []TicketType
}

func (p *Performance) TicketType(id string) (TicketType, bool) {
	for _, t := range p.TicketTypes {
		if t.ID == id {
			return t, true
		}
	}
	return TicketType{}, false
}

func (p *Performance) Seat(code string) (Seat, bool) {
	for _, s := range p.Seats {
		if s.Code == code {
			return s, true
		}
	}
	return Seat{}, false
}

// AcceptedOffer is what a buyer asks for: one ticket of a ticket type.
type AcceptedOffer struct {
	TicketTypeID string `json:"ticket_type"`
	WatcherName  string `json:"watcher_name,omitempty"`
}

// Offer is an accepted offer decorated with catalog data.
type Offer struct {
	AcceptedOffer
	TicketTypeName       string
	Price                int64
	CancelCharge         int64
	Category             Category
	RateLimitUnitSeconds int
}

func (o Offer) RateLimited() bool {
	return o.RateLimitUnitSeconds > 0
}

type LockKey struct {
	EventID    string
	Section    string
	SeatNumber string
}

// Field names the seat within its event: "section:seat".
func (k LockKey) Field() string {
	return k.Section + ":" + k.SeatNumber
}

// SeatOfField returns the seat code of a Field value. Sections may contain
// ':', seat codes may not.
func SeatOfField(field string) string {
	if i := strings.LastIndexByte(field, ':'); i >= 0 {
		return field[i+1:]
	}
	return field
}

type RateLimitKey struct {
	Category         Category
	PerformanceStart time.Time
	Unit             time.Duration
}

// Bucket truncates the performance start to the configured unit.
func (k RateLimitKey) Bucket() time.Time {
	return k.PerformanceStart.UTC().Truncate(k.Unit)
}

func (k RateLimitKey) String() string {
	return string(k.Category) + ":" + strconv.FormatInt(k.Bucket().Unix(), 10)
}

type TemporaryReservation struct {
	SeatCode             string   `json:"seat_code"`
	Section              string   `json:"seat_section"`
	TicketTypeID         string   `json:"ticket_type"`
	TicketTypeName       string   `json:"ticket_type_name"`
	Charge               int64    `json:"charge"`
	CancelCharge         int64    `json:"ticket_cancel_charge"`
	Category             Category `json:"category"`
	RateLimitUnitSeconds int      `json:"rate_limit_unit_in_seconds"`
	WatcherName          string   `json:"watcher_name,omitempty"`
	PaymentNo            string   `json:"payment_no"`
	Holder               string   `json:"holder"`
}

func (r TemporaryReservation) LockKey(eventID string) LockKey {
	return LockKey{EventID: eventID, Section: r.Section, SeatNumber: r.SeatCode}
}

func (r TemporaryReservation) RateLimitKey(performanceStart time.Time) RateLimitKey {
	return RateLimitKey{
		Category:         r.Category,
		PerformanceStart: performanceStart,
		Unit:             time.Duration(r.RateLimitUnitSeconds) * time.Second,
	}
}
