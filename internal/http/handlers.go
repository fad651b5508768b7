package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	redisadapter "github.com/robertarktes/seat-allocation/internal/adapters/redis"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/placeorder"
	"golang.org/x/sync/errgroup"
)

type PlaceOrder interface {
	Start(ctx context.Context, p placeorder.StartParams) (*domain.Transaction, error)
	SetCustomerContact(ctx context.Context, agentID string, transactionID uuid.UUID, contact domain.CustomerProfile) (domain.CustomerProfile, error)
	Confirm(ctx context.Context, p placeorder.ConfirmParams) (*domain.Order, error)
}

type Authorizer interface {
	Create(ctx context.Context, agentID string, transactionID uuid.UUID, performanceID string, offers []domain.AcceptedOffer) (*domain.AuthorizeAction, error)
	Cancel(ctx context.Context, agentID string, transactionID, actionID uuid.UUID) (*domain.AuthorizeAction, error)
	AuthorizePayment(ctx context.Context, agentID string, transactionID uuid.UUID, amount int64, method string) (*domain.AuthorizeAction, error)
	CancelPayment(ctx context.Context, agentID string, transactionID, actionID uuid.UUID) (*domain.AuthorizeAction, error)
}

// AvailabilityReader serves aggregated seat counts of a performance.
type AvailabilityReader interface {
	Availability(ctx context.Context, performanceID string) (redisadapter.Availability, bool, error)
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Handlers struct {
	placeOrder   PlaceOrder
	authorize    Authorizer
	availability AvailabilityReader
	checks       []Check
}

func NewHandlers(placeOrder PlaceOrder, authorize Authorizer, availability AvailabilityReader, checks ...Check) *Handlers {
	return &Handlers{placeOrder: placeOrder, authorize: authorize, availability: availability, checks: checks}
}

type transactionResponse struct {
	ID        uuid.UUID                `json:"id"`
	Status    domain.TransactionStatus `json:"status"`
	Agent     domain.Participant       `json:"agent"`
	Seller    domain.Participant       `json:"seller"`
	ClientID  string                   `json:"client_id,omitempty"`
	Expires   time.Time                `json:"expires"`
	StartDate time.Time                `json:"start_date"`
}

type actionResponse struct {
	ID        uuid.UUID            `json:"id"`
	Status    domain.ActionStatus  `json:"status"`
	Object    domain.ActionObject  `json:"object"`
	Result    *domain.ActionResult `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
	StartDate time.Time            `json:"start_date"`
	EndDate   *time.Time           `json:"end_date,omitempty"`
}

type orderResponse struct {
	OrderNumber        string                 `json:"order_number"`
	ConfirmationNumber string                 `json:"confirmation_number"`
	TransactionID      uuid.UUID              `json:"transaction_id"`
	Seller             domain.Participant     `json:"seller"`
	Customer           domain.Participant     `json:"customer"`
	Items              []domain.OrderItem     `json:"accepted_offers"`
	PaymentMethods     []domain.PaymentMethod `json:"payment_methods"`
	Price              int64                  `json:"price"`
	Status             domain.OrderStatus     `json:"order_status"`
	OrderDate          time.Time              `json:"order_date"`
}

func toAction(a *domain.AuthorizeAction) actionResponse {
	return actionResponse{
		ID:        a.ID,
		Status:    a.Status,
		Object:    a.Object,
		Result:    a.Result,
		Error:     a.Error,
		StartDate: a.StartDate,
		EndDate:   a.EndDate,
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode request body"), domain.ErrArgument)
	}
	return nil
}

func agentID(r *http.Request) (string, error) {
	id := r.Header.Get(AgentHeader)
	if id == "" {
		return "", errors.Wrapf(domain.ErrForbidden, "missing %s header", AgentHeader)
	}
	return id, nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errors.Wrapf(domain.ErrArgument, "invalid %s", name)
	}
	return id, nil
}

// caller resolves the agent and the transaction id of a transaction route.
func caller(r *http.Request) (string, uuid.UUID, error) {
	agent, err := agentID(r)
	if err != nil {
		return "", uuid.Nil, err
	}
	txID, err := uuidParam(r, "id")
	if err != nil {
		return "", uuid.Nil, err
	}
	return agent, txID, nil
}

func (h *Handlers) StartTransaction(w http.ResponseWriter, r *http.Request) {
	agent, err := agentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		SellerIdentifier string                 `json:"seller_identifier"`
		ClientID         string                 `json:"client_id"`
		PassportToken    string                 `json:"passport_token"`
		Expires          time.Time              `json:"expires"`
		AgentKind        domain.ParticipantKind `json:"agent_type"`
		AgentName        string                 `json:"agent_name"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tx, err := h.placeOrder.Start(r.Context(), placeorder.StartParams{
		Agent:            domain.Participant{ID: agent, Kind: req.AgentKind, Name: req.AgentName},
		SellerIdentifier: req.SellerIdentifier,
		ClientID:         req.ClientID,
		PassportToken:    req.PassportToken,
		Expires:          req.Expires,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, transactionResponse{
		ID:        tx.ID,
		Status:    tx.Status,
		Agent:     tx.Agent,
		Seller:    tx.Seller,
		ClientID:  tx.ClientID,
		Expires:   tx.Expires,
		StartDate: tx.StartDate,
	})
}

func (h *Handlers) SetCustomerContact(w http.ResponseWriter, r *http.Request) {
	agent, txID, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req domain.CustomerProfile
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	profile, err := h.placeOrder.SetCustomerContact(r.Context(), agent, txID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handlers) CreateSeatReservation(w http.ResponseWriter, r *http.Request) {
	agent, txID, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		PerformanceID string                 `json:"performance_id"`
		Offers        []domain.AcceptedOffer `json:"offers"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	action, err := h.authorize.Create(r.Context(), agent, txID, req.PerformanceID, req.Offers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAction(action))
}

func (h *Handlers) CancelSeatReservation(w http.ResponseWriter, r *http.Request) {
	h.cancelAction(w, r, h.authorize.Cancel)
}

func (h *Handlers) AuthorizePayment(w http.ResponseWriter, r *http.Request) {
	agent, txID, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		Amount int64  `json:"amount"`
		Method string `json:"method"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	action, err := h.authorize.AuthorizePayment(r.Context(), agent, txID, req.Amount, req.Method)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAction(action))
}

func (h *Handlers) CancelPayment(w http.ResponseWriter, r *http.Request) {
	h.cancelAction(w, r, h.authorize.CancelPayment)
}

func (h *Handlers) cancelAction(w http.ResponseWriter, r *http.Request, cancel func(ctx context.Context, agentID string, transactionID, actionID uuid.UUID) (*domain.AuthorizeAction, error)) {
	agent, txID, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	actionID, err := uuidParam(r, "actionId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	action, err := cancel(r.Context(), agent, txID, actionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAction(action))
}

func (h *Handlers) Confirm(w http.ResponseWriter, r *http.Request) {
	agent, txID, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		ConfirmationNumber string   `json:"confirmation_number"`
		InformOrderURLs    []string `json:"inform_order_urls"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	order, err := h.placeOrder.Confirm(r.Context(), placeorder.ConfirmParams{
		TransactionID:      txID,
		AgentID:            agent,
		ConfirmationNumber: req.ConfirmationNumber,
		InformOrderURLs:    req.InformOrderURLs,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse{
		OrderNumber:        order.OrderNumber,
		ConfirmationNumber: order.ConfirmationNumber,
		TransactionID:      order.TransactionID,
		Seller:             order.Seller,
		Customer:           order.Customer,
		Items:              order.Items,
		PaymentMethods:     order.PaymentMethods,
		Price:              order.Price,
		Status:             order.Status,
		OrderDate:          order.OrderDate,
	})
}

// GetAvailability returns the last aggregation. It is eventually consistent
// with the seat locks.
func (h *Handlers) GetAvailability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok, err := h.availability.Availability(r.Context(), id)
	if err != nil {
		writeError(w, r, errors.Mark(err, domain.ErrServiceUnavailable))
		return
	}
	if !ok {
		writeError(w, r, errors.Wrapf(domain.ErrNotFound, "availability of %s", id))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Readyz pings every dependency and reports the ones that failed.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make([]string, len(h.checks))
	var g errgroup.Group
	for i, c := range h.checks {
		g.Go(func() error {
			if err := c.Ping(ctx); err != nil {
				loggerFrom(r.Context()).WithField("check", c.Name).WithError(err).Warn("readiness check failed")
				failed[i] = c.Name
			}
			return nil
		})
	}
	_ = g.Wait()

	var down []string
	for _, name := range failed {
		if name != "" {
			down = append(down, name)
		}
	}
	if len(down) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": down})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
