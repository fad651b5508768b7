package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID            string    `bson:"_id"`
	Action        string    `bson:"action"`
	TransactionID string    `bson:"transaction_id"`
	AgentID       string    `bson:"agent_id"`
	Timestamp     time.Time `bson:"timestamp"`
	Data          bson.M    `bson:"data"`
}

func (a *AuditLogger) LogEvent(ctx context.Context, action string, transactionID uuid.UUID, agentID string, data bson.M) error {
	entry := AuditLog{
		ID:            uuid.NewString(),
		Action:        action,
		TransactionID: transactionID.String(),
		AgentID:       agentID,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	}
	if _, err := a.coll.InsertOne(ctx, entry); err != nil {
		a.logger.WithError(err).WithField("action", action).Error("failed to insert audit log")
		return err
	}
	return nil
}

// LogAction records an authorize action status change.
func (a *AuditLogger) LogAction(ctx context.Context, action domain.AuthorizeAction) error {
	data := bson.M{
		"action_id":   action.ID.String(),
		"object_type": string(action.Object.Type),
		"status":      string(action.Status),
		"recipient":   action.Recipient.ID,
	}
	if action.Result != nil {
		data["amount"] = action.Result.Amount
		seats := make([]string, 0, len(action.Result.TemporaryReservations))
		for _, r := range action.Result.TemporaryReservations {
			seats = append(seats, r.SeatCode)
		}
		data["seats"] = seats
	}
	if action.Error != "" {
		data["error"] = action.Error
	}
	return a.LogEvent(ctx, "authorize."+string(action.Status), action.Object.TransactionID, action.Agent.ID, data)
}

func (a *AuditLogger) LogOrder(ctx context.Context, order domain.Order) error {
	data := bson.M{
		"order_number": order.OrderNumber,
		"status":       string(order.Status),
		"price":        order.Price,
		"items":        len(order.Items),
	}
	return a.LogEvent(ctx, "order.created", order.TransactionID, order.Customer.ID, data)
}

// NotifyOrder queues the order mail for the relay that tails the audit
// trail.
func (a *AuditLogger) NotifyOrder(ctx context.Context, data domain.SendOrderData) error {
	return a.LogEvent(ctx, "order.send", data.TransactionID, "", bson.M{
		"order_number": data.OrderNumber,
		"email":        data.Email,
	})
}
