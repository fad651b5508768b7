package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("performances"),
		logger: logger,
	}
}

type PerformanceDoc struct {
	ID          string          `bson:"_id"`
	StartDate   time.Time       `bson:"start_date"`
	EndDate     time.Time       `bson:"end_date"`
	Seats       []SeatDoc       `bson:"seats"`
	TicketTypes []TicketTypeDoc `bson:"ticket_types"`
	CreatedAt   time.Time       `bson:"created_at"`
	UpdatedAt   time.Time       `bson:"updated_at"`
}

type SeatDoc struct {
	Code        string `bson:"code"`
	Section     string `bson:"section"`
	Row         string `bson:"row"`
	Number      int    `bson:"number"`
	SeatingType string `bson:"seating_type"`
}

type TicketTypeDoc struct {
	ID           string `bson:"_id"`
	Name         string `bson:"name"`
	Price        int64  `bson:"price"`
	CancelCharge int64  `bson:"cancel_charge"`
	Category     string `bson:"category"`
}

func (d PerformanceDoc) toDomain() *domain.Performance {
	p := &domain.Performance{ID: d.ID, StartDate: d.StartDate, EndDate: d.EndDate}
	for _, s := range d.Seats {
		p.Seats = append(p.Seats, domain.Seat{
			Section: s.Section, Code: s.Code, Row: s.Row, Number: s.Number, Category: domain.Category(s.SeatingType),
		})
	}
	for _, t := range d.TicketTypes {
		p.TicketTypes = append(p.TicketTypes, domain.TicketType{
			ID: t.ID, Name: t.Name, Price: t.Price, CancelCharge: t.CancelCharge, Category: domain.Category(t.Category),
		})
	}
	return p
}

func performanceDoc(p domain.Performance) PerformanceDoc {
	d := PerformanceDoc{ID: p.ID, StartDate: p.StartDate, EndDate: p.EndDate}
	for _, s := range p.Seats {
		d.Seats = append(d.Seats, SeatDoc{
			Code: s.Code, Section: s.Section, Row: s.Row, Number: s.Number, SeatingType: string(s.Category),
		})
	}
	for _, t := range p.TicketTypes {
		d.TicketTypes = append(d.TicketTypes, TicketTypeDoc{
			ID: t.ID, Name: t.Name, Price: t.Price, CancelCharge: t.CancelCharge, Category: string(t.Category),
		})
	}
	return d
}

func (c *CatalogRepository) FindPerformance(ctx context.Context, id string) (*domain.Performance, error) {
	var doc PerformanceDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(domain.ErrNotFound, "performance %s", id)
	}
	if err != nil {
		c.logger.WithError(err).WithField("performance_id", id).Error("failed to get performance")
		return nil, errors.Wrapf(err, "performance %s", id)
	}
	return doc.toDomain(), nil
}

func (c *CatalogRepository) CreatePerformance(ctx context.Context, p domain.Performance) error {
	doc := performanceDoc(p)
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.Wrapf(domain.ErrAlreadyInUse, "performance %s", p.ID)
		}
		c.logger.WithError(err).WithField("performance_id", p.ID).Error("failed to create performance")
		return err
	}
	return nil
}
