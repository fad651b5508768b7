package mongo

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type SellerRepository struct {
	coll *mongo.Collection
}

func NewSellerRepository(db *mongo.Database) *SellerRepository {
	return &SellerRepository{coll: db.Collection("sellers")}
}

type SellerDoc struct {
	ID         string `bson:"_id"`
	Identifier string `bson:"identifier"`
	Name       string `bson:"name"`
	URL        string `bson:"url"`
}

// EnsureIndexes makes seller identifiers unique.
func (s *SellerRepository) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "identifier", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *SellerRepository) FindByIdentifier(ctx context.Context, identifier string) (domain.Participant, error) {
	var doc SellerDoc
	err := s.coll.FindOne(ctx, bson.M{"identifier": identifier}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Participant{}, errors.Wrapf(domain.ErrNotFound, "seller %s", identifier)
	}
	if err != nil {
		return domain.Participant{}, errors.Wrapf(err, "seller %s", identifier)
	}
	return domain.Participant{ID: doc.ID, Kind: domain.ParticipantOrganization, Name: doc.Name, URL: doc.URL}, nil
}

func (s *SellerRepository) Create(ctx context.Context, doc SellerDoc) error {
	_, err := s.coll.InsertOne(ctx, doc)
	return err
}
