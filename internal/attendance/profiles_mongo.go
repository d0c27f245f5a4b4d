package attendance

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoProfiles stores profiles in the "profiles" collection keyed by user id.
type MongoProfiles struct {
	coll *mongo.Collection
}

// NewMongoProfiles uses db.profiles.
func NewMongoProfiles(db *mongo.Database) *MongoProfiles {
	return &MongoProfiles{coll: db.Collection("profiles")}
}

func (m *MongoProfiles) Get(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := m.coll.FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *MongoProfiles) Upsert(ctx context.Context, p Profile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	set := bson.D{{Key: "updated_at", Value: p.UpdatedAt}}
	for _, f := range []struct{ key, val string }{
		{"name", p.Name},
		{"email", p.Email},
		{"student_id", p.StudentID},
		{"reference_image_url", p.ReferenceImageURL},
	} {
		if f.val != "" {
			set = append(set, bson.E{Key: f.key, Value: f.val})
		}
	}
	_, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: p.UserID}},
		bson.D{{Key: "$set", Value: set}},
		options.UpdateOne().SetUpsert(true))
	return err
}
