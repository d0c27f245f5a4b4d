package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore keeps each session as one document with an embedded attendees array.
// AppendAttendee is a single conditional UpdateOne, so append and increment land together.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore uses the "sessions" collection of db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection("sessions")}
}

// EnsureIndexes creates the partial unique index on active codes.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "code", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "status", Value: string(StatusActive)}}),
		},
		{Keys: bson.D{{Key: "created_by", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "attendees.user_id", Value: 1}}},
	})
	return mongoErr(err)
}

func (m *MongoStore) Create(ctx context.Context, s *Session) error {
	if _, err := m.coll.UpdateMany(ctx, bson.D{
		{Key: "code", Value: s.Code},
		{Key: "status", Value: string(StatusActive)},
		{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: s.CreatedAt}}},
	}, bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(StatusExpired)}}}}); err != nil {
		return mongoErr(err)
	}
	doc := *s
	if doc.Attendees == nil {
		doc.Attendees = []Attendee{}
	}
	_, err := m.coll.InsertOne(ctx, doc)
	return mongoErr(err)
}

func (m *MongoStore) Get(ctx context.Context, id string) (*Session, error) {
	return m.findOne(ctx, bson.D{{Key: "_id", Value: id}}, nil)
}

func (m *MongoStore) GetByCode(ctx context.Context, code string) (*Session, error) {
	return m.findOne(ctx, bson.D{
		{Key: "code", Value: code},
		{Key: "status", Value: bson.D{{Key: "$ne", Value: string(StatusDeleted)}}},
	}, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}

func (m *MongoStore) findOne(ctx context.Context, filter bson.D, opts *options.FindOneOptionsBuilder) (*Session, error) {
	var res *mongo.SingleResult
	if opts != nil {
		res = m.coll.FindOne(ctx, filter, opts)
	} else {
		res = m.coll.FindOne(ctx, filter)
	}
	if err := res.Err(); err != nil {
		return nil, mongoErr(err)
	}
	var s Session
	if err := res.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := checkDecoded(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *MongoStore) ListActive(ctx context.Context, now time.Time) ([]Session, error) {
	return m.find(ctx, bson.D{
		{Key: "status", Value: string(StatusActive)},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}},
	}, 0)
}

func (m *MongoStore) ListByCreator(ctx context.Context, creatorID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.find(ctx, bson.D{
		{Key: "created_by", Value: creatorID},
		{Key: "status", Value: bson.D{{Key: "$ne", Value: string(StatusDeleted)}}},
	}, limit)
}

func (m *MongoStore) find(ctx context.Context, filter bson.D, limit int) ([]Session, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, mongoErr(err)
	}
	defer cur.Close(ctx)

	var out []Session
	for cur.Next(ctx) {
		var s Session
		if err := cur.Decode(&s); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if err := checkDecoded(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, mongoErr(cur.Err())
}

func (m *MongoStore) AppendAttendee(ctx context.Context, sessionID string, a Attendee) (AppendResult, error) {
	filter := bson.D{
		{Key: "_id", Value: sessionID},
		{Key: "status", Value: string(StatusActive)},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: a.Timestamp}}},
		{Key: "attendees.user_id", Value: bson.D{{Key: "$ne", Value: a.UserID}}},
	}
	update := bson.D{
		{Key: "$push", Value: bson.D{{Key: "attendees", Value: a}}},
		{Key: "$inc", Value: bson.D{{Key: "attendees_count", Value: 1}}},
	}
	res := m.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After))
	if err := res.Err(); err == nil {
		var s Session
		if err := res.Decode(&s); err != nil {
			return AppendResult{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return AppendResult{Added: true, Session: &s}, nil
	} else if !errors.Is(err, mongo.ErrNoDocuments) {
		return AppendResult{}, mongoErr(err)
	}

	// The guard failed: either the user is already present or the session is closed.
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return AppendResult{}, err
	}
	if s.HasAttendee(a.UserID) {
		return AppendResult{Added: false, Session: s}, nil
	}
	return AppendResult{}, ErrConflict
}

func (m *MongoStore) Transition(ctx context.Context, id string, from []Status, next Status, at time.Time) error {
	in := make(bson.A, 0, len(from))
	for _, st := range from {
		in = append(in, string(st))
	}
	set := bson.D{{Key: "status", Value: string(next)}}
	if next == StatusEnded {
		set = append(set, bson.E{Key: "ended_at", Value: at})
	}
	res, err := m.coll.UpdateOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: bson.D{{Key: "$in", Value: in}}},
	}, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return mongoErr(err)
	}
	return m.matched(ctx, id, res.MatchedCount)
}

func (m *MongoStore) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	res, err := m.coll.UpdateOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: bson.D{{Key: "$ne", Value: string(StatusDeleted)}}},
	}, mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "previous_status", Value: "$status"},
			{Key: "status", Value: string(StatusDeleted)},
			{Key: "deleted_at", Value: at},
		}}},
	})
	if err != nil {
		return mongoErr(err)
	}
	return m.matched(ctx, id, res.MatchedCount)
}

func (m *MongoStore) Restore(ctx context.Context, id string, notBefore time.Time) (*Session, error) {
	restorable := bson.A{string(StatusActive), string(StatusEnded), string(StatusExpired)}
	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// A session whose code was handed to a newer active session comes back ended.
	held, err := m.coll.CountDocuments(ctx, bson.D{
		{Key: "_id", Value: bson.D{{Key: "$ne", Value: id}}},
		{Key: "code", Value: current.Code},
		{Key: "status", Value: string(StatusActive)},
	})
	if err != nil {
		return nil, mongoErr(err)
	}
	if held > 0 {
		restorable = bson.A{string(StatusEnded), string(StatusExpired)}
	}
	res, err := m.coll.UpdateOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: string(StatusDeleted)},
		{Key: "deleted_at", Value: bson.D{{Key: "$gte", Value: notBefore}}},
	}, mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "status", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$in", Value: bson.A{"$previous_status", restorable}}},
				"$previous_status",
				string(StatusEnded),
			}}}},
		}}},
		{{Key: "$set", Value: bson.D{
			{Key: "ended_at", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$eq", Value: bson.A{"$status", string(StatusEnded)}}},
				bson.D{{Key: "$ifNull", Value: bson.A{"$ended_at", "$deleted_at"}}},
				"$ended_at",
			}}}},
		}}},
		{{Key: "$unset", Value: bson.A{"previous_status", "deleted_at"}}},
	})
	if err != nil {
		return nil, mongoErr(err)
	}
	if err := m.matched(ctx, id, res.MatchedCount); err != nil {
		return nil, err
	}
	return m.Get(ctx, id)
}

func (m *MongoStore) Purge(ctx context.Context, id string) error {
	res, err := m.coll.DeleteOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: string(StatusDeleted)},
	})
	if err != nil {
		return mongoErr(err)
	}
	return m.matched(ctx, id, res.DeletedCount)
}

func (m *MongoStore) PurgeDeleted(ctx context.Context, before time.Time) (int, error) {
	res, err := m.coll.DeleteMany(ctx, bson.D{
		{Key: "status", Value: string(StatusDeleted)},
		{Key: "deleted_at", Value: bson.D{{Key: "$lt", Value: before}}},
	})
	if err != nil {
		return 0, mongoErr(err)
	}
	return int(res.DeletedCount), nil
}

func (m *MongoStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	res, err := m.coll.UpdateMany(ctx, bson.D{
		{Key: "status", Value: string(StatusActive)},
		{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: now}}},
	}, bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(StatusExpired)}}}})
	if err != nil {
		return 0, mongoErr(err)
	}
	return int(res.ModifiedCount), nil
}

func (m *MongoStore) History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	sessions, err := m.find(ctx, bson.D{
		{Key: "attendees.user_id", Value: userID},
		{Key: "status", Value: bson.D{{Key: "$ne", Value: string(StatusDeleted)}}},
	}, 0)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(sessions))
	for _, s := range sessions {
		for _, a := range s.Attendees {
			if a.UserID != userID {
				continue
			}
			out = append(out, HistoryEntry{
				SessionID:      s.ID,
				Code:           s.Code,
				OrganizationID: s.OrganizationID,
				Status:         s.Status,
				AttendedAt:     a.Timestamp,
				ExpiresAt:      s.ExpiresAt,
			})
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttendedAt.After(out[j].AttendedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MongoStore) Ping(ctx context.Context) error {
	return mongoErr(m.coll.Database().Client().Ping(ctx, nil))
}

func (m *MongoStore) matched(ctx context.Context, id string, n int64) error {
	if n > 0 {
		return nil
	}
	count, err := m.coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return mongoErr(err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// checkDecoded rejects documents missing fields the pipeline cannot default.
func checkDecoded(s *Session) error {
	switch {
	case s.ID == "", s.Code == "":
		return fmt.Errorf("%w: session without id or code", ErrMalformed)
	case !s.Status.Valid():
		return fmt.Errorf("%w: session %s has status %q", ErrMalformed, s.ID, s.Status)
	case s.ExpiresAt.IsZero(), s.Location.RadiusMeters <= 0:
		return fmt.Errorf("%w: session %s missing expiry or location", ErrMalformed, s.ID)
	}
	return nil
}

func mongoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %w", ErrCodeTaken, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err),
		errors.Is(err, mongo.ErrClientDisconnected), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
