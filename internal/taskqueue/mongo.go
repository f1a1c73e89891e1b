package taskqueue

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/flowgrid/pkg/api"
)

// MongoQueue implements Queue on top of MongoDB. Each task is one document;
// leases are claimed with FindOneAndUpdate conditioned on the document
// version.
type MongoQueue struct {
	storeQueue
	coll *mongo.Collection
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "flowgrid", collName to "tasks".
func NewMongoQueue(ctx context.Context, client *mongo.Client, dbName, collName string, opts ...Option) (*MongoQueue, error) {
	if dbName == "" {
		dbName = "flowgrid"
	}
	if collName == "" {
		collName = "tasks"
	}
	q := &MongoQueue{coll: client.Database(dbName).Collection(collName)}
	q.storeQueue = newStoreQueue(q, opts)

	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "queue", Value: 1}, {Key: "state", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoTaskDoc struct {
	ID             string          `bson:"_id"`
	Queue          string          `bson:"queue"`
	Payload        []byte          `bson:"payload,omitempty"`
	State          string          `bson:"state"`
	Attempts       int             `bson:"attempts"`
	MaxAttempts    int             `bson:"max_attempts"`
	Retry          api.RetryPolicy `bson:"retry"`
	LeaseOwner     string          `bson:"lease_owner"`
	LeaseExpiresAt time.Time       `bson:"lease_expires_at"`
	NotBefore      time.Time       `bson:"not_before"`
	CreatedAt      time.Time       `bson:"created_at"`
	UpdatedAt      time.Time       `bson:"updated_at"`
	InstanceID     string          `bson:"instance_id,omitempty"`
	StepID         string          `bson:"step_id,omitempty"`
	ExclusiveKey   string          `bson:"exclusive_key,omitempty"`
	LastError      string          `bson:"last_error,omitempty"`
	Result         []byte          `bson:"result,omitempty"`
	Version        int64           `bson:"version"`
}

func toMongoDoc(t *api.Task, version int64) mongoTaskDoc {
	return mongoTaskDoc{
		ID:             t.ID,
		Queue:          t.Queue,
		Payload:        t.Payload,
		State:          string(t.State),
		Attempts:       t.Attempts,
		MaxAttempts:    t.MaxAttempts,
		Retry:          t.Retry,
		LeaseOwner:     t.LeaseOwner,
		LeaseExpiresAt: t.LeaseExpiresAt,
		NotBefore:      t.NotBefore,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		InstanceID:     t.InstanceID,
		StepID:         t.StepID,
		ExclusiveKey:   t.ExclusiveKey,
		LastError:      t.LastError,
		Result:         t.Result,
		Version:        version,
	}
}

func (d mongoTaskDoc) task() *api.Task {
	utc := func(t time.Time) time.Time {
		if t.IsZero() {
			return time.Time{}
		}
		return t.UTC()
	}
	return &api.Task{
		ID:             d.ID,
		Queue:          d.Queue,
		Payload:        d.Payload,
		State:          api.TaskState(d.State),
		Attempts:       d.Attempts,
		MaxAttempts:    d.MaxAttempts,
		Retry:          d.Retry,
		LeaseOwner:     d.LeaseOwner,
		LeaseExpiresAt: utc(d.LeaseExpiresAt),
		NotBefore:      utc(d.NotBefore),
		CreatedAt:      utc(d.CreatedAt),
		UpdatedAt:      utc(d.UpdatedAt),
		InstanceID:     d.InstanceID,
		StepID:         d.StepID,
		ExclusiveKey:   d.ExclusiveKey,
		LastError:      d.LastError,
		Result:         d.Result,
	}
}

// mutable returns the fields a transition may change.
func (d mongoTaskDoc) mutable() bson.M {
	return bson.M{
		"state":            d.State,
		"attempts":         d.Attempts,
		"lease_owner":      d.LeaseOwner,
		"lease_expires_at": d.LeaseExpiresAt,
		"not_before":       d.NotBefore,
		"updated_at":       d.UpdatedAt,
		"last_error":       d.LastError,
		"result":           d.Result,
	}
}

func (q *MongoQueue) insert(ctx context.Context, t *api.Task) error {
	_, err := q.coll.InsertOne(ctx, toMongoDoc(t, 1))
	if mongo.IsDuplicateKeyError(err) {
		return exists(t.ID)
	}
	return err
}

func (q *MongoQueue) load(ctx context.Context, id string) (*api.Task, int64, error) {
	var doc mongoTaskDoc
	err := q.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, 0, notFound(id)
	}
	if err != nil {
		return nil, 0, err
	}
	return doc.task(), doc.Version, nil
}

func (q *MongoQueue) swap(ctx context.Context, t *api.Task, version int64) (bool, error) {
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": t.ID, "version": version},
		bson.M{
			"$set": toMongoDoc(t, version).mutable(),
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (q *MongoQueue) claimNext(ctx context.Context, queue, nodeID string, now time.Time, d time.Duration) (*api.Task, error) {
	for range maxClaimRounds {
		var cand mongoTaskDoc
		err := q.coll.FindOne(ctx, eligibleFilter(queue, now),
			options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
		).Decode(&cand)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		t := cand.task()
		claim(t, nodeID, now, d)

		var claimed mongoTaskDoc
		err = q.coll.FindOneAndUpdate(ctx,
			bson.M{"_id": cand.ID, "version": cand.Version},
			bson.M{
				"$set": toMongoDoc(t, cand.Version).mutable(),
				"$inc": bson.M{"version": 1},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&claimed)
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Another node claimed it first.
			continue
		}
		if err != nil {
			return nil, err
		}
		out := claimed.task()
		out.ReclaimedFrom = t.ReclaimedFrom
		return out, nil
	}
	return nil, nil
}

func eligibleFilter(queue string, now time.Time) bson.M {
	return bson.M{
		"queue": queue,
		"$or": bson.A{
			bson.M{"state": string(api.TaskPending), "not_before": bson.M{"$lte": now}},
			bson.M{
				"state":            string(api.TaskLeased),
				"lease_expires_at": bson.M{"$lte": now},
				"$expr":            bson.M{"$lt": bson.A{"$attempts", "$max_attempts"}},
			},
		},
	}
}

func (q *MongoQueue) expired(ctx context.Context, now time.Time) ([]string, error) {
	cur, err := q.coll.Find(ctx,
		bson.M{"state": string(api.TaskLeased), "lease_expires_at": bson.M{"$lte": now}},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: 1}}).
			SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, cur.Err()
}

func (q *MongoQueue) count(ctx context.Context, queue string) (int, error) {
	n, err := q.coll.CountDocuments(ctx, bson.M{
		"queue": queue,
		"state": bson.M{"$in": bson.A{string(api.TaskPending), string(api.TaskLeased)}},
	})
	return int(n), err
}
