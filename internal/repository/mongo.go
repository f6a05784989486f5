package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/opensource-finance/fundguard/internal/domain"
)

const (
	campaignsCollection = "campaigns"
	usersCollection     = "users"

	mongoConnectTimeout = 10 * time.Second
)

// MongoRepository implements domain.Repository on the platform's document
// database. Campaign ids may be ObjectIDs or plain strings.
type MongoRepository struct {
	client    *mongo.Client
	campaigns *mongo.Collection
	users     *mongo.Collection
}

// NewMongo connects to MongoDB and verifies the connection.
func NewMongo(cfg domain.RepositoryConfig) (*MongoRepository, error) {
	uri := cfg.MongoURI
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	dbname := cfg.MongoDB
	if dbname == "" {
		dbname = "crowdfunding"
	}

	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()

	opts := options.Client().ApplyURI(uri)
	if cfg.MaxOpenConns > 0 {
		opts.SetMaxPoolSize(uint64(cfg.MaxOpenConns))
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(dbname)
	return &MongoRepository{
		client:    client,
		campaigns: db.Collection(campaignsCollection),
		users:     db.Collection(usersCollection),
	}, nil
}

// GetCampaign retrieves a campaign by id.
func (r *MongoRepository) GetCampaign(ctx context.Context, id string) (domain.Record, error) {
	return r.findOne(ctx, r.campaigns, id)
}

// SaveCampaign upserts the campaign's fields, leaving the fraud namespace alone.
func (r *MongoRepository) SaveCampaign(ctx context.Context, id string, campaign domain.Record) error {
	if id == "" {
		return fmt.Errorf("%w: campaign id is required", ErrInvalidInput)
	}
	return r.upsert(ctx, r.campaigns, id, campaign)
}

// ForEachCampaign streams every campaign through fn. The fraud namespace is
// not loaded.
func (r *MongoRepository) ForEachCampaign(ctx context.Context, fn func(id string, campaign domain.Record) error) error {
	opts := options.Find().SetProjection(bson.M{"fraud": 0}).SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := r.campaigns.Find(ctx, bson.M{}, opts)
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			slog.Warn("skipping undecodable campaign", "error", err)
			continue
		}
		rec := normalizeDoc(raw)
		id, _ := rec["_id"].(string)
		if err := fn(id, rec); err != nil {
			return err
		}
	}
	return cur.Err()
}

// CountCampaignsByCreator counts campaigns by creatorID created at or after since.
func (r *MongoRepository) CountCampaignsByCreator(ctx context.Context, creatorID string, since time.Time) (int64, error) {
	if creatorID == "" {
		return 0, fmt.Errorf("%w: creator id is required", ErrInvalidInput)
	}
	filter := bson.M{
		"creator_id": matchID(creatorID),
		"created_at": bson.M{"$gte": since.UTC()},
	}
	return r.campaigns.CountDocuments(ctx, filter)
}

// GetUser retrieves a user by id.
func (r *MongoRepository) GetUser(ctx context.Context, id string) (domain.Record, error) {
	return r.findOne(ctx, r.users, id)
}

// SaveUser upserts a user document.
func (r *MongoRepository) SaveUser(ctx context.Context, id string, user domain.Record) error {
	if id == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return r.upsert(ctx, r.users, id, user)
}

// SaveFraud sets the fraud fields present in doc and pushes audit.
func (r *MongoRepository) SaveFraud(ctx context.Context, campaignID string, doc *domain.FraudDoc, audit *domain.AuditEntry) error {
	if doc == nil {
		return fmt.Errorf("%w: fraud doc is required", ErrInvalidInput)
	}

	set := bson.M{
		"fraud.score":          doc.Score,
		"fraud.rule_hits":      doc.RuleHits,
		"fraud.model_score":    doc.ModelScore,
		"fraud.model_version":  doc.ModelVersion,
		"fraud.last_scored_at": doc.LastScoredAt.UTC(),
		"fraud.status":         string(doc.Status),
	}
	if doc.FeaturesUsed != nil {
		set["fraud.features_used"] = doc.FeaturesUsed
	}
	update := bson.M{"$set": set}
	if audit != nil {
		update["$push"] = bson.M{"fraud.audit": auditDoc(audit)}
	}

	return r.updateCampaign(ctx, campaignID, update)
}

// ApplyReview sets fraud.status and pushes the audit entry.
func (r *MongoRepository) ApplyReview(ctx context.Context, campaignID string, status domain.FraudStatus, audit *domain.AuditEntry) error {
	if status == "" {
		return fmt.Errorf("%w: status is required", ErrInvalidInput)
	}
	update := bson.M{"$set": bson.M{"fraud.status": string(status)}}
	if audit != nil {
		update["$push"] = bson.M{"fraud.audit": auditDoc(audit)}
	}
	return r.updateCampaign(ctx, campaignID, update)
}

// ListFlagged returns campaigns by fraud.score descending without features_used.
func (r *MongoRepository) ListFlagged(ctx context.Context, q domain.FlaggedQuery) ([]domain.Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultFlaggedLimit
	}

	filter := bson.M{"fraud.score": bson.M{"$gte": q.MinScore}}
	if q.Status != "" {
		filter["fraud.status"] = string(q.Status)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "fraud.score", Value: -1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"fraud.features_used": 0})

	cur, err := r.campaigns.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []domain.Record{}
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		out = append(out, normalizeDoc(raw))
	}
	return out, cur.Err()
}

// Ping checks database connectivity.
func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (r *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()
	return r.client.Disconnect(ctx)
}

func (r *MongoRepository) findOne(ctx context.Context, coll *mongo.Collection, id string) (domain.Record, error) {
	var raw bson.M
	err := coll.FindOne(ctx, bson.M{"_id": matchID(id)}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return normalizeDoc(raw), nil
}

func (r *MongoRepository) upsert(ctx context.Context, coll *mongo.Collection, id string, rec domain.Record) error {
	set := bson.M{}
	for k, v := range rec {
		if k == "_id" || k == "fraud" {
			continue
		}
		set[k] = v
	}
	// store timestamps as dates so range queries work
	if t, ok := rec.Time("created_at"); ok {
		set["created_at"] = t.UTC()
	}
	if len(set) == 0 {
		set["updated_at"] = time.Now().UTC()
	}

	_, err := coll.UpdateOne(ctx, bson.M{"_id": storedID(id)}, bson.M{"$set": set}, options.Update().SetUpsert(true))
	return err
}

func (r *MongoRepository) updateCampaign(ctx context.Context, id string, update bson.M) error {
	res, err := r.campaigns.UpdateOne(ctx, bson.M{"_id": matchID(id)}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// storedID is the _id written for a new document: an ObjectID when id is
// valid hex, otherwise the string itself.
func storedID(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

// matchID matches id whether it was stored as an ObjectID or a string.
func matchID(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"$in": bson.A{oid, id}}
	}
	return id
}

func auditDoc(e *domain.AuditEntry) bson.M {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	doc := bson.M{"id": id, "action": string(e.Action), "at": at.UTC()}
	if e.Admin != "" {
		doc["admin"] = e.Admin
	}
	if e.Comment != "" {
		doc["comment"] = e.Comment
	}
	return doc
}

// normalizeDoc converts driver types into the plain values Record expects.
func normalizeDoc(raw bson.M) domain.Record {
	rec := make(domain.Record, len(raw))
	for k, v := range raw {
		rec[k] = normalizeValue(v)
	}
	return rec
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(x.T), 0).UTC()
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return x.String()
		}
		return f
	case primitive.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeValue(e)
		}
		return out
	case primitive.M:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalizeValue(e)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = normalizeValue(e.Value)
		}
		return out
	case primitive.Null, primitive.Undefined:
		return nil
	}
	return v
}
