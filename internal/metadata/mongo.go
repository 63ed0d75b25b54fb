package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/phuaky/pong-rank/internal/constants"
	"github.com/phuaky/pong-rank/internal/domain"
)

const (
	usersCollection   = "users"
	matchesCollection = "matches"
)

// userDocument is keyed by the owner key so an upsert retried by the same
// owner always lands on the same document.
type userDocument struct {
	OwnerKey  string    `bson:"_id"`
	PlayerID  string    `bson:"playerId"`
	Name      string    `bson:"name"`
	Email     string    `bson:"email,omitempty"`
	PhotoURL  string    `bson:"photoURL,omitempty"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type matchDocument struct {
	MatchID   string    `bson:"_id"`
	Score     string    `bson:"score"`
	Kind      string    `bson:"type"`
	TxRef     string    `bson:"txHash,omitempty"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type MongoStore struct {
	client  *mongo.Client
	users   *mongo.Collection
	matches *mongo.Collection
	logger  zerolog.Logger
	maxKeys int
	now     func() time.Time
}

func NewMongoStore(ctx context.Context, uri, database string, maxKeys int, logger zerolog.Logger) (*MongoStore, error) {
	logger = logger.With().Str("component", "metadata.mongo").Logger()

	connectCtx, cancel := context.WithTimeout(ctx, constants.ExternalAPITimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:  client,
		users:   db.Collection(usersCollection),
		matches: db.Collection(matchesCollection),
		logger:  logger,
		maxKeys: maxKeys,
		now:     time.Now,
	}

	if _, err := s.users.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "playerId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create playerId index: %w", err)
	}

	logger.Info().Str("database", database).Msg("connected to metadata store")
	return s, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) UpsertUserProfile(ctx context.Context, p domain.UserProfile) error {
	if err := validateProfile(p); err != nil {
		return err
	}

	now := s.now().UTC()
	update := bson.M{
		"$set": bson.M{
			"playerId":  p.PlayerID.String(),
			"name":      p.Name,
			"email":     p.Email,
			"photoURL":  p.PhotoURL,
			"updatedAt": now,
		},
		"$setOnInsert": bson.M{"createdAt": now},
	}

	_, err := s.users.UpdateOne(ctx, bson.M{"_id": p.OwnerKey}, update, options.Update().SetUpsert(true))
	if err != nil {
		s.logger.Error().Err(err).Str("owner_key", p.OwnerKey).Msg("failed to upsert user profile")
		return unavailable("upsert user profile", err)
	}
	return nil
}

func (s *MongoStore) GetUserByOwnerKey(ctx context.Context, ownerKey string) (*domain.UserProfile, error) {
	var doc userDocument
	err := s.users.FindOne(ctx, bson.M{"_id": ownerKey}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get user profile", err)
	}

	p, err := doc.profile()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *MongoStore) GetUsersByPlayerIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.UserProfile, error) {
	return lookupChunked(ctx, ids, s.maxKeys, func(ctx context.Context, chunk []uuid.UUID) (map[uuid.UUID]domain.UserProfile, error) {
		var docs []userDocument
		if err := s.find(ctx, s.users, bson.M{"playerId": bson.M{"$in": uuidStrings(chunk)}}, &docs); err != nil {
			return nil, unavailable("get user profiles", err)
		}

		profiles := profilesFrom(docs, s.logger)
		out := make(map[uuid.UUID]domain.UserProfile, len(profiles))
		for _, p := range profiles {
			out[p.PlayerID] = p
		}
		return out, nil
	})
}

func (s *MongoStore) ListUserProfiles(ctx context.Context) ([]domain.UserProfile, error) {
	var docs []userDocument
	if err := s.find(ctx, s.users, bson.M{}, &docs); err != nil {
		return nil, unavailable("list user profiles", err)
	}

	return profilesFrom(docs, s.logger), nil
}

func (s *MongoStore) DeleteUserProfile(ctx context.Context, ownerKey string) error {
	res, err := s.users.DeleteOne(ctx, bson.M{"_id": ownerKey})
	if err != nil {
		return unavailable("delete user profile", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: user profile %s", domain.ErrNotFound, ownerKey)
	}
	return nil
}

func (s *MongoStore) CreateMatchMetadata(ctx context.Context, matchID uuid.UUID, score string, kind domain.MatchKind) error {
	now := s.now().UTC()
	filter := bson.M{"_id": matchID.String(), "txHash": bson.M{"$exists": false}}
	update := bson.M{
		"$set": bson.M{
			"score":     score,
			"type":      string(kind),
			"updatedAt": now,
		},
		"$setOnInsert": bson.M{"createdAt": now},
	}

	_, err := s.matches.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// the row exists and is already confirmed
		return nil
	}
	if err != nil {
		s.logger.Error().Err(err).Str("match_id", matchID.String()).Msg("failed to create match metadata")
		return unavailable("create match metadata", err)
	}
	return nil
}

func (s *MongoStore) UpdateMatchTxRef(ctx context.Context, matchID uuid.UUID, txRef string) error {
	res, err := s.matches.UpdateOne(ctx,
		bson.M{"_id": matchID.String()},
		bson.M{"$set": bson.M{"txHash": txRef, "updatedAt": s.now().UTC()}},
	)
	if err != nil {
		return unavailable("update match tx ref", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: match metadata %s", domain.ErrNotFound, matchID)
	}
	return nil
}

func (s *MongoStore) GetMatchMetadataByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.MatchMetadata, error) {
	return lookupChunked(ctx, ids, s.maxKeys, func(ctx context.Context, chunk []uuid.UUID) (map[uuid.UUID]domain.MatchMetadata, error) {
		var docs []matchDocument
		if err := s.find(ctx, s.matches, bson.M{"_id": bson.M{"$in": uuidStrings(chunk)}}, &docs); err != nil {
			return nil, unavailable("get match metadata", err)
		}

		matches := matchesFrom(docs, s.logger)
		out := make(map[uuid.UUID]domain.MatchMetadata, len(matches))
		for _, m := range matches {
			out[m.MatchID] = m
		}
		return out, nil
	})
}

func (s *MongoStore) ListUnconfirmedMatches(ctx context.Context, before time.Time) ([]domain.MatchMetadata, error) {
	var docs []matchDocument
	filter := bson.M{"txHash": bson.M{"$exists": false}, "updatedAt": bson.M{"$lt": before.UTC()}}
	if err := s.find(ctx, s.matches, filter, &docs); err != nil {
		return nil, unavailable("list unconfirmed matches", err)
	}
	return matchesFrom(docs, s.logger), nil
}

func (s *MongoStore) DeleteMatchMetadata(ctx context.Context, matchID uuid.UUID) error {
	res, err := s.matches.DeleteOne(ctx, bson.M{"_id": matchID.String()})
	if err != nil {
		return unavailable("delete match metadata", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: match metadata %s", domain.ErrNotFound, matchID)
	}
	return nil
}

func (s *MongoStore) find(ctx context.Context, coll *mongo.Collection, filter bson.M, out interface{}) error {
	cur, err := coll.Find(ctx, filter)
	if err != nil {
		return err
	}
	return cur.All(ctx, out)
}

// profilesFrom converts documents, skipping any whose player id does not
// parse so one bad document cannot fail a whole read.
func profilesFrom(docs []userDocument, logger zerolog.Logger) []domain.UserProfile {
	out := make([]domain.UserProfile, 0, len(docs))
	for _, doc := range docs {
		p, err := doc.profile()
		if err != nil {
			logger.Warn().Err(err).Str("signal", "malformed_row").Str("owner_key", doc.OwnerKey).Msg("skipping user document")
			continue
		}
		out = append(out, p)
	}
	return out
}

func matchesFrom(docs []matchDocument, logger zerolog.Logger) []domain.MatchMetadata {
	out := make([]domain.MatchMetadata, 0, len(docs))
	for _, doc := range docs {
		m, err := doc.metadata()
		if err != nil {
			logger.Warn().Err(err).Str("signal", "malformed_row").Str("match_id", doc.MatchID).Msg("skipping match document")
			continue
		}
		out = append(out, m)
	}
	return out
}

func (d userDocument) profile() (domain.UserProfile, error) {
	id, err := uuid.Parse(d.PlayerID)
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("%w: user %s has player id %q", domain.ErrMalformedIdentifier, d.OwnerKey, d.PlayerID)
	}
	return domain.UserProfile{
		OwnerKey:  d.OwnerKey,
		PlayerID:  id,
		Name:      d.Name,
		Email:     d.Email,
		PhotoURL:  d.PhotoURL,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

func (d matchDocument) metadata() (domain.MatchMetadata, error) {
	id, err := uuid.Parse(d.MatchID)
	if err != nil {
		return domain.MatchMetadata{}, fmt.Errorf("%w: match document %q", domain.ErrMalformedIdentifier, d.MatchID)
	}
	return domain.MatchMetadata{
		MatchID:   id,
		Score:     d.Score,
		Kind:      domain.MatchKind(d.Kind),
		TxRef:     d.TxRef,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
