package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"files-manager/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defaultMongoDatabase = "files_manager"
	usersCollection      = "users"
	filesCollection      = "files"
)

// MongoConfig describes the document-store backend.
type MongoConfig struct {
	URI              string
	Database         string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	Logger           *slog.Logger
}

func newMongoConfig(uri string, opts ...Option) MongoConfig {
	cfg := MongoConfig{
		URI:              uri,
		Database:         defaultMongoDatabase,
		ConnectTimeout:   10 * time.Second,
		OperationTimeout: 5 * time.Second,
		Logger:           slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyMongo(&cfg)
		}
	}
	return cfg
}

type userDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Email     string             `bson:"email"`
	Password  string             `bson:"password"`
	CreatedAt time.Time          `bson:"createdAt"`
}

func (d userDocument) model() models.User {
	return models.User{
		ID:           d.ID.Hex(),
		Email:        d.Email,
		PasswordHash: d.Password,
		CreatedAt:    d.CreatedAt,
	}
}

type fileDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	UserID    primitive.ObjectID `bson:"userId"`
	Name      string             `bson:"name"`
	Type      string             `bson:"type"`
	IsPublic  bool               `bson:"isPublic"`
	ParentID  string             `bson:"parentId"`
	LocalPath string             `bson:"localPath,omitempty"`
	CreatedAt time.Time          `bson:"createdAt"`
}

func (d fileDocument) model() models.FileNode {
	return models.FileNode{
		ID:        d.ID.Hex(),
		OwnerID:   d.UserID.Hex(),
		Name:      d.Name,
		Kind:      models.Kind(d.Type),
		IsPublic:  d.IsPublic,
		ParentID:  models.ParentID(d.ParentID),
		LocalPath: d.LocalPath,
		CreatedAt: d.CreatedAt,
	}
}

type mongoRepository struct {
	client *mongo.Client
	users  *mongo.Collection
	files  *mongo.Collection
	cfg    MongoConfig
	logger *slog.Logger
}

// NewMongoRepository connects to MongoDB and ensures the indexes backing
// email uniqueness and per-folder listings exist.
func NewMongoRepository(ctx context.Context, uri string, opts ...Option) (Repository, error) {
	cfg := newMongoConfig(uri, opts...)
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("mongo uri required")
	}

	clientOpts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.ConnectTimeout)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	repo := &mongoRepository{
		client: client,
		users:  db.Collection(usersCollection),
		files:  db.Collection(filesCollection),
		cfg:    cfg,
		logger: cfg.Logger,
	}
	if err := repo.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return repo, nil
}

func (r *mongoRepository) ensureIndexes(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err := r.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("users_email_unique"),
	})
	if err != nil {
		return fmt.Errorf("create users index: %w", err)
	}
	_, err = r.files.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "parentId", Value: 1}, {Key: "_id", Value: 1}},
		Options: options.Index().SetName("files_owner_parent"),
	})
	if err != nil {
		return fmt.Errorf("create files index: %w", err)
	}
	return nil
}

func (r *mongoRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.OperationTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *mongoRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.client.Ping(ctx, readpref.Primary())
}

func (r *mongoRepository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

func (r *mongoRepository) InsertUser(ctx context.Context, user models.User) (models.User, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	doc := userDocument{
		ID:        primitive.NewObjectID(),
		Email:     user.Email,
		Password:  user.PasswordHash,
		CreatedAt: user.CreatedAt,
	}
	if _, err := r.users.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.User{}, ErrAlreadyExists
		}
		return models.User{}, fmt.Errorf("db error: %w", err)
	}
	return doc.model(), nil
}

func (r *mongoRepository) findUser(ctx context.Context, filter bson.D) (models.User, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var doc userDocument
	err := r.users.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.User{}, false, nil
	}
	if err != nil {
		return models.User{}, false, fmt.Errorf("db error: %w", err)
	}
	return doc.model(), true, nil
}

func (r *mongoRepository) FindUserByEmail(ctx context.Context, email string) (models.User, bool, error) {
	return r.findUser(ctx, bson.D{{Key: "email", Value: email}})
}

func (r *mongoRepository) FindUserByID(ctx context.Context, id string) (models.User, bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return models.User{}, false, nil
	}
	return r.findUser(ctx, bson.D{{Key: "_id", Value: oid}})
}

func (r *mongoRepository) CountUsers(ctx context.Context) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	n, err := r.users.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *mongoRepository) CountFiles(ctx context.Context) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	n, err := r.files.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *mongoRepository) InsertFile(ctx context.Context, node models.FileNode) (models.FileNode, error) {
	owner, err := primitive.ObjectIDFromHex(node.OwnerID)
	if err != nil {
		return models.FileNode{}, fmt.Errorf("invalid owner id %q", node.OwnerID)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	doc := fileDocument{
		ID:        primitive.NewObjectID(),
		UserID:    owner,
		Name:      node.Name,
		Type:      string(node.Kind),
		IsPublic:  node.IsPublic,
		ParentID:  node.ParentID.String(),
		LocalPath: node.LocalPath,
		CreatedAt: node.CreatedAt,
	}
	if _, err := r.files.InsertOne(ctx, doc); err != nil {
		return models.FileNode{}, fmt.Errorf("db error: %w", err)
	}
	return doc.model(), nil
}

func (r *mongoRepository) findFile(ctx context.Context, filter bson.D) (models.FileNode, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var doc fileDocument
	err := r.files.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.FileNode{}, false, nil
	}
	if err != nil {
		return models.FileNode{}, false, fmt.Errorf("db error: %w", err)
	}
	return doc.model(), true, nil
}

func (r *mongoRepository) FindFile(ctx context.Context, id string) (models.FileNode, bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return models.FileNode{}, false, nil
	}
	return r.findFile(ctx, bson.D{{Key: "_id", Value: oid}})
}

func ownedFilter(id, ownerID string) (bson.D, bool) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, false
	}
	owner, err := primitive.ObjectIDFromHex(ownerID)
	if err != nil {
		return nil, false
	}
	return bson.D{{Key: "_id", Value: oid}, {Key: "userId", Value: owner}}, true
}

func (r *mongoRepository) FindOwnedFile(ctx context.Context, id, ownerID string) (models.FileNode, bool, error) {
	filter, ok := ownedFilter(id, ownerID)
	if !ok {
		return models.FileNode{}, false, nil
	}
	return r.findFile(ctx, filter)
}

func (r *mongoRepository) ListFiles(ctx context.Context, ownerID, parentID string, offset, limit int) ([]models.FileNode, error) {
	owner, err := primitive.ObjectIDFromHex(ownerID)
	if err != nil {
		return []models.FileNode{}, nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	findOpts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cursor, err := r.files.Find(ctx, bson.D{{Key: "userId", Value: owner}, {Key: "parentId", Value: parentID}}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer cursor.Close(ctx)

	nodes := make([]models.FileNode, 0, limit)
	for cursor.Next(ctx) {
		var doc fileDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode file: %w", err)
		}
		nodes = append(nodes, doc.model())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return nodes, nil
}

func (r *mongoRepository) UpdateVisibility(ctx context.Context, id, ownerID string, isPublic bool) (models.FileNode, bool, error) {
	filter, ok := ownedFilter(id, ownerID)
	if !ok {
		return models.FileNode{}, false, nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	update := bson.D{{Key: "$set", Value: bson.D{{Key: "isPublic", Value: isPublic}}}}
	var doc fileDocument
	err := r.files.FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.FileNode{}, false, nil
	}
	if err != nil {
		return models.FileNode{}, false, fmt.Errorf("db error: %w", err)
	}
	return doc.model(), true, nil
}
