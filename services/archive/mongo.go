// Package archive keeps raw provider payloads for audit. Archiving is best
// effort: a sync run never fails because the archive is down.
package archive

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB database and collection names
const (
	MongoDBName            = "marketsync"
	MongoRawPageCollection = "raw_pages"
)

// RawPageDoc is one archived provider page.
type RawPageDoc struct {
	RunID      uint            `bson:"run_id"`
	PageNo     int             `bson:"page_no"`
	Payload    json.RawMessage `bson:"payload"`
	ArchivedAt time.Time       `bson:"archived_at"`
}

// MongoArchive stores raw pages in MongoDB. When MONGODB_URI is unset the
// archive is disabled and every call is a logged no-op.
type MongoArchive struct {
	client   *mongo.Client
	database *mongo.Database
	enabled  bool
}

// NewMongoArchive connects to MongoDB if MONGODB_URI is configured.
func NewMongoArchive(ctx context.Context) *MongoArchive {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		log.Println("MONGODB_URI not set, raw page archive disabled")
		return &MongoArchive{}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		log.Printf("Warning: MongoDB connection failed, archive disabled: %v", err)
		return &MongoArchive{}
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		log.Printf("Warning: MongoDB ping failed, archive disabled: %v", err)
		return &MongoArchive{}
	}

	log.Println("Raw page archive connected to MongoDB")
	return &MongoArchive{
		client:   client,
		database: client.Database(MongoDBName),
		enabled:  true,
	}
}

// Enabled reports whether the archive is active.
func (a *MongoArchive) Enabled() bool {
	return a.enabled
}

// SaveRawPage archives one fetched page for a run.
func (a *MongoArchive) SaveRawPage(ctx context.Context, runID uint, pageNo int, payload []byte) error {
	if !a.enabled {
		return nil
	}

	doc := RawPageDoc{
		RunID:      runID,
		PageNo:     pageNo,
		Payload:    json.RawMessage(payload),
		ArchivedAt: time.Now(),
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := a.database.Collection(MongoRawPageCollection).InsertOne(writeCtx, doc)
	return err
}

// Close disconnects from MongoDB.
func (a *MongoArchive) Close(ctx context.Context) {
	if a.client == nil {
		return
	}
	if err := a.client.Disconnect(ctx); err != nil {
		log.Printf("Warning: MongoDB disconnect failed: %v", err)
	}
}
