package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ilnaes/padsync/internal/common"
)

const editsCollection = "edits"

// record is the stored form of an accepted operation.
type record struct {
	OperationID   string    `bson:"_id"`
	DocumentID    string    `bson:"document_id"`
	AuthorID      string    `bson:"author_id"`
	AuthorName    string    `bson:"author_name,omitempty"`
	Kind          string    `bson:"kind"`
	Line          int       `bson:"line"`
	Column        int       `bson:"column"`
	Text          string    `bson:"text,omitempty"`
	Length        int       `bson:"length,omitempty"`
	Version       int64     `bson:"version"`
	ParentVersion int64     `bson:"parent_version"`
	Timestamp     time.Time `bson:"timestamp"`
}

func toRecord(op common.EditOperation) record {
	return record{
		OperationID:   op.OperationID,
		DocumentID:    op.DocumentID,
		AuthorID:      op.AuthorID,
		AuthorName:    op.AuthorName,
		Kind:          string(op.Kind),
		Line:          op.Position.Line,
		Column:        op.Position.Column,
		Text:          op.Text,
		Length:        op.Length,
		Version:       op.Version,
		ParentVersion: op.ParentVersion,
		Timestamp:     op.Timestamp,
	}
}

func (r record) operation() common.EditOperation {
	return common.EditOperation{
		OperationID:   r.OperationID,
		DocumentID:    r.DocumentID,
		AuthorID:      r.AuthorID,
		AuthorName:    r.AuthorName,
		Kind:          common.OpKind(r.Kind),
		Position:      common.Position{Line: r.Line, Column: r.Column},
		Text:          r.Text,
		Length:        r.Length,
		Version:       r.Version,
		ParentVersion: r.ParentVersion,
		Timestamp:     r.Timestamp,
	}
}

// Mongo stores the log in a MongoDB collection. A unique index on
// (document_id, version) rejects a second operation for the same version.
type Mongo struct {
	client *mongo.Client
	edits  *mongo.Collection
}

func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}

	edits := client.Database(database).Collection(editsCollection)
	_, err = edits.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "document_id", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return &Mongo{client: client, edits: edits}, nil
}

func (m *Mongo) Append(ctx context.Context, op common.EditOperation) error {
	_, err := m.edits.InsertOne(ctx, toRecord(op))
	return err
}

func (m *Mongo) Latest(ctx context.Context, documentID string) (int64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	var r record
	err := m.edits.FindOne(ctx, bson.D{{Key: "document_id", Value: documentID}}, opts).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return r.Version, nil
}

func (m *Mongo) Since(ctx context.Context, documentID string, version int64) ([]common.EditOperation, error) {
	filter := bson.D{
		{Key: "document_id", Value: documentID},
		{Key: "version", Value: bson.D{{Key: "$gt", Value: version}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})
	cur, err := m.edits.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ops []common.EditOperation
	for cur.Next(ctx) {
		var r record
		if err := cur.Decode(&r); err != nil {
			return nil, err
		}
		ops = append(ops, r.operation())
	}
	return ops, cur.Err()
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
