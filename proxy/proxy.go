package proxy

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/agentuity/go-mongoproxy/failure"
)

// Client wraps a *mongo.Client. Methods that perform network I/O run under
// Execute; Database returns a proxied handle carrying the same Config.
type Client struct {
	client *mongo.Client
	cfg    Config
}

// NewClient returns a retrying proxy around client. The client lifecycle
// stays with the caller; the proxy never disconnects it except through a
// configured ConnectionResetter.
func NewClient(client *mongo.Client, opts ...Option) *Client {
	return &Client{client: client, cfg: NewConfig(opts...)}
}

// Unwrap returns the underlying driver client.
func (c *Client) Unwrap() *mongo.Client { return c.client }

// Database returns a proxied database handle.
func (c *Client) Database(name string, opts ...*options.DatabaseOptions) *Database {
	return &Database{db: c.client.Database(name, opts...), cfg: c.cfg}
}

func (c *Client) Ping(ctx context.Context, rp *readpref.ReadPref) error {
	_, err := Execute(ctx, c.cfg, "Client.Ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.client.Ping(ctx, rp)
	})
	return err
}

func (c *Client) ListDatabaseNames(ctx context.Context, filter interface{}, opts ...*options.ListDatabasesOptions) ([]string, error) {
	return Execute(ctx, c.cfg, "Client.ListDatabaseNames", func(ctx context.Context) ([]string, error) {
		return c.client.ListDatabaseNames(ctx, filter, opts...)
	})
}

// Database wraps a *mongo.Database.
type Database struct {
	db  *mongo.Database
	cfg Config
}

// Unwrap returns the underlying driver database.
func (d *Database) Unwrap() *mongo.Database { return d.db }

func (d *Database) Name() string { return d.db.Name() }

// Collection returns a proxied collection handle.
func (d *Database) Collection(name string, opts ...*options.CollectionOptions) *Collection {
	return &Collection{coll: d.db.Collection(name, opts...), cfg: d.cfg}
}

func (d *Database) RunCommand(ctx context.Context, runCommand interface{}, opts ...*options.RunCmdOptions) *mongo.SingleResult {
	return executeSingle(ctx, d.cfg, "Database.RunCommand", func(ctx context.Context) *mongo.SingleResult {
		return d.db.RunCommand(ctx, runCommand, opts...)
	})
}

func (d *Database) ListCollectionNames(ctx context.Context, filter interface{}, opts ...*options.ListCollectionsOptions) ([]string, error) {
	return Execute(ctx, d.cfg, "Database.ListCollectionNames", func(ctx context.Context) ([]string, error) {
		return d.db.ListCollectionNames(ctx, filter, opts...)
	})
}

func (d *Database) CreateCollection(ctx context.Context, name string, opts ...*options.CreateCollectionOptions) error {
	_, err := Execute(ctx, d.cfg, "Database.CreateCollection", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.db.CreateCollection(ctx, name, opts...)
	})
	return err
}

func (d *Database) Drop(ctx context.Context) error {
	_, err := Execute(ctx, d.cfg, "Database.Drop", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.db.Drop(ctx)
	})
	return err
}

// Collection wraps a *mongo.Collection.
type Collection struct {
	coll *mongo.Collection
	cfg  Config
}

// Unwrap returns the underlying driver collection.
func (c *Collection) Unwrap() *mongo.Collection { return c.coll }

func (c *Collection) Name() string { return c.coll.Name() }

// Indexes returns a retrying view over the collection's indexes.
func (c *Collection) Indexes() IndexView {
	return IndexView{view: c.coll.Indexes(), cfg: c.cfg}
}

// Clone re-wraps the cloned collection so navigation stays protected.
func (c *Collection) Clone(opts ...*options.CollectionOptions) (*Collection, error) {
	coll, err := c.coll.Clone(opts...)
	if err != nil {
		return nil, err
	}
	return &Collection{coll: coll, cfg: c.cfg}, nil
}

func (c *Collection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error) {
	return Execute(ctx, c.cfg, "Collection.Find", func(ctx context.Context) (*mongo.Cursor, error) {
		return c.coll.Find(ctx, filter, opts...)
	})
}

func (c *Collection) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult {
	return executeSingle(ctx, c.cfg, "Collection.FindOne", func(ctx context.Context) *mongo.SingleResult {
		return c.coll.FindOne(ctx, filter, opts...)
	})
}

func (c *Collection) FindOneAndDelete(ctx context.Context, filter interface{}, opts ...*options.FindOneAndDeleteOptions) *mongo.SingleResult {
	return executeSingle(ctx, c.cfg, "Collection.FindOneAndDelete", func(ctx context.Context) *mongo.SingleResult {
		return c.coll.FindOneAndDelete(ctx, filter, opts...)
	})
}

func (c *Collection) FindOneAndReplace(ctx context.Context, filter, replacement interface{}, opts ...*options.FindOneAndReplaceOptions) *mongo.SingleResult {
	return executeSingle(ctx, c.cfg, "Collection.FindOneAndReplace", func(ctx context.Context) *mongo.SingleResult {
		return c.coll.FindOneAndReplace(ctx, filter, replacement, opts...)
	})
}

func (c *Collection) FindOneAndUpdate(ctx context.Context, filter, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult {
	return executeSingle(ctx, c.cfg, "Collection.FindOneAndUpdate", func(ctx context.Context) *mongo.SingleResult {
		return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
	})
}

// InsertOne retries on transient failures. Retrying a write that reached the
// server can insert duplicates; idempotency is the caller's concern.
func (c *Collection) InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	return Execute(ctx, c.cfg, "Collection.InsertOne", func(ctx context.Context) (*mongo.InsertOneResult, error) {
		return c.coll.InsertOne(ctx, document, opts...)
	})
}

func (c *Collection) InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error) {
	return Execute(ctx, c.cfg, "Collection.InsertMany", func(ctx context.Context) (*mongo.InsertManyResult, error) {
		return c.coll.InsertMany(ctx, documents, opts...)
	})
}

func (c *Collection) UpdateOne(ctx context.Context, filter, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	return Execute(ctx, c.cfg, "Collection.UpdateOne", func(ctx context.Context) (*mongo.UpdateResult, error) {
		return c.coll.UpdateOne(ctx, filter, update, opts...)
	})
}

func (c *Collection) UpdateMany(ctx context.Context, filter, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	return Execute(ctx, c.cfg, "Collection.UpdateMany", func(ctx context.Context) (*mongo.UpdateResult, error) {
		return c.coll.UpdateMany(ctx, filter, update, opts...)
	})
}

func (c *Collection) UpdateByID(ctx context.Context, id, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	return Execute(ctx, c.cfg, "Collection.UpdateByID", func(ctx context.Context) (*mongo.UpdateResult, error) {
		return c.coll.UpdateByID(ctx, id, update, opts...)
	})
}

func (c *Collection) ReplaceOne(ctx context.Context, filter, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	return Execute(ctx, c.cfg, "Collection.ReplaceOne", func(ctx context.Context) (*mongo.UpdateResult, error) {
		return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
	})
}

func (c *Collection) DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	return Execute(ctx, c.cfg, "Collection.DeleteOne", func(ctx context.Context) (*mongo.DeleteResult, error) {
		return c.coll.DeleteOne(ctx, filter, opts...)
	})
}

func (c *Collection) DeleteMany(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	return Execute(ctx, c.cfg, "Collection.DeleteMany", func(ctx context.Context) (*mongo.DeleteResult, error) {
		return c.coll.DeleteMany(ctx, filter, opts...)
	})
}

func (c *Collection) Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (*mongo.Cursor, error) {
	return Execute(ctx, c.cfg, "Collection.Aggregate", func(ctx context.Context) (*mongo.Cursor, error) {
		return c.coll.Aggregate(ctx, pipeline, opts...)
	})
}

func (c *Collection) CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error) {
	return Execute(ctx, c.cfg, "Collection.CountDocuments", func(ctx context.Context) (int64, error) {
		return c.coll.CountDocuments(ctx, filter, opts...)
	})
}

func (c *Collection) EstimatedDocumentCount(ctx context.Context, opts ...*options.EstimatedDocumentCountOptions) (int64, error) {
	return Execute(ctx, c.cfg, "Collection.EstimatedDocumentCount", func(ctx context.Context) (int64, error) {
		return c.coll.EstimatedDocumentCount(ctx, opts...)
	})
}

func (c *Collection) Distinct(ctx context.Context, fieldName string, filter interface{}, opts ...*options.DistinctOptions) ([]interface{}, error) {
	return Execute(ctx, c.cfg, "Collection.Distinct", func(ctx context.Context) ([]interface{}, error) {
		return c.coll.Distinct(ctx, fieldName, filter, opts...)
	})
}

func (c *Collection) BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error) {
	return Execute(ctx, c.cfg, "Collection.BulkWrite", func(ctx context.Context) (*mongo.BulkWriteResult, error) {
		return c.coll.BulkWrite(ctx, models, opts...)
	})
}

func (c *Collection) Drop(ctx context.Context) error {
	_, err := Execute(ctx, c.cfg, "Collection.Drop", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.coll.Drop(ctx)
	})
	return err
}

// IndexView wraps a mongo.IndexView so index management, which performs
// network I/O like any other command, runs under the collection's retry
// configuration.
type IndexView struct {
	view mongo.IndexView
	cfg  Config
}

// Unwrap returns the underlying driver index view.
func (iv IndexView) Unwrap() mongo.IndexView { return iv.view }

func (iv IndexView) List(ctx context.Context, opts ...*options.ListIndexesOptions) (*mongo.Cursor, error) {
	return Execute(ctx, iv.cfg, "IndexView.List", func(ctx context.Context) (*mongo.Cursor, error) {
		return iv.view.List(ctx, opts...)
	})
}

func (iv IndexView) CreateOne(ctx context.Context, model mongo.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return Execute(ctx, iv.cfg, "IndexView.CreateOne", func(ctx context.Context) (string, error) {
		return iv.view.CreateOne(ctx, model, opts...)
	})
}

func (iv IndexView) CreateMany(ctx context.Context, models []mongo.IndexModel, opts ...*options.CreateIndexesOptions) ([]string, error) {
	return Execute(ctx, iv.cfg, "IndexView.CreateMany", func(ctx context.Context) ([]string, error) {
		return iv.view.CreateMany(ctx, models, opts...)
	})
}

func (iv IndexView) DropOne(ctx context.Context, name string, opts ...*options.DropIndexesOptions) (bson.Raw, error) {
	return Execute(ctx, iv.cfg, "IndexView.DropOne", func(ctx context.Context) (bson.Raw, error) {
		return iv.view.DropOne(ctx, name, opts...)
	})
}

func (iv IndexView) DropAll(ctx context.Context, opts ...*options.DropIndexesOptions) (bson.Raw, error) {
	return Execute(ctx, iv.cfg, "IndexView.DropAll", func(ctx context.Context) (bson.Raw, error) {
		return iv.view.DropAll(ctx, opts...)
	})
}

// executeSingle retries operations whose driver API returns a
// *mongo.SingleResult with the error folded inside. Non-retryable result
// errors (including mongo.ErrNoDocuments) pass through in the result; a
// terminal retry failure is folded back into a SingleResult so the driver
// call shape is preserved.
func executeSingle(ctx context.Context, cfg Config, name string, op func(context.Context) *mongo.SingleResult) *mongo.SingleResult {
	res, err := Execute(ctx, cfg, name, func(ctx context.Context) (*mongo.SingleResult, error) {
		res := op(ctx)
		if err := res.Err(); err != nil && failure.Retryable(err) {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		return mongo.NewSingleResultFromDocument(bson.D{}, err, nil)
	}
	return res
}
