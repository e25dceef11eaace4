// Command mongoproxy is a manual test harness for exercising the retry
// proxy and the durable cursor against a live replica set. Run it, then
// trigger failovers (rs.stepDown() in mongosh, or stop the primary's
// container) and watch the output.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/agentuity/go-mongoproxy/durable"
	"github.com/agentuity/go-mongoproxy/proxy"
)

var (
	uri      string
	dbName   string
	collName string
	numDocs  int
	interval time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "mongoproxy",
	Short:        "manual failover tests for the MongoDB retry proxy",
	SilenceUsage: true,
}

var writeCmd = &cobra.Command{
	Use:   "write-test",
	Short: "insert a document every interval through the retry proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		log := logger.NewConsoleLogger(logger.LevelDebug)

		client, err := connect(ctx, log)
		if err != nil {
			return err
		}
		defer client.Disconnect(context.Background())

		coll := proxy.NewClient(client, proxy.WithLogger(log)).
			Database(dbName).Collection(collName)
		if err := coll.Drop(ctx); err != nil {
			log.Warn("could not drop collection (okay on first run): %s", err)
		}

		log.Info("inserting every %s; trigger a failover with rs.stepDown() and watch the retries", interval)
		for counter := 1; ; counter++ {
			doc := bson.D{{Key: "counter", Value: counter}, {Key: "time", Value: time.Now()}}
			res, err := coll.InsertOne(ctx, doc)
			if err != nil {
				if ctx.Err() != nil {
					log.Info("stopped")
					return nil
				}
				log.Error("[%d] insert failed: %s", counter, err)
			} else {
				log.Info("[%d] inserted %v", counter, res.InsertedID)
			}
			select {
			case <-ctx.Done():
				log.Info("stopped")
				return nil
			case <-time.After(interval):
			}
		}
	},
}

var cursorCmd = &cobra.Command{
	Use:   "cursor-test",
	Short: "iterate a durable cursor slowly and verify exactly-once delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		log := logger.NewConsoleLogger(logger.LevelDebug)

		client, err := connect(ctx, log)
		if err != nil {
			return err
		}
		defer client.Disconnect(context.Background())

		coll := client.Database(dbName).Collection(collName)
		log.Info("seeding %d documents", numDocs)
		if err := coll.Drop(ctx); err != nil {
			return err
		}
		seed := make([]interface{}, 0, numDocs)
		for i := 1; i <= numDocs; i++ {
			seed = append(seed, bson.D{{Key: "doc_num", Value: i}})
		}
		if _, err := coll.InsertMany(ctx, seed); err != nil {
			return err
		}

		// Batch size 1 forces a server round-trip per document so a
		// failover mid-iteration is guaranteed to hit the cursor.
		cursor, err := durable.NewCursor(ctx, durable.WrapCollection(coll),
			durable.WithSort(bson.D{{Key: "doc_num", Value: 1}}),
			durable.WithBatchSize(1),
			durable.WithLogger(log),
		)
		if err != nil {
			return err
		}
		defer cursor.Close(context.Background())

		log.Info("iterating one document per %s; trigger a failover once the counter is moving", interval)
		var retrieved []int
		for cursor.Next(ctx) {
			var d struct {
				DocNum int `bson:"doc_num"`
			}
			if err := cursor.Decode(&d); err != nil {
				return err
			}
			retrieved = append(retrieved, d.DocNum)
			log.Info("retrieved document %d/%d", d.DocNum, numDocs)
			select {
			case <-ctx.Done():
				log.Info("stopped")
				return nil
			case <-time.After(interval):
			}
		}
		if err := cursor.Err(); err != nil {
			return err
		}

		for i, got := range retrieved {
			if got != i+1 {
				return fmt.Errorf("delivery mismatch at index %d: got %d (duplicates or gaps)", i, got)
			}
		}
		if len(retrieved) != numDocs {
			return fmt.Errorf("expected %d documents, got %d", numDocs, len(retrieved))
		}
		log.Info("success: all %d documents delivered exactly once, in order", numDocs)
		return nil
	},
}

func connect(ctx context.Context, log logger.Logger) (*mongo.Client, error) {
	log.Info("connecting to %s", uri)
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	log.Info("connected")
	return client, nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&uri, "uri", "mongodb://localhost:27017,localhost:27018,localhost:27019/?replicaSet=rs0", "replica set connection string")
	rootCmd.PersistentFlags().StringVar(&dbName, "db", "testdb", "database name")
	rootCmd.PersistentFlags().StringVar(&collName, "coll", "proxy_test", "collection name")
	cursorCmd.Flags().IntVar(&numDocs, "docs", 300, "documents to seed for the cursor test")
	rootCmd.PersistentFlags().DurationVar(&interval, "interval", 2*time.Second, "pause between operations")
	rootCmd.AddCommand(writeCmd, cursorCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
