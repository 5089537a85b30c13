package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoRepo 把一种记录保存在一个集合中, _id 即记录 id
type MongoRepo[T Record[T]] struct {
	coll *mongo.Collection
}

func NewMongoRepo[T Record[T]](coll *mongo.Collection) *MongoRepo[T] {
	return &MongoRepo[T]{coll: coll}
}

// NewMongo 连接 MongoDB 并在 database 下为每种记录使用一个集合
func NewMongo(ctx context.Context, uri, database string) (*Registry, error) {
	if database == "" {
		database = "homegate"
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("连接 MongoDB 失败: %w", err)
	}
	if err = client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping MongoDB 失败: %w", err)
	}

	db := client.Database(database)
	return &Registry{
		Plugins:     NewMongoRepo[PluginDescriptor](db.Collection("plugins")),
		Devices:     NewMongoRepo[DeviceConfig](db.Collection("devices")),
		Controllers: NewMongoRepo[ControllerConfig](db.Collection("controllers")),
		Scripts:     NewMongoRepo[ScriptDescriptor](db.Collection("scripts")),
		Rules:       NewMongoRepo[RuleDescriptor](db.Collection("rules")),
		Advanced:    NewMongoRepo[Advanced](db.Collection("advanced")),
		Stores:      NewMongoRepo[PluginStore](db.Collection("pluginstores")),
		closer: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		},
	}, nil
}

func (m *MongoRepo[T]) List(ctx context.Context) ([]T, error) {
	cursor, err := m.coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.coll.Name(), err)
	}
	out := []T{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.coll.Name(), err)
	}
	return plainAll(out), nil
}

func (m *MongoRepo[T]) ListEnabled(ctx context.Context) ([]T, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	return filterEnabled(all), nil
}

func (m *MongoRepo[T]) Get(ctx context.Context, id int) (T, error) {
	var rec T
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return rec, fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("get %d: %w", id, err)
	}
	return plain(rec), nil
}

func (m *MongoRepo[T]) Create(ctx context.Context, rec T) (T, error) {
	all, err := m.List(ctx)
	if err != nil {
		return rec, err
	}
	if rec.Key() == 0 {
		rec = rec.WithKey(nextKey(all))
	}
	if labelTaken(all, rec) {
		return rec, fmt.Errorf("name %q: %w", rec.Label(), ErrDuplicate)
	}
	if _, err := m.coll.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return rec, fmt.Errorf("id %d: %w", rec.Key(), ErrDuplicate)
		}
		return rec, fmt.Errorf("insert %d: %w", rec.Key(), err)
	}
	return rec, nil
}

func (m *MongoRepo[T]) UpdateFields(ctx context.Context, id int, fields map[string]interface{}) (T, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return rec, err
	}
	patched, err := Patch(rec, fields)
	if err != nil {
		return rec, err
	}
	if patched.Label() != "" {
		all, err := m.List(ctx)
		if err != nil {
			return rec, err
		}
		if labelTaken(all, patched) {
			return rec, fmt.Errorf("name %q: %w", patched.Label(), ErrDuplicate)
		}
	}
	if _, err := m.coll.ReplaceOne(ctx, bson.M{"_id": id}, patched); err != nil {
		return rec, fmt.Errorf("replace %d: %w", id, err)
	}
	return patched, nil
}

func (m *MongoRepo[T]) Delete(ctx context.Context, id int) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete %d: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	return nil
}
