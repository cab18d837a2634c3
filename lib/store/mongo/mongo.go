// Package mongo implements the store interface for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/celora/custody/lib/store"
)

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c *mgo.Client
}

const dbName = "custody"

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	err = c.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return &Mongo{c: c}, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

func (m *Mongo) col(name string) *mgo.Collection {
	return m.c.Database(dbName).Collection(name)
}

// AddWallet inserts a wallet unless one already exists for the same owner, blockchain and address.
func (m *Mongo) AddWallet(w store.Wallet) error {
	filter := bson.M{"owner": w.Owner, "blockchain": w.Blockchain, "address": w.Address}

	err := m.col("wallets").FindOne(context.Background(), filter).Err()
	if err == nil {
		return store.ErrDuplicate
	}

	if !errors.Is(err, mgo.ErrNoDocuments) {
		return fmt.Errorf("could not check wallet in db: %w", err)
	}

	if _, err = m.col("wallets").InsertOne(context.Background(), w); err != nil {
		return fmt.Errorf("could not insert wallet in db: %w", err)
	}

	return nil
}

// GetWallet returns the wallet with the given id.
func (m *Mongo) GetWallet(id string) (w store.Wallet, err error) {
	err = m.col("wallets").FindOne(context.Background(), bson.M{"_id": id}).Decode(&w)
	if errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrNotFound
	}

	return
}

// GetWalletByAddress returns the owner's wallet for the given blockchain and address.
func (m *Mongo) GetWalletByAddress(owner, blockchain, address string) (w store.Wallet, err error) {
	filter := bson.M{"owner": owner, "blockchain": blockchain, "address": address}

	err = m.col("wallets").FindOne(context.Background(), filter).Decode(&w)
	if errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrNotFound
	}

	return
}

// GetWallets returns all wallets of the owner, oldest first.
func (m *Mongo) GetWallets(owner string) ([]store.Wallet, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})

	cur, err := m.col("wallets").Find(context.Background(), bson.M{"owner": owner}, opts)
	if err != nil {
		return nil, fmt.Errorf("could not read wallets from db: %w", err)
	}

	ws := []store.Wallet{}
	if err = cur.All(context.Background(), &ws); err != nil {
		return nil, fmt.Errorf("could not decode wallets from db: %w", err)
	}

	return ws, nil
}

// SetPrimary marks the given wallet as the owner's primary for its blockchain and clears the flag on the rest.
func (m *Mongo) SetPrimary(owner, blockchain, id string) error {
	res, err := m.col("wallets").UpdateOne(context.Background(),
		bson.M{"_id": id, "owner": owner, "blockchain": blockchain},
		bson.M{"$set": bson.M{"primary": true}})
	if err != nil {
		return fmt.Errorf("could not update wallet in db: %w", err)
	}

	if res.MatchedCount != 1 {
		return store.ErrNotFound
	}

	_, err = m.col("wallets").UpdateMany(context.Background(),
		bson.M{"owner": owner, "blockchain": blockchain, "_id": bson.M{"$ne": id}},
		bson.M{"$set": bson.M{"primary": false}})

	return err
}

// MarkBackedUp stamps all wallets of the owner with the backup time.
func (m *Mongo) MarkBackedUp(owner string, at time.Time) error {
	_, err := m.col("wallets").UpdateMany(context.Background(),
		bson.M{"owner": owner},
		bson.M{"$set": bson.M{"backedUpAt": at}})

	return err
}

// AddTransactions upserts cached transactions keyed by id.
func (m *Mongo) AddTransactions(txs []store.Transaction) error {
	for _, tx := range txs {
		_, err := m.col("transactions").ReplaceOne(context.Background(),
			bson.M{"_id": tx.ID}, tx, options.Replace().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("could not upsert transaction in db: %w", err)
		}
	}

	return nil
}

// GetTransactions returns the owner's cached transactions, newest first, up to limit (0 for all).
func (m *Mongo) GetTransactions(owner string, limit int) ([]store.Transaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cur, err := m.col("transactions").Find(context.Background(), bson.M{"owner": owner}, opts)
	if err != nil {
		return nil, fmt.Errorf("could not read transactions from db: %w", err)
	}

	txs := []store.Transaction{}
	if err = cur.All(context.Background(), &txs); err != nil {
		return nil, fmt.Errorf("could not decode transactions from db: %w", err)
	}

	return txs, nil
}

// AddBackup inserts a new backup row.
func (m *Mongo) AddBackup(b store.Backup) error {
	if _, err := m.col("backups").InsertOne(context.Background(), b); err != nil {
		return fmt.Errorf("could not insert backup in db: %w", err)
	}

	return nil
}

// UpdateBackup replaces the backup row, persisting its current state.
func (m *Mongo) UpdateBackup(b store.Backup) error {
	res, err := m.col("backups").ReplaceOne(context.Background(), bson.M{"_id": b.ID}, b)
	if err != nil {
		return fmt.Errorf("could not update backup in db: %w", err)
	}

	if res.MatchedCount != 1 {
		return store.ErrNotFound
	}

	return nil
}

// GetBackup returns the backup with the given id.
func (m *Mongo) GetBackup(id string) (b store.Backup, err error) {
	err = m.col("backups").FindOne(context.Background(), bson.M{"_id": id}).Decode(&b)
	if errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrNotFound
	}

	return
}

// GetBackups returns the owner's backups, newest first.
func (m *Mongo) GetBackups(owner string) ([]store.Backup, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})

	cur, err := m.col("backups").Find(context.Background(), bson.M{"owner": owner}, opts)
	if err != nil {
		return nil, fmt.Errorf("could not read backups from db: %w", err)
	}

	bs := []store.Backup{}
	if err = cur.All(context.Background(), &bs); err != nil {
		return nil, fmt.Errorf("could not decode backups from db: %w", err)
	}

	return bs, nil
}

// DeleteBackup deletes the backup with the given id.
func (m *Mongo) DeleteBackup(id string) error {
	res, err := m.col("backups").DeleteOne(context.Background(), bson.M{"_id": id})
	if err == nil && res.DeletedCount != 1 {
		err = store.ErrNotFound
	}

	return err
}

// UpsertSchedule inserts or replaces the owner's backup schedule.
func (m *Mongo) UpsertSchedule(s store.BackupSchedule) error {
	_, err := m.col("schedules").ReplaceOne(context.Background(),
		bson.M{"_id": s.Owner}, s, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("could not upsert schedule in db: %w", err)
	}

	return nil
}

// GetSchedule returns the owner's backup schedule.
func (m *Mongo) GetSchedule(owner string) (s store.BackupSchedule, err error) {
	err = m.col("schedules").FindOne(context.Background(), bson.M{"_id": owner}).Decode(&s)
	if errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrNotFound
	}

	return
}

// DueSchedules returns the active schedules whose next run is at or before now.
func (m *Mongo) DueSchedules(now time.Time) ([]store.BackupSchedule, error) {
	filter := bson.M{"active": true, "nextRun": bson.M{"$lte": now}}

	cur, err := m.col("schedules").Find(context.Background(), filter)
	if err != nil {
		return nil, fmt.Errorf("could not read schedules from db: %w", err)
	}

	ss := []store.BackupSchedule{}
	if err = cur.All(context.Background(), &ss); err != nil {
		return nil, fmt.Errorf("could not decode schedules from db: %w", err)
	}

	return ss, nil
}
