package keystore

import (
	"context"
	"errors"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type credentialDoc struct {
	Digest    string    `bson:"_id"`
	Owner     string    `bson:"owner"`
	Label     string    `bson:"label,omitempty"`
	Kind      string    `bson:"kind"`
	IssuedAt  time.Time `bson:"issued_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

type accountDoc struct {
	Owner     string    `bson:"_id"`
	Balance   int64     `bson:"balance"`
	Premium   bool      `bson:"premium"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (d accountDoc) account() Account {
	return Account{Owner: d.Owner, Balance: d.Balance, Premium: d.Premium, CreatedAt: d.CreatedAt.UTC(), UpdatedAt: d.UpdatedAt.UTC()}
}

// MongoBackend stores credentials and accounts as documents. Balance changes
// use FindOneAndUpdate with the sufficiency condition in the filter, which the
// server applies atomically per document. A failed credential insert after a
// debit is compensated by refunding the cost.
type MongoBackend struct {
	credentials *mongo.Collection
	accounts    *mongo.Collection
}

// NewMongoBackend builds a backend over the "credentials" and "accounts" collections of db.
func NewMongoBackend(db *mongo.Database) *MongoBackend {
	return &MongoBackend{
		credentials: db.Collection("credentials"),
		accounts:    db.Collection("accounts"),
	}
}

// EnsureIndexes creates the expiry index used by the sweep.
func (m *MongoBackend) EnsureIndexes(ctx context.Context) error {
	_, err := m.credentials.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "expires_at", Value: 1}}})
	if err != nil {
		return storageErr("ensure indexes", err)
	}
	return nil
}

// InsertCredential stores cred; a duplicate _id is a token collision.
func (m *MongoBackend) InsertCredential(ctx context.Context, cred Credential) error {
	_, err := m.credentials.InsertOne(ctx, credentialDoc{
		Digest:    cred.Digest,
		Owner:     cred.Owner,
		Label:     cred.Label,
		Kind:      string(cred.Kind),
		IssuedAt:  cred.IssuedAt.UTC(),
		ExpiresAt: cred.ExpiresAt.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrTokenCollision
	}
	if err != nil {
		return storageErr("insert credential", err)
	}
	return nil
}

// FindCredential fetches a credential by digest.
func (m *MongoBackend) FindCredential(ctx context.Context, digest string) (Credential, error) {
	var doc credentialDoc
	if err := m.credentials.FindOne(ctx, bson.M{"_id": digest}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, storageErr("find credential", err)
	}
	return Credential{
		Digest:    doc.Digest,
		Owner:     doc.Owner,
		Label:     doc.Label,
		Kind:      Kind(doc.Kind),
		IssuedAt:  doc.IssuedAt.UTC(),
		ExpiresAt: doc.ExpiresAt.UTC(),
	}, nil
}

// DeleteExpired removes credentials that expired before now.
func (m *MongoBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := m.credentials.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": now.UTC()}})
	if err != nil {
		return 0, storageErr("sweep credentials", err)
	}
	return int(res.DeletedCount), nil
}

// EnsureAccount upserts the account, setting the bonus only on insert.
func (m *MongoBackend) EnsureAccount(ctx context.Context, owner string, bonus int64, now time.Time) (Account, bool, error) {
	update := bson.M{"$setOnInsert": bson.M{
		"balance":    bonus,
		"premium":    false,
		"created_at": now.UTC(),
		"updated_at": now.UTC(),
	}}
	res, err := m.accounts.UpdateOne(ctx, bson.M{"_id": owner}, update, options.Update().SetUpsert(true))
	if err != nil {
		return Account{}, false, storageErr("create account", err)
	}
	acct, err := m.FindAccount(ctx, owner)
	if err != nil {
		return Account{}, false, err
	}
	return acct, res.UpsertedCount == 1, nil
}

// FindAccount fetches the account for owner.
func (m *MongoBackend) FindAccount(ctx context.Context, owner string) (Account, error) {
	var doc accountDoc
	if err := m.accounts.FindOne(ctx, bson.M{"_id": owner}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Account{}, errNoAccount
		}
		return Account{}, storageErr("find account", err)
	}
	return doc.account(), nil
}

// AdjustBalance applies delta; negative deltas carry a sufficiency filter and
// positive ones a headroom filter.
func (m *MongoBackend) AdjustBalance(ctx context.Context, owner string, delta int64, now time.Time) (Account, error) {
	filter := bson.M{"_id": owner}
	if delta < 0 {
		filter["balance"] = bson.M{"$gte": -delta}
	} else {
		filter["balance"] = bson.M{"$lte": math.MaxInt64 - delta}
	}
	update := bson.M{"$inc": bson.M{"balance": delta}, "$set": bson.M{"updated_at": now.UTC()}}

	var doc accountDoc
	err := m.accounts.FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err == nil {
		return doc.account(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return Account{}, storageErr("adjust balance", err)
	}
	current, err := m.FindAccount(ctx, owner)
	if err != nil {
		return Account{}, err
	}
	return current, rejectedAdjust(current.Balance, delta)
}

// SetPremium toggles the premium flag.
func (m *MongoBackend) SetPremium(ctx context.Context, owner string, premium bool, now time.Time) (Account, error) {
	update := bson.M{"$set": bson.M{"premium": premium, "updated_at": now.UTC()}}
	var doc accountDoc
	err := m.accounts.FindOneAndUpdate(ctx, bson.M{"_id": owner}, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Account{}, errNoAccount
		}
		return Account{}, storageErr("set premium", err)
	}
	return doc.account(), nil
}

// DebitAndInsert debits with a filtered update, then inserts the credential,
// refunding the debit if the insert does not succeed.
func (m *MongoBackend) DebitAndInsert(ctx context.Context, owner string, cost int64, cred Credential) (int64, error) {
	filter := bson.M{"_id": owner, "balance": bson.M{"$gte": cost}}
	update := bson.M{"$inc": bson.M{"balance": -cost}, "$set": bson.M{"updated_at": cred.IssuedAt.UTC()}}

	var doc accountDoc
	err := m.accounts.FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, err := m.FindAccount(ctx, owner)
		if err != nil {
			return 0, err
		}
		return current.Balance, ErrInsufficientBalance
	}
	if err != nil {
		return 0, storageErr("debit balance", err)
	}

	if err := m.InsertCredential(ctx, cred); err != nil {
		refund := bson.M{"$inc": bson.M{"balance": cost}}
		if _, refundErr := m.accounts.UpdateOne(context.WithoutCancel(ctx), bson.M{"_id": owner}, refund); refundErr != nil {
			return doc.Balance, errors.Join(err, storageErr("refund debit", refundErr))
		}
		return doc.Balance + cost, err
	}
	return doc.Balance, nil
}
