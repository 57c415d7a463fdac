package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"fitpipe/internal/domain"
)

type accountKey struct {
	BusinessID string `bson:"b"`
	CustomerID string `bson:"c"`
}

type accountDocument struct {
	Key       accountKey `bson:"_id"`
	Balance   int64      `bson:"balance"`
	Reserved  int64      `bson:"reserved"`
	UpdatedAt time.Time  `bson:"updatedAt"`
}

// ledgerDocument is keyed by job id, so a job can hold one debit at most.
type ledgerDocument struct {
	ID           string    `bson:"_id"`
	BusinessID   string    `bson:"businessId"`
	CustomerID   string    `bson:"customerId"`
	JobID        string    `bson:"jobId,omitempty"`
	Operation    string    `bson:"operation"`
	Amount       int64     `bson:"amount"`
	BalanceAfter int64     `bson:"balanceAfter"`
	Settled      bool      `bson:"settled"`
	CreatedAt    time.Time `bson:"createdAt"`
}

// CreditLedgerMongo implements domain.CreditLedger on two collections. Every
// balance change is a single conditional FindOneAndUpdate, so concurrent
// reservations never overdraw an account.
type CreditLedgerMongo struct {
	accounts *mongo.Collection
	entries  *mongo.Collection
	now      func() time.Time
}

func NewCreditLedgerMongo(db *mongo.Database) *CreditLedgerMongo {
	return &CreditLedgerMongo{
		accounts: db.Collection("credit_accounts"),
		entries:  db.Collection("credit_ledger"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func keyOf(p domain.Principal) accountKey {
	return accountKey{BusinessID: p.BusinessID, CustomerID: p.CustomerID}
}

func (d accountDocument) toDomain(p domain.Principal) *domain.CreditAccount {
	return &domain.CreditAccount{Principal: p, Balance: d.Balance, Reserved: d.Reserved, UpdatedAt: d.UpdatedAt}
}

func (l *CreditLedgerMongo) Get(ctx context.Context, p domain.Principal) (*domain.CreditAccount, error) {
	var doc accountDocument
	err := l.accounts.FindOne(ctx, bson.M{"_id": keyOf(p)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &domain.CreditAccount{Principal: p}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find credit account: %w", err)
	}
	return doc.toDomain(p), nil
}

func (l *CreditLedgerMongo) Reserve(ctx context.Context, p domain.Principal, amount int64) error {
	if amount <= 0 {
		return nil
	}
	filter := reserveFilter(p, amount)
	update := bson.M{"$inc": bson.M{"reserved": amount}, "$set": bson.M{"updatedAt": l.now()}}
	err := l.accounts.FindOneAndUpdate(ctx, filter, update).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.ErrInsufficientCredit
	}
	if err != nil {
		return fmt.Errorf("reserve credit: %w", err)
	}
	return nil
}

// reserveFilter matches the account only while balance - reserved >= amount.
func reserveFilter(p domain.Principal, amount int64) bson.M {
	return bson.M{
		"_id": keyOf(p),
		"$expr": bson.M{"$gte": bson.A{
			bson.M{"$subtract": bson.A{"$balance", "$reserved"}},
			amount,
		}},
	}
}

// Commit claims the job's ledger entry before debiting. A second commit for
// the same job finds the claim and only drops its own reservation. A crash
// between claim and debit leaves the job unbilled rather than billed twice.
func (l *CreditLedgerMongo) Commit(ctx context.Context, p domain.Principal, amount int64, jobID string, op domain.Operation) (*domain.LedgerEntry, error) {
	entry := domain.LedgerEntry{Principal: p, JobID: jobID, Operation: op, Amount: amount}
	if amount <= 0 {
		return &entry, nil
	}
	now := l.now()
	id := jobID
	if id == "" {
		id = primitive.NewObjectID().Hex()
	}
	claim := ledgerDocument{
		ID:         id,
		BusinessID: p.BusinessID,
		CustomerID: p.CustomerID,
		JobID:      jobID,
		Operation:  string(op),
		Amount:     amount,
		CreatedAt:  now,
	}
	if _, err := l.entries.InsertOne(ctx, claim); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return l.replay(ctx, p, amount, id)
		}
		return nil, fmt.Errorf("claim ledger entry: %w", err)
	}

	filter := bson.M{"_id": keyOf(p), "reserved": bson.M{"$gte": amount}, "balance": bson.M{"$gte": amount}}
	update := bson.M{"$inc": bson.M{"balance": -amount, "reserved": -amount}, "$set": bson.M{"updatedAt": now}}
	var acct accountDocument
	err := l.accounts.FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&acct)
	if err != nil {
		_, _ = l.entries.DeleteOne(ctx, bson.M{"_id": id, "settled": false})
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("commit credit: no matching reservation for %s/%s", p.BusinessID, p.CustomerID)
		}
		return nil, fmt.Errorf("commit credit: %w", err)
	}

	settle := bson.M{"$set": bson.M{"balanceAfter": acct.Balance, "settled": true}}
	if _, err := l.entries.UpdateOne(ctx, bson.M{"_id": id}, settle); err != nil {
		return nil, fmt.Errorf("settle ledger entry: %w", err)
	}
	entry.BalanceAfter = acct.Balance
	entry.CreatedAt = now
	return &entry, nil
}

func (l *CreditLedgerMongo) replay(ctx context.Context, p domain.Principal, amount int64, id string) (*domain.LedgerEntry, error) {
	if err := l.Release(ctx, p, amount); err != nil {
		return nil, err
	}
	var prior ledgerDocument
	if err := l.entries.FindOne(ctx, bson.M{"_id": id}).Decode(&prior); err != nil {
		return nil, fmt.Errorf("find ledger entry: %w", err)
	}
	return &domain.LedgerEntry{
		Principal:    p,
		JobID:        prior.JobID,
		Operation:    domain.Operation(prior.Operation),
		Amount:       prior.Amount,
		BalanceAfter: prior.BalanceAfter,
		CreatedAt:    prior.CreatedAt,
		Replayed:     true,
	}, nil
}

// Release lowers reserved by amount, clamped at zero.
func (l *CreditLedgerMongo) Release(ctx context.Context, p domain.Principal, amount int64) error {
	if amount <= 0 {
		return nil
	}
	update := mongo.Pipeline{{{Key: "$set", Value: bson.M{
		"reserved":  bson.M{"$max": bson.A{0, bson.M{"$subtract": bson.A{"$reserved", amount}}}},
		"updatedAt": l.now(),
	}}}}
	if _, err := l.accounts.UpdateOne(ctx, bson.M{"_id": keyOf(p)}, update); err != nil {
		return fmt.Errorf("release credit: %w", err)
	}
	return nil
}

func (l *CreditLedgerMongo) Credit(ctx context.Context, p domain.Principal, amount int64) (*domain.CreditAccount, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: credit amount must not be negative", domain.ErrValidation)
	}
	update := bson.M{
		"$inc":         bson.M{"balance": amount},
		"$set":         bson.M{"updatedAt": l.now()},
		"$setOnInsert": bson.M{"reserved": int64(0)},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc accountDocument
	if err := l.accounts.FindOneAndUpdate(ctx, bson.M{"_id": keyOf(p)}, update, opts).Decode(&doc); err != nil {
		return nil, fmt.Errorf("top up credit: %w", err)
	}
	return doc.toDomain(p), nil
}

var _ domain.CreditLedger = (*CreditLedgerMongo)(nil)
