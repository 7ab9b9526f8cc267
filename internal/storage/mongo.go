package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"cartwatch/internal/cart"
	logx "cartwatch/pkg/logx"
)

const (
	defaultCartsCollection = "carts"
	defaultUsersCollection = "users"
	auditCollection        = "cart_abandonment_audit"
)

// mongoStore reads the commerce database directly. Field names follow the
// documents written by the storefront API (camelCase, ObjectID refs).
type mongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	carts  *mongo.Collection
	users  string
	audit  *mongo.Collection
	log    logx.Logger
}

type cartItemDoc struct {
	Product  bson.ObjectID `bson:"product"`
	Name     string        `bson:"name,omitempty"`
	Quantity int           `bson:"quantity"`
	Price    float64       `bson:"price"`
}

type ownerDoc struct {
	Email string `bson:"email"`
	Name  string `bson:"name"`
}

type cartDoc struct {
	ID        bson.ObjectID `bson:"_id"`
	User      bson.ObjectID `bson:"user"`
	Email     string        `bson:"email,omitempty"`
	Items     []cartItemDoc `bson:"items"`
	Status    string        `bson:"status"`
	UpdatedAt time.Time     `bson:"updatedAt"`

	AbandonmentEmailCount    int        `bson:"abandonmentEmailCount"`
	LastAbandonmentEmailSent *time.Time `bson:"lastAbandonmentEmailSent,omitempty"`

	// Populated by $lookup on the users collection.
	Owner []ownerDoc `bson:"owner,omitempty"`
}

type auditDoc struct {
	ID     string    `bson:"_id"`
	At     time.Time `bson:"at"`
	Actor  string    `bson:"actor"`
	Action string    `bson:"action"`
	OK     bool      `bson:"ok"`
	Error  string    `bson:"error,omitempty"`
	TookMS int64     `bson:"tookMs"`
	Meta   string    `bson:"meta,omitempty"`
}

func openMongo(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, errors.New("storage.uri is required for mongo driver")
	}
	dbName := strings.TrimSpace(cfg.Database)
	if dbName == "" {
		return nil, errors.New("storage.database is required for mongo driver")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	cartsName := strings.TrimSpace(cfg.Collection)
	if cartsName == "" {
		cartsName = defaultCartsCollection
	}
	usersName := strings.TrimSpace(cfg.Users)
	if usersName == "" {
		usersName = defaultUsersCollection
	}
	db := client.Database(dbName)
	st := &mongoStore{
		client: client,
		db:     db,
		carts:  db.Collection(cartsName),
		users:  usersName,
		audit:  db.Collection(auditCollection),
		log:    log,
	}
	if err := st.migrate(ctx); err != nil {
		// Index creation needs write privileges the read-mostly service account
		// may not have; the queries still work without it.
		log.Warn("mongo index setup failed", logx.Err(err))
	}
	log.Debug("mongo store opened", logx.String("db", dbName), logx.String("collection", cartsName))
	return st, nil
}

func (s *mongoStore) migrate(ctx context.Context) error {
	_, err := s.carts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "abandonmentEmailCount", Value: 1},
			{Key: "updatedAt", Value: 1},
		}},
	})
	if err != nil {
		return fmt.Errorf("carts indexes: %w", err)
	}
	_, err = s.audit.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("audit indexes: %w", err)
	}
	return nil
}

// candidateFilter mirrors cart.Query.Matches. A missing counter counts as zero.
func candidateFilter(q cart.Query) bson.M {
	return bson.M{
		"status":    string(cart.StatusActive),
		"items.0":   bson.M{"$exists": true},
		"updatedAt": bson.M{"$lte": q.Cutoff()},
		"$or": bson.A{
			bson.M{"abandonmentEmailCount": bson.M{"$lt": q.MaxStage}},
			bson.M{"abandonmentEmailCount": bson.M{"$exists": false}},
		},
	}
}

func (s *mongoStore) FindCandidates(ctx context.Context, q cart.Query) ([]cart.Cart, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: candidateFilter(q)}},
		{{Key: "$sort", Value: bson.D{{Key: "updatedAt", Value: 1}, {Key: "_id", Value: 1}}}},
	}
	pipeline = append(pipeline, bson.D{{Key: "$lookup", Value: bson.D{
		{Key: "from", Value: s.users},
		{Key: "localField", Value: "user"},
		{Key: "foreignField", Value: "_id"},
		{Key: "as", Value: "owner"},
	}}})

	cur, err := s.carts.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongo candidates: %w", err)
	}
	var docs []cartDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo candidates decode: %w", err)
	}
	return fromCartDocs(docs)
}

func (s *mongoStore) RecordReminder(ctx context.Context, id string, stage int, sentAt time.Time) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("%w: invalid id %q", cart.ErrNotFound, id)
	}
	filter := bson.M{"_id": oid, "status": string(cart.StatusActive)}
	if stage == 1 {
		filter["$or"] = bson.A{
			bson.M{"abandonmentEmailCount": 0},
			bson.M{"abandonmentEmailCount": bson.M{"$exists": false}},
		}
	} else {
		filter["abandonmentEmailCount"] = stage - 1
	}
	res, err := s.carts.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"abandonmentEmailCount":    stage,
		"lastAbandonmentEmailSent": sentAt.UTC(),
	}})
	if err != nil {
		return fmt.Errorf("mongo record reminder: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	n, err := s.carts.CountDocuments(ctx, bson.M{"_id": oid})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", cart.ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s (stage=%d)", cart.ErrStaleCart, id, stage)
}

func (s *mongoStore) List(ctx context.Context, f cart.Filter) ([]cart.Cart, error) {
	filter := bson.M{}
	if len(f.Statuses) > 0 {
		in := make(bson.A, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			in = append(in, string(st))
		}
		filter["status"] = bson.M{"$in": in}
	}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.carts.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo list: %w", err)
	}
	var docs []cartDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo list decode: %w", err)
	}
	return fromCartDocs(docs)
}

func (s *mongoStore) UpsertCart(ctx context.Context, c cart.Cart) error {
	doc, err := toCartDoc(c)
	if err != nil {
		return err
	}
	_, err = s.carts.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *mongoStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.audit.InsertOne(ctx, auditDoc{
		ID: e.ID, At: e.At.UTC(), Actor: e.Actor, Action: e.Action,
		OK: e.OK, Error: e.Error, TookMS: e.TookMS, Meta: e.MetaJSON,
	})
	return err
}

func (s *mongoStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: -1}}).SetLimit(int64(limit))
	cur, err := s.audit.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	var docs []auditDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(docs))
	for _, d := range docs {
		out = append(out, AuditEntry{
			ID: d.ID, At: d.At, Actor: d.Actor, Action: d.Action,
			OK: d.OK, Error: d.Error, TookMS: d.TookMS, MetaJSON: d.Meta,
		})
	}
	return out, nil
}

func (s *mongoStore) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func fromCartDocs(docs []cartDoc) ([]cart.Cart, error) {
	out := make([]cart.Cart, 0, len(docs))
	for _, d := range docs {
		c, err := fromCartDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func fromCartDoc(d cartDoc) (cart.Cart, error) {
	st, err := cart.ParseStatus(d.Status)
	if err != nil {
		return cart.Cart{}, fmt.Errorf("cart %s: %w", d.ID.Hex(), err)
	}
	c := cart.Cart{
		ID:                       d.ID.Hex(),
		Email:                    d.Email,
		Status:                   st,
		UpdatedAt:                d.UpdatedAt.UTC(),
		AbandonmentEmailCount:    d.AbandonmentEmailCount,
		LastAbandonmentEmailSent: d.LastAbandonmentEmailSent,
	}
	if !d.User.IsZero() {
		c.UserRef = d.User.Hex()
	}
	if len(d.Owner) > 0 {
		if d.Owner[0].Email != "" {
			c.Email = d.Owner[0].Email
		}
		c.UserName = d.Owner[0].Name
	}
	c.Items = make([]cart.Item, 0, len(d.Items))
	for _, it := range d.Items {
		c.Items = append(c.Items, cart.Item{
			ProductRef: it.Product.Hex(),
			Name:       it.Name,
			Qty:        it.Quantity,
			UnitPrice:  it.Price,
		})
	}
	return c, nil
}

func toCartDoc(c cart.Cart) (cartDoc, error) {
	oid, err := bson.ObjectIDFromHex(c.ID)
	if err != nil {
		return cartDoc{}, fmt.Errorf("cart id %q is not an ObjectID: %w", c.ID, err)
	}
	d := cartDoc{
		ID:                       oid,
		Email:                    c.Email,
		Status:                   string(c.Status),
		UpdatedAt:                c.UpdatedAt.UTC(),
		AbandonmentEmailCount:    c.AbandonmentEmailCount,
		LastAbandonmentEmailSent: c.LastAbandonmentEmailSent,
	}
	if c.UserRef != "" {
		if uid, err := bson.ObjectIDFromHex(c.UserRef); err == nil {
			d.User = uid
		}
	}
	for _, it := range c.Items {
		pid, _ := bson.ObjectIDFromHex(it.ProductRef)
		d.Items = append(d.Items, cartItemDoc{Product: pid, Name: it.Name, Quantity: it.Qty, Price: it.UnitPrice})
	}
	return d, nil
}
