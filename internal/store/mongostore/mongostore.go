// Package mongostore implements store.Store on MongoDB.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/wprelay/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	contactsCollection = "contacts"
	messagesCollection = "messages"
)

// Store is a MongoDB-backed store.Store.
type Store struct {
	client   *mongo.Client
	contacts *mongo.Collection
	messages *mongo.Collection
}

var _ store.Store = (*Store)(nil)

type contactDoc struct {
	WaID               string    `bson:"_id"`
	Name               string    `bson:"name"`
	LastMessageAt      time.Time `bson:"last_message_at"`
	LastMessagePreview string    `bson:"last_message_preview"`
	CreatedAt          time.Time `bson:"created_at"`
	UpdatedAt          time.Time `bson:"updated_at"`
}

type messageDoc struct {
	ID          string    `bson:"_id"`
	WaID        string    `bson:"wa_id"`
	Direction   string    `bson:"direction"`
	Type        string    `bson:"type"`
	Text        string    `bson:"text"`
	Timestamp   time.Time `bson:"timestamp"`
	Status      string    `bson:"status"`
	MsgID       string    `bson:"msg_id,omitempty"`
	MetaMsgID   string    `bson:"meta_msg_id,omitempty"`
	Payload     bson.D    `bson:"payload_raw,omitempty"`
	PayloadText string    `bson:"payload_raw_text,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
}

// Open connects to uri, verifies the connection and ensures indexes on the
// given database.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(database)
	s := &Store{
		client:   client,
		contacts: db.Collection(contactsCollection),
		messages: db.Collection(messagesCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "wa_id", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("wa_id_timestamp"),
		},
		{
			Keys: bson.D{{Key: "msg_id", Value: 1}},
			Options: options.Index().SetName("msg_id_unique").SetUnique(true).
				SetPartialFilterExpression(bson.M{"msg_id": bson.M{"$type": "string"}}),
		},
		{
			Keys:    bson.D{{Key: "meta_msg_id", Value: 1}},
			Options: options.Index().SetName("meta_msg_id").SetSparse(true),
		},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	_, err = s.contacts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "last_message_at", Value: -1}},
		Options: options.Index().SetName("last_message_at"),
	})
	if err != nil {
		return fmt.Errorf("create contact indexes: %w", err)
	}
	return nil
}

// Ping verifies the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop removes both collections. Used by tests.
func (s *Store) Drop(ctx context.Context) error {
	return s.contacts.Database().Drop(ctx)
}

// UpsertContactName inserts the contact if absent; a non-empty name replaces
// the stored one.
func (s *Store) UpsertContactName(ctx context.Context, waID, name string) error {
	now := time.Now().UTC()
	set := bson.M{"updated_at": now}
	onInsert := bson.M{
		"created_at":           now,
		"last_message_at":      time.Time{},
		"last_message_preview": "",
	}
	if name != "" {
		set["name"] = name
	} else {
		onInsert["name"] = ""
	}
	_, err := s.contacts.UpdateOne(ctx,
		bson.M{"_id": waID},
		bson.M{"$set": set, "$setOnInsert": onInsert},
		options.Update().SetUpsert(true))
	return err
}

// TouchContact moves the contact's last message forward. When the stored
// message is newer the filter misses, the upsert collides on _id and the
// write is skipped.
func (s *Store) TouchContact(ctx context.Context, waID string, at time.Time, text string) error {
	now := time.Now().UTC()
	filter := bson.M{
		"_id":             waID,
		"last_message_at": bson.M{"$lte": at},
	}
	update := bson.M{
		"$set": bson.M{
			"last_message_at":      at,
			"last_message_preview": store.Preview(text),
			"updated_at":           now,
		},
		"$setOnInsert": bson.M{
			"name":       "",
			"created_at": now,
		},
	}
	_, err := s.contacts.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// GetContact returns a contact by id, or nil if it does not exist.
func (s *Store) GetContact(ctx context.Context, waID string) (*store.Contact, error) {
	var doc contactDoc
	err := s.contacts.FindOne(ctx, bson.M{"_id": waID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c := doc.toContact()
	return &c, nil
}

func (d contactDoc) toContact() store.Contact {
	c := store.Contact{
		WaID:               d.WaID,
		Name:               d.Name,
		LastMessagePreview: d.LastMessagePreview,
	}
	if !d.LastMessageAt.IsZero() {
		c.LastMessageAt = d.LastMessageAt
	}
	return c
}

// InsertMessage stores m. A duplicate provider id reports false.
func (s *Store) InsertMessage(ctx context.Context, m *store.Message) (bool, error) {
	if err := store.Prepare(m); err != nil {
		return false, err
	}
	doc := messageDoc{
		ID:        m.ID,
		WaID:      m.WaID,
		Direction: string(m.Direction),
		Type:      m.Type,
		Text:      m.Text,
		Timestamp: m.Timestamp.UTC(),
		Status:    string(m.Status),
		MsgID:     m.MsgID,
		MetaMsgID: m.MetaMsgID,
		CreatedAt: m.CreatedAt.UTC(),
	}
	if len(m.PayloadRaw) > 0 {
		var payload bson.D
		if err := bson.UnmarshalExtJSON(m.PayloadRaw, false, &payload); err == nil {
			doc.Payload = payload
		} else {
			doc.PayloadText = string(m.PayloadRaw)
		}
	}
	_, err := s.messages.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return true, nil
}

func (d messageDoc) toMessage() store.Message {
	m := store.Message{
		ID:        d.ID,
		WaID:      d.WaID,
		Direction: store.Direction(d.Direction),
		Type:      d.Type,
		Text:      d.Text,
		Timestamp: d.Timestamp,
		Status:    store.Status(d.Status),
		MsgID:     d.MsgID,
		MetaMsgID: d.MetaMsgID,
		CreatedAt: d.CreatedAt,
	}
	switch {
	case d.Payload != nil:
		if raw, err := bson.MarshalExtJSON(d.Payload, false, false); err == nil {
			m.PayloadRaw = json.RawMessage(raw)
		}
	case d.PayloadText != "":
		m.PayloadRaw = json.RawMessage(d.PayloadText)
	}
	return m
}

// UpdateStatus sets the status of the message whose provider id equals
// providerID, falling back to the newest message with that meta id. Returns
// nil, nil when nothing matches.
func (s *Store) UpdateStatus(ctx context.Context, providerID string, status store.Status) (*store.Message, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}
	if providerID == "" {
		return nil, nil
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "timestamp", Value: -1}})
	update := bson.M{"$set": bson.M{"status": string(status)}}

	for _, field := range []string{"msg_id", "meta_msg_id"} {
		var doc messageDoc
		err := s.messages.FindOneAndUpdate(ctx, bson.M{field: providerID}, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update status: %w", err)
		}
		m := doc.toMessage()
		return &m, nil
	}
	return nil, nil
}

// SetProviderMessageID records the provider-assigned id of a message.
func (s *Store) SetProviderMessageID(ctx context.Context, id, msgID string) error {
	_, err := s.messages.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"msg_id": msgID}})
	return err
}

// ListConversations returns contacts by most recent activity with their
// unread inbound counts.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]store.Conversation, error) {
	limit = store.ClampLimit(limit, store.DefaultConversationLimit, store.DefaultConversationLimit)
	cur, err := s.contacts.Find(ctx, bson.M{}, options.Find().
		SetSort(bson.D{{Key: "last_message_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var docs []contactDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.WaID)
	}
	unread, err := s.unreadByContact(ctx, ids)
	if err != nil {
		return nil, err
	}

	convs := make([]store.Conversation, 0, len(docs))
	for _, d := range docs {
		c := d.toContact()
		if c.Name == "" {
			c.Name = c.WaID
		}
		convs = append(convs, store.Conversation{Contact: c, Unread: unread[d.WaID]})
	}
	return convs, nil
}

func unreadFilter() bson.M {
	return bson.M{
		"direction": string(store.Inbound),
		"status":    bson.M{"$ne": string(store.StatusRead)},
	}
}

func (s *Store) unreadByContact(ctx context.Context, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	match := unreadFilter()
	match["wa_id"] = bson.M{"$in": ids}
	cur, err := s.messages.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$wa_id"},
			{Key: "unread", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate unread: %w", err)
	}
	var rows []struct {
		WaID   string `bson:"_id"`
		Unread int64  `bson:"unread"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.WaID] = r.Unread
	}
	return out, nil
}

// UnreadCount returns the number of inbound messages of waID not yet read.
func (s *Store) UnreadCount(ctx context.Context, waID string) (int64, error) {
	filter := unreadFilter()
	filter["wa_id"] = waID
	return s.messages.CountDocuments(ctx, filter)
}

// ListMessages returns a page of a contact's messages, oldest first.
func (s *Store) ListMessages(ctx context.Context, waID string, before time.Time, limit int) ([]store.Message, error) {
	limit = store.ClampLimit(limit, store.DefaultMessageLimit, store.MaxMessageLimit)
	filter := bson.M{"wa_id": waID}
	if !before.IsZero() {
		filter["timestamp"] = bson.M{"$lt": before.UTC()}
	}
	cur, err := s.messages.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	msgs := make([]store.Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, d.toMessage())
	}
	store.Reverse(msgs)
	return msgs, nil
}

// MarkRead marks the given inbound, unread messages of waID as read.
func (s *Store) MarkRead(ctx context.Context, waID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	filter := unreadFilter()
	filter["wa_id"] = waID
	filter["_id"] = bson.M{"$in": ids}
	res, err := s.messages.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"status": string(store.StatusRead)}})
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.ModifiedCount, nil
}
