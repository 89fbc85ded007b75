package social

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoStore is a Store backed by MongoDB, one collection per record type.
type MongoStore struct {
	users       *mongo.Collection
	connections *mongo.Collection
	stories     *mongo.Collection
	messages    *mongo.Collection
}

// Ensure MongoStore implements Store.
var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store. dbName defaults to "pingup"
// if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "pingup"
	}
	db := client.Database(dbName)
	return &MongoStore{
		users:       db.Collection("users"),
		connections: db.Collection("connections"),
		stories:     db.Collection("stories"),
		messages:    db.Collection("messages"),
	}
}

type mongoUserDoc struct {
	ID             string `bson:"_id"`
	Email          string `bson:"email"`
	FullName       string `bson:"full_name"`
	Username       string `bson:"username"`
	ProfilePicture string `bson:"profile_picture,omitempty"`
}

func (d mongoUserDoc) toUser() *User {
	return &User{
		ID:             d.ID,
		Email:          d.Email,
		FullName:       d.FullName,
		Username:       d.Username,
		ProfilePicture: d.ProfilePicture,
	}
}

func userDoc(u *User) mongoUserDoc {
	return mongoUserDoc{
		ID:             u.ID,
		Email:          u.Email,
		FullName:       u.FullName,
		Username:       u.Username,
		ProfilePicture: u.ProfilePicture,
	}
}

func (s *MongoStore) GetUser(ctx context.Context, id string) (*User, error) {
	var doc mongoUserDoc
	err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return doc.toUser(), nil
}

func (s *MongoStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var doc mongoUserDoc
	err := s.users.FindOne(ctx, bson.M{"username": username}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return doc.toUser(), nil
}

func (s *MongoStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.users.InsertOne(ctx, userDoc(u))
	return err
}

func (s *MongoStore) UpdateUser(ctx context.Context, u *User) error {
	res, err := s.users.UpdateByID(ctx, u.ID, bson.M{
		"$set": bson.M{
			"email":           u.Email,
			"full_name":       u.FullName,
			"username":        u.Username,
			"profile_picture": u.ProfilePicture,
		},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteUser(ctx context.Context, id string) error {
	res, err := s.users.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

type mongoConnectionDoc struct {
	ID         string `bson:"_id"`
	FromUserID string `bson:"from_user_id"`
	ToUserID   string `bson:"to_user_id"`
	Status     string `bson:"status"`
}

func (s *MongoStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	var doc mongoConnectionDoc
	err := s.connections.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Connection{
		ID:         doc.ID,
		FromUserID: doc.FromUserID,
		ToUserID:   doc.ToUserID,
		Status:     ConnectionStatus(doc.Status),
	}, nil
}

type mongoStoryDoc struct {
	ID       string `bson:"_id"`
	UserID   string `bson:"user_id"`
	MediaURL string `bson:"media_url,omitempty"`
	Content  string `bson:"content,omitempty"`
}

func (s *MongoStore) GetStory(ctx context.Context, id string) (*Story, error) {
	var doc mongoStoryDoc
	err := s.stories.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Story{
		ID:       doc.ID,
		UserID:   doc.UserID,
		MediaURL: doc.MediaURL,
		Content:  doc.Content,
	}, nil
}

func (s *MongoStore) DeleteStory(ctx context.Context, id string) error {
	res, err := s.stories.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

type mongoMessageDoc struct {
	ID         string `bson:"_id"`
	FromUserID string `bson:"from_user_id"`
	ToUserID   string `bson:"to_user_id"`
	Text       string `bson:"text,omitempty"`
	Seen       bool   `bson:"seen"`
}

func (s *MongoStore) ListUnseenMessages(ctx context.Context) ([]*Message, error) {
	cur, err := s.messages.Find(ctx, bson.M{"seen": false})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*Message
	for cur.Next(ctx) {
		var doc mongoMessageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, &Message{
			ID:         doc.ID,
			FromUserID: doc.FromUserID,
			ToUserID:   doc.ToUserID,
			Text:       doc.Text,
			Seen:       doc.Seen,
		})
	}
	return out, cur.Err()
}
