// Package auth implements the thin bearer-token contract the HTTP layer
// relies on: password verification against bcrypt hashes, JWT issuance and
// validation, and a minimal superuser bootstrap. Full registration,
// password reset, and session management are external collaborators; only
// the User{id, username, can_upload, can_delete} shape and the middleware
// that gates on it live here.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/crypto/bcrypt"

	"github.com/tlcfem/motion-base-go/internal/clock"
	"github.com/tlcfem/motion-base-go/internal/record"
)

const usersCollection = "users"

// ErrNotFound is returned when a username or user id has no matching entry.
var ErrNotFound = errors.New("user not found")

// ErrInvalidCredentials is returned when a password does not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Users wraps the users collection.
type Users struct {
	collection *mongo.Collection
}

// NewUsers wraps an existing Mongo database handle.
func NewUsers(db *mongo.Database) *Users {
	return &Users{collection: db.Collection(usersCollection)}
}

// EnsureSuperuser seeds a bootstrap account from MB_SUPERUSER_* if no user
// with that username exists yet, matching the source's create_superuser
// startup step.
func (u *Users) EnsureSuperuser(ctx context.Context, username, password, email string) error {
	if username == "" || password == "" {
		return nil
	}
	_, err := u.FindByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash superuser password: %w", err)
	}
	superuser := record.User{
		ID:             record.UserID(username),
		Username:       username,
		Email:          email,
		HashedPassword: string(hashed),
		CanUpload:      true,
		CanDelete:      true,
	}
	if _, err := u.collection.InsertOne(ctx, superuser); err != nil {
		return fmt.Errorf("auth: insert superuser: %w", err)
	}
	return nil
}

// FindByUsername fetches a user by username.
func (u *Users) FindByUsername(ctx context.Context, username string) (record.User, error) {
	var user record.User
	err := u.collection.FindOne(ctx, bson.D{{Key: "username", Value: username}}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return record.User{}, fmt.Errorf("auth: %w", ErrNotFound)
	}
	if err != nil {
		return record.User{}, fmt.Errorf("auth: find by username: %w", err)
	}
	return user, nil
}

// FindByID fetches a user by id.
func (u *Users) FindByID(ctx context.Context, id string) (record.User, error) {
	var user record.User
	err := u.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return record.User{}, fmt.Errorf("auth: %w", ErrNotFound)
	}
	if err != nil {
		return record.User{}, fmt.Errorf("auth: find by id: %w", err)
	}
	return user, nil
}

// Create inserts a new user with a bcrypt-hashed password.
func (u *Users) Create(ctx context.Context, username, password, email string, canUpload, canDelete bool) (record.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return record.User{}, fmt.Errorf("auth: hash password: %w", err)
	}
	user := record.User{
		ID:             record.UserID(username),
		Username:       username,
		Email:          email,
		HashedPassword: string(hashed),
		CanUpload:      canUpload,
		CanDelete:      canDelete,
	}
	if _, err := u.collection.InsertOne(ctx, user); err != nil {
		return record.User{}, fmt.Errorf("auth: create: %w", err)
	}
	return user, nil
}

// Delete removes a user by id.
func (u *Users) Delete(ctx context.Context, id string) error {
	res, err := u.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("auth: delete: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("auth: %w", ErrNotFound)
	}
	return nil
}

// Authenticate verifies username/password and returns the matching user.
func (u *Users) Authenticate(ctx context.Context, username, password string) (record.User, error) {
	user, err := u.FindByUsername(ctx, username)
	if err != nil {
		return record.User{}, err
	}
	if user.Disabled {
		return record.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)); err != nil {
		return record.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// claims is the JWT payload: subject is the user id, matching the source's
// "sub" convention.
type claims struct {
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies bearer tokens.
type TokenIssuer struct {
	secret    []byte
	algorithm string
	expiresIn time.Duration
}

// NewTokenIssuer builds a TokenIssuer from the configured secret, signing
// algorithm, and token lifetime.
func NewTokenIssuer(secret, algorithm string, expiresIn time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), algorithm: algorithm, expiresIn: expiresIn}
}

// Issue mints a signed bearer token for userID.
func (t *TokenIssuer) Issue(userID string) (string, error) {
	now := clock.Now().Now()
	token := jwt.NewWithClaims(jwt.GetSigningMethod(t.algorithm), claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiresIn)),
		},
	})
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates tokenString, returning the subject user id.
func (t *TokenIssuer) Verify(tokenString string) (userID string, err error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{t.algorithm}))
	if err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", errors.New("auth: invalid token")
	}
	return c.Subject, nil
}
