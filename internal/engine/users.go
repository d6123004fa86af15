package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"collabline/internal/domain"
	"collabline/internal/permission"
	"collabline/internal/repo"
)

// APIKeyPrefix marks plaintext keys issued by CreateAPIKey.
const APIKeyPrefix = "cl_"

// UpsertUser registers the user or refreshes their display fields.
func (e Engine) UpsertUser(ctx context.Context, id, name, image string) (domain.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.User{}, domain.ErrUnauthenticated
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}
	existing, err := e.Users.Get(ctx, id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		existing = domain.User{ID: id, CreatedAt: e.timestamp()}
	case err != nil:
		return domain.User{}, err
	}
	existing.Name = name
	existing.Image = strings.TrimSpace(image)
	if err := e.Users.Upsert(ctx, existing); err != nil {
		return domain.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return existing, nil
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := e.Users.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, domain.NotFound("user", id)
	}
	return u, err
}

// CreateAPIKey issues a key for userID. The plaintext is only ever returned
// here; the store keeps its hash.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (string, domain.APIKey, error) {
	if err := e.requireUser(ctx, userID); err != nil {
		return "", domain.APIKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	plain := APIKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        e.newID(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return plain, key, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, userID)
}

// RevokeAPIKey deletes one of actorID's keys.
func (e Engine) RevokeAPIKey(ctx context.Context, id, actorID string) error {
	keys, err := e.Repo.ListAPIKeys(ctx, actorID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == id {
			return e.Repo.DeleteAPIKey(ctx, id)
		}
	}
	return domain.NotFound("api key", id)
}

// Authenticate resolves a plaintext API key to its owner.
func (e Engine) Authenticate(ctx context.Context, plain string) (string, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if errors.Is(err, repo.ErrNotFound) {
		return "", domain.ErrUnauthenticated
	}
	if err != nil {
		return "", err
	}
	return key.UserID, nil
}

// ListEvents returns the newest audit events matching f. Project-scoped
// reads require membership of that project; otherwise actorID only sees
// events they caused.
func (e Engine) ListEvents(ctx context.Context, limit int, f repo.EventFilters, actorID string) ([]domain.Event, error) {
	if actorID == "" {
		return nil, domain.ErrUnauthenticated
	}
	if f.ProjectID == "" {
		f.ActorID = actorID
	} else {
		p, err := e.Repo.GetProject(ctx, f.ProjectID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, domain.NotFound("project", f.ProjectID)
		}
		if err != nil {
			return nil, err
		}
		if !permission.ForProject(p, actorID).Member() {
			return nil, permission.ForbiddenError{Role: permission.RoleMember}
		}
	}
	return e.Repo.LatestEvents(ctx, limit, f)
}
