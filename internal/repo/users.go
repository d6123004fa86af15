package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"collabline/internal/domain"
)

// Users is the user directory. It only knows display fields; identity is
// established elsewhere.
type Users struct {
	DB *sqlx.DB
}

// Users returns the directory backed by the same database.
func (r Repo) Users() Users {
	return Users{DB: r.DB}
}

// Upsert creates the user or refreshes its display fields.
func (u Users) Upsert(ctx context.Context, user domain.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return errors.New("id required")
	}
	_, err := u.DB.ExecContext(ctx, u.DB.Rebind(`INSERT INTO users(id,name,image,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, image=excluded.image`),
		user.ID, user.Name, user.Image, user.CreatedAt)
	return err
}

// Ensure inserts the user when missing and leaves an existing row untouched.
func (u Users) Ensure(ctx context.Context, id, name, now string) error {
	if name == "" {
		name = id
	}
	_, err := u.DB.ExecContext(ctx, u.DB.Rebind(`INSERT INTO users(id,name,image,created_at) VALUES (?,?,'',?) ON CONFLICT(id) DO NOTHING`), id, name, now)
	return err
}

func (u Users) Get(ctx context.Context, id string) (domain.User, error) {
	var user domain.User
	err := u.DB.GetContext(ctx, &user, u.DB.Rebind(`SELECT id,name,COALESCE(image,'') AS image,created_at FROM users WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	return user, err
}

func (u Users) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := u.DB.GetContext(ctx, &n, u.DB.Rebind(`SELECT COUNT(1) FROM users WHERE id=?`), id); err != nil {
		return false, err
	}
	return n > 0, nil
}

// DisplayFields returns name and image for every known id. Unknown ids are
// absent from the result.
func (u Users) DisplayFields(ctx context.Context, ids []string) (map[string]domain.DisplayFields, error) {
	out := map[string]domain.DisplayFields{}
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT id,name,COALESCE(image,'') AS image,created_at FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var users []domain.User
	if err := u.DB.SelectContext(ctx, &users, u.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, user := range users {
		out[user.ID] = domain.DisplayFields{Name: user.Name, Image: user.Image}
	}
	return out, nil
}
