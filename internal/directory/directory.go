// Package directory answers the two questions the chat core asks about users:
// whether they exist and how to display them.
package directory

import (
	"context"

	"gator-chat/internal/models"
	"gator-chat/internal/utils"
)

type Directory interface {
	Exists(ctx context.Context, userID string) (bool, error)
	GetDisplayInfo(ctx context.Context, userID string) (models.DisplayInfo, error)
}

// UserStore is the part of the storage layer the directory reads.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// StoreDirectory reads user records from the shared store. It never writes them.
type StoreDirectory struct {
	users UserStore
}

func NewStoreDirectory(users UserStore) *StoreDirectory {
	return &StoreDirectory{users: users}
}

func (d *StoreDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	_, err := d.users.GetUser(ctx, userID)
	if utils.IsErrorCode(err, utils.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *StoreDirectory) GetDisplayInfo(ctx context.Context, userID string) (models.DisplayInfo, error) {
	user, err := d.users.GetUser(ctx, userID)
	if err != nil {
		return models.DisplayInfo{}, err
	}
	return models.DisplayInfo{Name: user.Name, Avatar: user.Avatar}, nil
}
