package users

import (
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/billsync/pkg/db/models"
)

// CreateUserDTO holds the data required by the repo to persist a new user.
type CreateUserDTO struct {
	ID          uuid.UUID
	Email       string
	DisplayName string
}

func (c CreateUserDTO) ToModel() *models.User {
	return &models.User{
		ID:          c.ID,
		Email:       strings.ToLower(strings.TrimSpace(c.Email)),
		DisplayName: strings.TrimSpace(c.DisplayName),
	}
}
