package auth

import (
	"errors"
	"time"

	"github.com/clipvault/clipvault/pkg/pwdhash"
	"github.com/clipvault/clipvault/server/model"
	"github.com/cyclopcam/dbh"
)

func IsPasswordOK(password string) error {
	if len(password) < 8 {
		return errors.New("Password must be at least 8 characters")
	}
	return nil
}

func (a *AuthServer) CreateUser(email, password, sitePermissions string) (int64, error) {
	if email == "" {
		return 0, errors.New("email cannot be empty")
	}
	if err := IsPasswordOK(password); err != nil {
		return 0, err
	}
	user := model.AuthUser{
		Email:           email,
		Password:        pwdhash.HashPasswordBase64(password),
		CreatedAt:       dbh.MakeIntTime(time.Now().UTC()),
		SitePermissions: sitePermissions,
	}
	if err := a.db.Create(&user).Error; err != nil {
		return 0, err
	}
	return user.ID, nil
}

func (a *AuthServer) AllUsers() ([]model.AuthUser, error) {
	var users []model.AuthUser
	return users, a.db.Find(&users).Error
}
