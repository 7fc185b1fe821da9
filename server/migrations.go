package server

import (
	"time"

	"github.com/BurntSushi/migration"
	"github.com/clipvault/clipvault/pkg/pwdhash"
	"github.com/clipvault/clipvault/pkg/rando"
	"github.com/clipvault/clipvault/server/auth"
	"github.com/clipvault/clipvault/server/model"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// Open or create the DB
func openDB(log logs.Log, config dbh.DBConfig, flags dbh.DBConnectFlags) (*gorm.DB, error) {
	db, err := dbh.OpenDB(log, config, migrations(log), flags)
	if err != nil {
		return nil, err
	}
	nUsers := int64(0)
	if err := db.Table("auth_user").Count(&nUsers).Error; err != nil {
		return nil, err
	}
	if nUsers == 0 {
		pwd := rando.StrongRandomAlphaNumChars(20)
		log.Infof("auth_user table is empty, creating admin user.")
		log.Infof("Username: admin")
		log.Infof("Password: %v", pwd)
		user := model.AuthUser{
			Email:           "admin",
			Password:        pwdhash.HashPasswordBase64(pwd),
			CreatedAt:       dbh.MakeIntTime(time.Now().UTC()),
			SitePermissions: auth.SitePermissionAdmin,
		}
		if err := db.Create(&user).Error; err != nil {
			return nil, err
		}
	}
	return db, nil
}

func migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE auth_user(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL,
			password TEXT NOT NULL,
			created_at INT NOT NULL,
			site_permissions TEXT NOT NULL DEFAULT '');
		CREATE UNIQUE INDEX idx_auth_user_email ON auth_user(email);

		CREATE TABLE auth_session(
			key TEXT PRIMARY KEY,
			auth_user_id INT NOT NULL,
			created_at INT NOT NULL,
			expires_at INT NOT NULL);
		CREATE INDEX idx_auth_session_auth_user_id ON auth_session(auth_user_id);
		CREATE INDEX idx_auth_session_expires_at ON auth_session(expires_at);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE clip(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id INT NOT NULL,
			event_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			device_location TEXT NOT NULL DEFAULT '',
			time_sent INT,
			file_name TEXT NOT NULL,
			created_at INT NOT NULL);
		CREATE INDEX idx_clip_owner_event ON clip(owner_id, event_id);
		CREATE INDEX idx_clip_owner_kind_time ON clip(owner_id, kind, time_sent);
	`))

	return migs
}
