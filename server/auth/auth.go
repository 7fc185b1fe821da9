package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/clipvault/clipvault/pkg/pwdhash"
	"github.com/clipvault/clipvault/pkg/rando"
	"github.com/clipvault/clipvault/server/model"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
	"gorm.io/gorm"
)

const SitePermissionAdmin = "admin"

// Bearer tokens live this long. The devices that upload clips re-login
// when they see a 401, so we don't need never-expiring tokens.
const sessionDuration = 365 * 24 * time.Hour

var ErrInvalidToken = errors.New("invalid or expired token")

type Credentials struct {
	UserID          int64
	SitePermissions string
}

func (c *Credentials) IsAdmin() bool {
	return strings.Contains(c.SitePermissions, SitePermissionAdmin)
}

func (c *Credentials) PanicIfNotAdmin() {
	if !c.IsAdmin() {
		www.PanicForbidden()
	}
}

type AuthServer struct {
	db  *gorm.DB
	log logs.Log
}

func NewAuthServer(db *gorm.DB, log logs.Log) *AuthServer {
	return &AuthServer{
		db:  db,
		log: log,
	}
}

// If authorization fails, sends a 401 to 'w', and returns nil.
// If authorization succeeds, returns a non-nil Credentials.
// We only accept "Authorization: Bearer <token>"; every other component runs
// after this check, so a bad token never reaches a handler.
func (a *AuthServer) AuthenticateRequest(w http.ResponseWriter, r *http.Request) *Credentials {
	token := bearerToken(r)
	if token == "" {
		www.SendError(w, "Unauthorized", http.StatusUnauthorized)
		return nil
	}
	cred, err := a.VerifyToken(token)
	if err == nil {
		return cred
	}
	if errors.Is(err, ErrInvalidToken) {
		www.SendError(w, "Unauthorized", http.StatusUnauthorized)
	} else {
		// The token might be fine; the DB is not. Don't tell the client to re-login.
		a.log.Errorf("Token verification failed: %v", err)
		www.SendError(w, "Internal server error", http.StatusInternalServerError)
	}
	return nil
}

// VerifyToken resolves a bearer token to the owning user, or fails with ErrInvalidToken.
// Stateless from the caller's point of view: no session is created or extended.
func (a *AuthServer) VerifyToken(token string) (*Credentials, error) {
	session := model.AuthSession{}
	err := a.db.Where("key = ?", pwdhash.HashSessionTokenBase64(token)).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidToken
	} else if err != nil {
		return nil, err
	}
	if !session.ExpiresAt.IsZero() && session.ExpiresAt.Get().Before(time.Now()) {
		a.db.Where("key = ?", session.Key).Delete(&model.AuthSession{})
		return nil, ErrInvalidToken
	}
	user := model.AuthUser{}
	err = a.db.First(&user, session.AuthUserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidToken
	} else if err != nil {
		return nil, err
	}
	return &Credentials{
		UserID:          user.ID,
		SitePermissions: user.SitePermissions,
	}, nil
}

// Login authenticates with HTTP basic credentials and issues a bearer token.
// The plaintext token goes to the client; we store only its sha256.
func (a *AuthServer) Login(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok {
		www.SendError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	user := model.AuthUser{}
	a.db.Where("email = ?", username).First(&user)
	if user.ID == 0 || !pwdhash.VerifyHashBase64(password, user.Password) {
		www.SendError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	token, err := a.NewBearerToken(user.ID)
	if err != nil {
		a.log.Errorf("Error creating session for user %v: %v", user.ID, err)
		www.SendError(w, "Error creating session", http.StatusInternalServerError)
		return
	}
	a.PurgeExpiredSessions()
	a.log.Infof("Logging %v in", user.ID)
	type loginResponseJSON struct {
		BearerToken string `json:"bearerToken"`
	}
	www.SendJSON(w, &loginResponseJSON{BearerToken: token})
}

// NewBearerToken creates a session and returns the plaintext token
func (a *AuthServer) NewBearerToken(userID int64) (string, error) {
	now := time.Now().UTC()
	token := rando.StrongRandomBase64(32)
	session := model.AuthSession{
		Key:        pwdhash.HashSessionTokenBase64(token),
		AuthUserID: userID,
		CreatedAt:  dbh.MakeIntTime(now),
		ExpiresAt:  dbh.MakeIntTime(now.Add(sessionDuration)),
	}
	if err := a.db.Create(&session).Error; err != nil {
		return "", err
	}
	return token, nil
}

func (a *AuthServer) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token != "" {
		a.db.Where("key = ?", pwdhash.HashSessionTokenBase64(token)).Delete(&model.AuthSession{})
	}
	www.SendOK(w)
}

func (a *AuthServer) SetPassword(userID int64, password string) error {
	return a.db.Model(&model.AuthUser{}).Where("id = ?", userID).Update("password", pwdhash.HashPasswordBase64(password)).Error
}

func (a *AuthServer) PurgeExpiredSessions() {
	now := time.Now().UnixMilli()
	if err := a.db.Where("expires_at <> 0 AND expires_at < ?", now).Delete(&model.AuthSession{}).Error; err != nil {
		a.log.Warnf("Error purging expired sessions: %v", err)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}
