package server

import (
	"errors"
	"net/http"

	"github.com/clipvault/clipvault/server/auth"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) httpAuthLogin(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.auth.Login(w, r)
}

func (s *Server) httpAuthLogout(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	s.auth.Logout(w, r)
}

func (s *Server) httpAuthCheck(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	type checkJSON struct {
		UserID          int64  `json:"userID"`
		SitePermissions string `json:"sitePermissions"`
	}
	www.SendJSON(w, &checkJSON{UserID: cred.UserID, SitePermissions: cred.SitePermissions})
}

// Exchange a bearer token for the ID of the user that owns it. Devices call
// this at boot to confirm that their stored token is still good.
func (s *Server) httpAuthVerifyToken(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type verifyJSON struct {
		Token string `json:"token"`
	}
	req := verifyJSON{}
	www.ReadJSON(w, r, &req, 1024*1024)
	if req.Token == "" {
		www.PanicBadRequestf("Must specify token")
	}
	cred, err := s.auth.VerifyToken(req.Token)
	if errors.Is(err, auth.ErrInvalidToken) {
		www.SendError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	www.Check(err)
	type responseJSON struct {
		UserID int64 `json:"userID"`
	}
	www.SendJSON(w, &responseJSON{UserID: cred.UserID})
}

func (s *Server) httpAuthCreateUser(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	cred.PanicIfNotAdmin()
	type createJSON struct {
		Email           string `json:"email"`
		Password        string `json:"password"`
		SitePermissions string `json:"sitePermissions"`
	}
	req := createJSON{}
	www.ReadJSON(w, r, &req, 1024*1024)
	id, err := s.auth.CreateUser(req.Email, req.Password, req.SitePermissions)
	www.CheckClient(err)
	s.Log.Infof("User %v created %v (id %v)", cred.UserID, req.Email, id)
	www.SendID(w, id)
}
