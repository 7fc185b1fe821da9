package server

import (
	"net/http"

	"github.com/clipvault/clipvault/server/auth"
	"github.com/clipvault/clipvault/server/faces"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) httpFaces(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	action := params.ByName("action")
	if !faces.IsValidAction(action) {
		www.PanicBadRequestf("Invalid face action '%v'", action)
	}
	type facesJSON struct {
		Faces []faces.Face `json:"faces"`
	}
	req := facesJSON{}
	www.ReadJSON(w, r, &req, 1024*1024)
	result, err := s.faces.Run(r.Context(), &faces.Request{
		Action:  action,
		OwnerID: cred.UserID,
		Faces:   req.Faces,
	})
	www.Check(err)
	www.SendJSONRaw(w, string(result))
}
