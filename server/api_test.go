package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clipvault/clipvault/server/auth"
	"github.com/clipvault/clipvault/server/model"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	cfg := &Config{
		DB: dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "clipvault.sqlite")),
		Storage: StorageConfig{
			Filesystem: &StorageConfigFS{Root: t.TempDir()},
		},
	}
	s, err := NewServerFromConfig(logs.NewTestingLog(t), cfg, 0)
	require.NoError(t, err)
	return s
}

// Creates a user and hands back a bearer token, bypassing the login endpoint
func newTestUser(t *testing.T, s *Server, email, password, sitePermissions string) (int64, string) {
	id, err := s.auth.CreateUser(email, password, sitePermissions)
	require.NoError(t, err)
	token, err := s.auth.NewBearerToken(id)
	require.NoError(t, err)
	return id, token
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.httpHandler.ServeHTTP(w, req)
	return w
}

func authedRequest(method, url, token string, body *bytes.Buffer) *http.Request {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, url, body)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

type uploadOptions struct {
	eventID     string
	contentType string
	fileName    string
	content     []byte
}

func uploadClip(t *testing.T, s *Server, token string, opt uploadOptions) *httptest.ResponseRecorder {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%v"`, opt.fileName))
	hdr.Set("Content-Type", opt.contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(opt.content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := authedRequest("POST", "/api/clips/upload", token, body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if opt.eventID != "" {
		req.Header.Set("eventid", opt.eventID)
	}
	req.Header.Set("deviceid", "cam-01")
	req.Header.Set("devicelocation", "front door")
	req.Header.Set("timesent", "1700000000000")
	return do(s, req)
}

func TestPing(t *testing.T) {
	s := newTestServer(t)
	w := do(s, httptest.NewRequest("GET", "/api/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestLoginAndClipRoundTrip(t *testing.T) {
	s := newTestServer(t)
	_, err := s.auth.CreateUser("alice@example.com", "hunter22!", "")
	require.NoError(t, err)

	// Login with BASIC credentials, receive a bearer token
	req := httptest.NewRequest("POST", "/api/auth/login", nil)
	req.SetBasicAuth("alice@example.com", "hunter22!")
	w := do(s, req)
	require.Equal(t, http.StatusOK, w.Code)
	login := struct {
		BearerToken string `json:"bearerToken"`
	}{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	require.NotEmpty(t, login.BearerToken)
	token := login.BearerToken

	video := []byte("not really an mp4, but the server never looks inside")
	image := []byte("jpeg bytes")

	w = uploadClip(t, s, token, uploadOptions{eventID: "evt-1", contentType: "video/mp4", fileName: "clip.mp4", content: video})
	require.Equal(t, http.StatusOK, w.Code)
	w = uploadClip(t, s, token, uploadOptions{eventID: "evt-1", contentType: "image/jpeg", fileName: "still.jpg", content: image})
	require.Equal(t, http.StatusOK, w.Code)

	// List
	w = do(s, authedRequest("GET", "/api/videos", token, nil))
	require.Equal(t, http.StatusOK, w.Code)
	list := struct {
		Videos []model.Clip `json:"videos"`
	}{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Videos, 1)
	require.Equal(t, "evt-1", list.Videos[0].EventID)
	require.Equal(t, model.ClipKindVideo, list.Videos[0].Kind)
	require.Equal(t, "cam-01", list.Videos[0].DeviceID)

	// Fetch both blobs back
	w = do(s, authedRequest("GET", "/api/clip/video?eventID=evt-1", token, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, video, w.Body.Bytes())
	require.Equal(t, "video/mp4", w.Header().Get("Content-Type"))

	w = do(s, authedRequest("GET", "/api/clip/image?eventID=evt-1", token, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, image, w.Body.Bytes())

	// Delete the event, then confirm everything is gone
	w = do(s, authedRequest("DELETE", "/api/clips/evt-1", token, nil))
	require.Equal(t, http.StatusOK, w.Code)
	w = do(s, authedRequest("GET", "/api/clip/video?eventID=evt-1", token, nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	w = do(s, authedRequest("GET", "/api/videos", token, nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	// Deleting again is a 404, not a silent success
	w = do(s, authedRequest("DELETE", "/api/clips/evt-1", token, nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadValidation(t *testing.T) {
	s := newTestServer(t)
	_, token := newTestUser(t, s, "bob@example.com", "hunter22!", "")

	// Missing eventid
	w := uploadClip(t, s, token, uploadOptions{contentType: "video/mp4", fileName: "clip.mp4", content: []byte("x")})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Unacceptable content type
	w = uploadClip(t, s, token, uploadOptions{eventID: "evt-1", contentType: "text/plain", fileName: "notes.txt", content: []byte("x")})
	require.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	// File name escaping the owner's prefix. Part.FileName strips directories
	// since go1.17, so the header fallback is the only way to smuggle one in.
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"`)
	hdr.Set("Content-Type", "video/mp4")
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	part.Write([]byte("x"))
	require.NoError(t, mw.Close())
	req := authedRequest("POST", "/api/clips/upload", token, body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("eventid", "evt-1")
	req.Header.Set("filename", "../../etc/passwd")
	w = do(s, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Nothing should have landed in the index
	w = do(s, authedRequest("GET", "/api/videos", token, nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	// Garbage token
	w = uploadClip(t, s, "no-such-token", uploadOptions{eventID: "evt-1", contentType: "video/mp4", fileName: "clip.mp4", content: []byte("x")})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOwnerIsolation(t *testing.T) {
	s := newTestServer(t)
	_, tokenA := newTestUser(t, s, "alice@example.com", "hunter22!", "")
	_, tokenB := newTestUser(t, s, "bob@example.com", "hunter22!", "")

	w := uploadClip(t, s, tokenA, uploadOptions{eventID: "evt-a", contentType: "video/mp4", fileName: "clip.mp4", content: []byte("alice's clip")})
	require.Equal(t, http.StatusOK, w.Code)

	// Bob sees none of Alice's clips, and cannot fetch or delete them
	w = do(s, authedRequest("GET", "/api/videos", tokenB, nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	w = do(s, authedRequest("GET", "/api/clip/video?eventID=evt-a", tokenB, nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	w = do(s, authedRequest("DELETE", "/api/clips/evt-a", tokenB, nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	// Alice's clip survived Bob's delete attempt
	w = do(s, authedRequest("GET", "/api/clip/video?eventID=evt-a", tokenA, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []byte("alice's clip"), w.Body.Bytes())
}

func TestVerifyToken(t *testing.T) {
	s := newTestServer(t)
	userID, token := newTestUser(t, s, "alice@example.com", "hunter22!", "")

	body := bytes.NewBufferString(fmt.Sprintf(`{"token": "%v"}`, token))
	w := do(s, httptest.NewRequest("POST", "/api/auth/verify", body))
	require.Equal(t, http.StatusOK, w.Code)
	resp := struct {
		UserID int64 `json:"userID"`
	}{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, userID, resp.UserID)

	body = bytes.NewBufferString(`{"token": "garbage"}`)
	w = do(s, httptest.NewRequest("POST", "/api/auth/verify", body))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	s := newTestServer(t)
	_, adminToken := newTestUser(t, s, "root@example.com", "hunter22!", auth.SitePermissionAdmin)
	_, plainToken := newTestUser(t, s, "bob@example.com", "hunter22!", "")

	newUser := `{"email": "carol@example.com", "password": "hunter22!", "sitePermissions": ""}`

	w := do(s, authedRequest("POST", "/api/auth/user/create", plainToken, bytes.NewBufferString(newUser)))
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(s, authedRequest("POST", "/api/auth/user/create", adminToken, bytes.NewBufferString(newUser)))
	require.Equal(t, http.StatusOK, w.Code)

	// The new user can log in
	req := httptest.NewRequest("POST", "/api/auth/login", nil)
	req.SetBasicAuth("carol@example.com", "hunter22!")
	w = do(s, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestLogout(t *testing.T) {
	s := newTestServer(t)
	_, token := newTestUser(t, s, "alice@example.com", "hunter22!", "")

	w := do(s, authedRequest("GET", "/api/auth/check", token, nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(s, authedRequest("POST", "/api/auth/logout", token, nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(s, authedRequest("GET", "/api/auth/check", token, nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginRateLimit(t *testing.T) {
	s := newTestServer(t)
	_, err := s.auth.CreateUser("alice@example.com", "hunter22!", "")
	require.NoError(t, err)

	lastCode := 0
	for i := 0; i < loginRateLimit+1; i++ {
		req := httptest.NewRequest("POST", "/api/auth/login", nil)
		req.SetBasicAuth("alice@example.com", "wrong password")
		lastCode = do(s, req).Code
		if i < loginRateLimit {
			require.Equal(t, http.StatusUnauthorized, lastCode)
		}
	}
	require.Equal(t, http.StatusTooManyRequests, lastCode)
}

func TestTimeSentFormats(t *testing.T) {
	s := newTestServer(t)
	_, token := newTestUser(t, s, "alice@example.com", "hunter22!", "")

	upload := func(eventID, timeSent string) *httptest.ResponseRecorder {
		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="file"; filename="clip.mp4"`)
		hdr.Set("Content-Type", "video/mp4")
		part, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		part.Write([]byte("x"))
		require.NoError(t, mw.Close())
		req := authedRequest("POST", "/api/clips/upload", token, body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("eventid", eventID)
		req.Header.Set("timesent", timeSent)
		return do(s, req)
	}

	require.Equal(t, http.StatusOK, upload("evt-rfc", "2023-11-14T22:13:20Z").Code)
	require.Equal(t, http.StatusOK, upload("evt-ms", "1700000000000").Code)
	require.Equal(t, http.StatusBadRequest, upload("evt-bad", "tomorrow-ish").Code)

	videos := []model.Clip{}
	require.NoError(t, s.DB.Where("event_id IN ?", []string{"evt-rfc", "evt-ms"}).Find(&videos).Error)
	require.Len(t, videos, 2)
	for _, v := range videos {
		require.EqualValues(t, 1700000000000, int64(v.TimeSent))
	}
}

// An index record whose blob has gone missing: retrieval is a 404, and delete
// still converges so the record doesn't stick around forever
func TestMissingBlob(t *testing.T) {
	s := newTestServer(t)
	userID, token := newTestUser(t, s, "alice@example.com", "hunter22!", "")

	w := uploadClip(t, s, token, uploadOptions{eventID: "evt-1", contentType: "video/mp4", fileName: "clip.mp4", content: []byte("video bytes")})
	require.Equal(t, http.StatusOK, w.Code)

	blob := filepath.Join(s.cfg.Storage.Filesystem.Root, fmt.Sprintf("%v", userID), "clips", "videos", "clip.mp4")
	require.NoError(t, os.Remove(blob))

	w = do(s, authedRequest("GET", "/api/clip/video?eventID=evt-1", token, nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	// Delete tolerates the missing blob and removes the record
	w = do(s, authedRequest("DELETE", "/api/clips/evt-1", token, nil))
	require.Equal(t, http.StatusOK, w.Code)
	count := int64(0)
	require.NoError(t, s.DB.Model(&model.Clip{}).Where("event_id = ?", "evt-1").Count(&count).Error)
	require.EqualValues(t, 0, count)

	w = do(s, authedRequest("DELETE", "/api/clips/evt-1", token, nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

// Chunked transfer encoding carries no Content-Length, so the size cap must
// hold while streaming, not just on the declared length
func TestChunkedUploadTooLarge(t *testing.T) {
	s := newTestServer(t)
	_, token := newTestUser(t, s, "alice@example.com", "hunter22!", "")

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="huge.mp4"`)
	hdr.Set("Content-Type", "video/mp4")
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	// One byte over the 64 MB upload cap
	_, err = part.Write(bytes.Repeat([]byte{0}, 64*1024*1024+1))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	// Hiding the buffer's concrete type leaves ContentLength at -1,
	// the same as a chunked sender
	req := httptest.NewRequest("POST", "/api/clips/upload", struct{ io.Reader }{body})
	require.EqualValues(t, -1, req.ContentLength)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("eventid", "evt-huge")
	w := do(s, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Nothing landed in the index
	w = do(s, authedRequest("GET", "/api/videos", token, nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

// A dead DB during token verification is a server fault, not an invalid token
func TestAuthDatabaseOutage(t *testing.T) {
	s := newTestServer(t)
	_, token := newTestUser(t, s, "alice@example.com", "hunter22!", "")

	sqlDB, err := s.DB.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w := do(s, authedRequest("GET", "/api/videos", token, nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestStaticAndUnknownRoutes(t *testing.T) {
	s := newTestServer(t)
	// No static root configured, so unknown paths are plain 404s
	w := do(s, httptest.NewRequest("GET", "/api/no/such/route", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.False(t, strings.Contains(w.Body.String(), "<html"))
}
