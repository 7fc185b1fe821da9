package clips

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clipvault/clipvault/server/auth"
	"github.com/clipvault/clipvault/server/model"
	"github.com/clipvault/clipvault/server/storage"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// Largest clip we accept. The capture devices produce short detection clips,
// so anything bigger than this is a misbehaving client.
const maxUploadSize = 64 * 1024 * 1024

// Page size of the video feed
const videoPageSize = 20

// Upload a clip (a video or a still image) captured for a detection event.
// Multipart form field "file", plus headers deviceid, devicelocation, timesent, eventid.
// The part's Content-Type decides the kind: video/* or image/*, anything else is a 415.
func (s *ClipServer) HttpUploadClip(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	if r.ContentLength > maxUploadSize {
		www.PanicBadRequestf("Request body is too large: %v. Maximum size: %v MB", r.ContentLength, maxUploadSize/(1024*1024))
	}
	// ContentLength is -1 for chunked encoding, so the check above is not
	// sufficient on its own
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	eventID := strings.TrimSpace(r.Header.Get("eventid"))
	if eventID == "" {
		www.PanicBadRequestf("Must specify eventid")
	}
	deviceID := r.Header.Get("deviceid")
	deviceLocation := r.Header.Get("devicelocation")
	timeSent := parseTimeSent(r.Header.Get("timesent"))

	mr, err := r.MultipartReader()
	www.CheckClient(err)
	part := findFilePart(mr)
	if part == nil {
		www.PanicBadRequestf("Must include a 'file' form field")
	}
	defer part.Close()

	contentType := part.Header.Get("Content-Type")
	var kind model.ClipKind
	switch {
	case strings.HasPrefix(contentType, "video/"):
		kind = model.ClipKindVideo
	case strings.HasPrefix(contentType, "image/"):
		kind = model.ClipKindImage
	default:
		www.Panic(http.StatusUnsupportedMediaType, "Only video/* and image/* uploads are accepted")
	}

	fileName := part.FileName()
	if fileName == "" {
		fileName = r.Header.Get("filename")
	}
	fileName = validateFileName(fileName)

	// Blob first, index second. We stream the part straight into the store, so a
	// slow store applies backpressure to the uploading device.
	path := blobPath(cred.UserID, kind, fileName)
	if err := storage.WriteFile(r.Context(), s.storage, path, part); err != nil {
		if cleanupErr := s.storage.DeleteFile(r.Context(), path); cleanupErr != nil && !storage.IsNotExist(cleanupErr) {
			s.log.Warnf("Could not remove partial blob %v: %v", path, cleanupErr)
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			www.PanicBadRequestf("Request body is too large. Maximum size: %v MB", maxUploadSize/(1024*1024))
		}
		s.log.Errorf("Blob write failed (owner %v, event %v, upload): %v", cred.UserID, eventID, err)
		www.Check(err)
	}

	clip := model.Clip{
		OwnerID:        cred.UserID,
		EventID:        eventID,
		Kind:           kind,
		DeviceID:       deviceID,
		DeviceLocation: deviceLocation,
		TimeSent:       timeSent,
		FileName:       fileName,
		CreatedAt:      dbh.MakeIntTime(time.Now().UTC()),
	}
	if err := s.db.Create(&clip).Error; err != nil {
		// No automatic retry here; the blob stays behind until somebody cleans it up
		s.log.Errorf("Index write failed, blob %v is orphaned (owner %v, event %v, upload): %v", path, cred.UserID, eventID, err)
		www.Check(err)
	}
	s.log.Infof("New %v clip %v from device %v (owner %v, event %v)", kind, clip.ID, deviceID, cred.UserID, eventID)
	www.SendID(w, clip.ID)
}

func (s *ClipServer) HttpGetVideo(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	s.httpGetClip(w, r, cred, model.ClipKindVideo)
}

func (s *ClipServer) HttpGetImage(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	s.httpGetClip(w, r, cred, model.ClipKindImage)
}

// Stream the blob of the clip matching (owner, eventID, kind) to the caller.
// We never buffer the whole blob; io.Copy lets the client connection apply
// backpressure to the store reader.
func (s *ClipServer) httpGetClip(w http.ResponseWriter, r *http.Request, cred *auth.Credentials, kind model.ClipKind) {
	eventID := www.RequiredQueryValue(r, "eventID")
	clip, ok := s.findClip(cred.UserID, eventID, kind)
	if !ok {
		www.PanicNotFound()
	}
	path := clipBlobPath(clip)
	file, err := s.storage.ReadFile(r.Context(), path)
	if storage.IsNotExist(err) {
		// Not a normal miss: the index says this blob should exist
		s.log.Errorf("Clip %v has an index entry but blob %v is missing (owner %v, event %v, read)", clip.ID, path, cred.UserID, eventID)
		www.PanicNotFound()
	}
	www.Check(err)
	defer file.Reader.Close()
	w.Header().Set("Content-Type", contentTypeForClip(clip))
	if file.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	}
	if _, err := io.Copy(w, file.Reader); err != nil {
		// Headers are gone, so we can't send an error status anymore
		s.log.Infof("Aborted send of clip %v (owner %v, event %v): %v", clip.ID, cred.UserID, eventID, err)
	}
}

// The owner's video feed, newest first, capped at videoPageSize
func (s *ClipServer) HttpListVideos(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	videos := []model.Clip{}
	www.Check(s.db.Where("owner_id = ? AND kind = ?", cred.UserID, model.ClipKindVideo).Order("time_sent DESC").Limit(videoPageSize).Find(&videos).Error)
	if len(videos) == 0 {
		www.PanicNotFound()
	}
	type videoListJSON struct {
		Videos []model.Clip `json:"videos"`
	}
	www.SendJSON(w, &videoListJSON{Videos: videos})
}

// Delete both artifacts of a detection event. The two kinds are independent:
// absence of one is not an error, and 404 means neither existed.
func (s *ClipServer) HttpDeleteEvent(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	eventID := params.ByName("eventID")
	nDeleted := 0
	for _, kind := range []model.ClipKind{model.ClipKindVideo, model.ClipKindImage} {
		clip, ok := s.findClip(cred.UserID, eventID, kind)
		if !ok {
			continue
		}
		s.deleteClip(r.Context(), clip)
		nDeleted++
	}
	if nDeleted == 0 {
		www.PanicNotFound()
	}
	www.SendOK(w)
}

func findFilePart(mr *multipart.Reader) *multipart.Part {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		www.CheckClient(err)
		if part.FormName() == "file" {
			return part
		}
		part.Close()
	}
}

// timesent arrives either as RFC3339 or as unix milliseconds, depending on the
// device firmware generation
func parseTimeSent(h string) dbh.IntTime {
	if h == "" {
		return 0
	}
	if t, err := time.Parse(time.RFC3339, h); err == nil {
		return dbh.MakeIntTime(t)
	}
	if ms, err := strconv.ParseInt(h, 10, 64); err == nil {
		return dbh.MakeIntTimeMilli(ms)
	}
	www.PanicBadRequestf("Invalid timesent '%v'. Must be RFC3339 or unix milliseconds", h)
	return 0
}
