package clips

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/clipvault/clipvault/server/model"
	"github.com/clipvault/clipvault/server/storage"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
	"gorm.io/gorm"
)

// ClipServer owns the lifecycle of event clips: ingest, lookup, retrieval, delete.
// Blobs live in 'storage', and the index records live in 'db'. Within an ingest,
// the blob write always happens before the index write, so we never index a clip
// whose blob failed to persist. The failure mode in the other direction (blob
// persisted, index write failed) leaves an orphaned blob, which we log and leave
// for manual cleanup.
type ClipServer struct {
	log     logs.Log
	db      *gorm.DB
	storage storage.Storage
}

func NewClipServer(log logs.Log, db *gorm.DB, store storage.Storage) *ClipServer {
	return &ClipServer{
		log:     log,
		db:      db,
		storage: store,
	}
}

func blobPath(ownerID int64, kind model.ClipKind, fileName string) string {
	return fmt.Sprintf("%v/clips/%v/%v", ownerID, kind.Folder(), fileName)
}

func clipBlobPath(clip *model.Clip) string {
	return blobPath(clip.OwnerID, clip.Kind, clip.FileName)
}

// Find the first matching clip for (owner, event, kind).
// Duplicate records for the same key are possible (we don't de-duplicate at
// write time), in which case the oldest wins.
func (s *ClipServer) findClip(ownerID int64, eventID string, kind model.ClipKind) (*model.Clip, bool) {
	clip := model.Clip{}
	s.db.Where("owner_id = ? AND event_id = ? AND kind = ?", ownerID, eventID, kind).Order("id").First(&clip)
	return &clip, clip.ID != 0
}

// Delete the blob, then the index record. A missing blob is tolerated (and logged),
// so that delete converges after a previous partial failure. Panics with an
// HTTPError on store failure.
func (s *ClipServer) deleteClip(ctx context.Context, clip *model.Clip) {
	path := clipBlobPath(clip)
	err := s.storage.DeleteFile(ctx, path)
	if storage.IsNotExist(err) {
		s.log.Warnf("Deleting clip %v (owner %v, event %v, delete): blob %v was already gone", clip.ID, clip.OwnerID, clip.EventID, path)
	} else if err != nil {
		s.log.Errorf("Failed to delete blob %v (owner %v, event %v, delete): %v", path, clip.OwnerID, clip.EventID, err)
		www.Check(err)
	}
	if err := s.db.Delete(&model.Clip{}, clip.ID).Error; err != nil {
		s.log.Errorf("Blob %v deleted but index record %v remains (owner %v, event %v, delete): %v", path, clip.ID, clip.OwnerID, clip.EventID, err)
		www.Check(err)
	}
}

// Validate a client-supplied filename before it becomes part of a blob path
func validateFileName(fileName string) string {
	if fileName == "" {
		www.PanicBadRequestf("Must specify a file name")
	}
	if strings.ContainsAny(fileName, "/\\") || strings.Contains(fileName, "..") {
		www.PanicBadRequestf("Invalid file name %v", fileName)
	}
	return fileName
}

func contentTypeForClip(clip *model.Clip) string {
	if t := mime.TypeByExtension(filepath.Ext(clip.FileName)); t != "" {
		return t
	}
	if clip.Kind == model.ClipKindVideo {
		return "video/mp4"
	}
	return "image/jpeg"
}
