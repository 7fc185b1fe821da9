package model

import "github.com/cyclopcam/dbh"

// ClipKind distinguishes the two artifacts that a detection event produces
type ClipKind string

const (
	ClipKindVideo ClipKind = "video"
	ClipKindImage ClipKind = "image"
)

// Folder is the path segment under the owner's storage prefix
func (k ClipKind) Folder() string {
	if k == ClipKindVideo {
		return "videos"
	}
	return "images"
}

// Clip is one captured artifact (a video OR an image) produced by a detection event.
// The blob lives in the blob store at {ownerID}/clips/{videos|images}/{fileName};
// this record is the index entry for it.
// A video record and an image record with the same (OwnerID, EventID) belong to
// the same detection event. We do not enforce uniqueness of (owner, event, kind)
// at write time; lookups take the first match.
type Clip struct {
	BaseModel
	OwnerID        int64       `json:"ownerID"`
	EventID        string      `json:"eventID"`
	Kind           ClipKind    `json:"kind"`
	DeviceID       string      `json:"deviceID"`
	DeviceLocation string      `json:"deviceLocation"`
	TimeSent       dbh.IntTime `json:"timeSent"`
	FileName       string      `json:"fileName"`
	CreatedAt      dbh.IntTime `json:"createdAt"`
}
