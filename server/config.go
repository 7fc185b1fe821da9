package server

import "github.com/cyclopcam/dbh"

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

type Config struct {
	DB      dbh.DBConfig  `json:"db"`
	Storage StorageConfig `json:"storage"`
	HTTP    HTTPConfig    `json:"http"`
	Faces   FacesConfig   `json:"faces"`
}

// One of the storage options must be configured (i.e. 'filesystem', 'gcs', or 's3')
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
	S3         *StorageConfigS3  `json:"s3"`
}

type StorageConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"` // Name of the GCS bucket
}

type StorageConfigS3 struct {
	Bucket string `json:"bucket"`
	Region string `json:"region"`
}

type HTTPConfig struct {
	Port int    `json:"port"` // Default 8080
	Mode string `json:"mode"` // development or production (default production)

	// Path to the built SPA. Empty disables static file serving (eg when the
	// dev server runs the frontend).
	StaticRoot string `json:"staticRoot"`

	// Origins allowed in development mode. Default http://localhost:3000.
	// Production serves the SPA from the same origin, so there is no CORS.
	AllowedOrigins []string `json:"allowedOrigins"`
}

type FacesConfig struct {
	Python string `json:"python"` // Python interpreter (default "python3")
	Script string `json:"script"` // Path to the face-encoding script
}
