// Package artifact defines where finished clips are persisted.
package artifact

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/clipforge/internal/common"
)

// Store persists a finished clip and returns a retrievable URL.
// Store and Delete must be safe for concurrent use.
type Store interface {
	// Store copies the file at localPath under jobID. Retrying a failed
	// Store for the same job must not leave duplicates behind.
	Store(ctx context.Context, localPath, jobID string) (string, error)
	// Delete removes everything stored for jobID. Deleting a job with no
	// stored artifacts is not an error.
	Delete(ctx context.Context, jobID string) error
}

// ObjectName returns the job-relative name of a clip, e.g. "<jobID>/clip.mp4".
// The extension is taken from localPath.
func ObjectName(jobID, localPath string) string {
	ext := strings.ToLower(filepath.Ext(localPath))
	return path.Join(jobID, common.ClipBaseName+ext)
}

// ContentType maps a clip file extension to its MIME type.
func ContentType(ext string) string {
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "mp4":
		return common.MimeVideoMP4
	case "mov":
		return common.MimeVideoMOV
	case "mkv":
		return common.MimeVideoMKV
	case "webm":
		return common.MimeVideoWebM
	default:
		return common.MimeOctet
	}
}
