package gdrive

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/diaslmb/tldv/internal/logging"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const docMimeType = "application/vnd.google-apps.document"

// Uploader mirrors a session's transcript into a Google Doc inside one Drive
// folder. A second upload for the same session replaces the document body.
type Uploader struct {
	service  *drive.Service
	folderID string
	fileIDs  map[string]string
	mu       sync.Mutex
	log      zerolog.Logger
}

func NewUploader(ctx context.Context, credPath, folderID string) (*Uploader, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	return NewUploaderWithOptions(ctx, folderID, option.WithCredentials(config))
}

func NewUploaderWithOptions(ctx context.Context, folderID string, opts ...option.ClientOption) (*Uploader, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return &Uploader{
		service:  svc,
		folderID: folderID,
		fileIDs:  make(map[string]string),
		log:      logging.WithComponent("gdrive"),
	}, nil
}

func (u *Uploader) Upload(ctx context.Context, sessionID, localPath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	media := googleapi.ContentType("text/plain")

	if fileID, ok := u.fileIDs[sessionID]; ok {
		_, err = u.service.Files.Update(fileID, &drive.File{}).Media(f, media).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
		u.log.Info().Str("session", sessionID).Str("file_id", fileID).Msg("transcript doc updated")
		return nil
	}

	file := &drive.File{
		Name:     DocName(sessionID),
		MimeType: docMimeType,
	}
	if u.folderID != "" {
		file.Parents = []string{u.folderID}
	}

	doc, err := u.service.Files.Create(file).Media(f, media).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("drive create: %w", err)
	}

	u.fileIDs[sessionID] = doc.Id
	u.log.Info().Str("session", sessionID).Str("file_id", doc.Id).Msg("transcript doc created")
	return nil
}

func DocName(sessionID string) string {
	return "tldv-" + sessionID
}
