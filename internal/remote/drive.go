package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/kenneth/etcr-vault/internal/cache"
)

const folderMimeType = "application/vnd.google-apps.folder"

// DriveConfig configures the Google Drive object store.
type DriveConfig struct {
	// CredentialsFile points at a service account JSON, or with TokenFile
	// set, an installed-app client secret JSON.
	CredentialsFile string
	// TokenFile points at a saved OAuth token for user-account access.
	// The token must be provisioned out of band; the daemon never runs an
	// interactive consent flow.
	TokenFile string
	// RootFolderID is the Drive folder holding the vault tree. Empty means
	// the My Drive root.
	RootFolderID string
	// FolderCacheTTL bounds how long resolved folder ids are trusted.
	FolderCacheTTL time.Duration
}

// driveStore implements ObjectStore on Google Drive. Slash-separated
// object names are mapped onto nested Drive folders; resolved folder ids
// are cached because every path segment costs a files.list call.
type driveStore struct {
	svc     *drive.Service
	rootID  string
	folders cache.Cache
	mu      sync.Mutex // serializes folder creation
}

// NewDriveStore creates a Drive-backed object store.
func NewDriveStore(ctx context.Context, cfg DriveConfig) (ObjectStore, error) {
	if cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("drive credentials file is required")
	}

	var opts []option.ClientOption
	if cfg.TokenFile != "" {
		client, err := userClient(ctx, cfg.CredentialsFile, cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithHTTPClient(client))
	} else {
		opts = append(opts,
			option.WithCredentialsFile(cfg.CredentialsFile),
			option.WithScopes(drive.DriveFileScope),
		)
	}

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	rootID := cfg.RootFolderID
	if rootID == "" {
		rootID = "root"
	}

	return &driveStore{
		svc:     svc,
		rootID:  rootID,
		folders: cache.New(cfg.FolderCacheTTL, 4096),
	}, nil
}

// userClient builds an authorized HTTP client from an installed-app client
// secret and a previously saved OAuth token. The oauth2 transport refreshes
// the access token as long as the saved token carries a refresh token.
func userClient(ctx context.Context, credentialsFile, tokenFile string) (*http.Client, error) {
	secret, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read drive credentials: %w", err)
	}
	conf, err := google.ConfigFromJSON(secret, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse drive credentials: %w", err)
	}

	raw, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read drive token: %w", err)
	}
	token := &oauth2.Token{}
	if err := json.Unmarshal(raw, token); err != nil {
		return nil, fmt.Errorf("failed to parse drive token: %w", err)
	}

	return conf.Client(ctx, token), nil
}

// Put uploads an object, creating missing folders and overwriting any
// existing file of the same name.
func (d *driveStore) Put(ctx context.Context, name string, data []byte) error {
	parentID, err := d.folderID(ctx, path.Dir(name), true)
	if err != nil {
		return fmt.Errorf("failed to resolve folder for %s: %w", name, err)
	}

	existing, err := d.findChild(ctx, parentID, path.Base(name), false)
	switch {
	case err == nil:
		if _, err := d.svc.Files.Update(existing.Id, &drive.File{}).Media(bytes.NewReader(data)).Context(ctx).Do(); err != nil {
			return fmt.Errorf("failed to update %s: %w", name, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		file := &drive.File{Name: path.Base(name), Parents: []string{parentID}}
		if _, err := d.svc.Files.Create(file).Media(bytes.NewReader(data)).Fields("id").Context(ctx).Do(); err != nil {
			return fmt.Errorf("failed to create %s: %w", name, err)
		}
	default:
		return err
	}
	return nil
}

// Get downloads an object.
func (d *driveStore) Get(ctx context.Context, name string) ([]byte, error) {
	file, err := d.resolveFile(ctx, name)
	if err != nil {
		return nil, err
	}

	resp, err := d.svc.Files.Get(file.Id).Context(ctx).Download()
	if err != nil {
		if isDrive404(err) {
			return nil, fmt.Errorf("drive object %s: %w", name, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to download %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// Delete removes an object. Deleting a missing object succeeds.
func (d *driveStore) Delete(ctx context.Context, name string) error {
	file, err := d.resolveFile(ctx, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := d.svc.Files.Delete(file.Id).Context(ctx).Do(); err != nil && !isDrive404(err) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// List returns every object under prefix, walking the folder tree rooted
// at the prefix path.
func (d *driveStore) List(ctx context.Context, prefix string) ([]Object, error) {
	dir := strings.Trim(prefix, "/")
	folderID, err := d.folderID(ctx, dir, false)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var objects []Object
	if err := d.walk(ctx, folderID, dir, &objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// Stat returns object metadata without the body.
func (d *driveStore) Stat(ctx context.Context, name string) (Object, error) {
	file, err := d.resolveFile(ctx, name)
	if err != nil {
		return Object{}, err
	}
	return Object{
		Name:     name,
		Size:     file.Size,
		Modified: parseDriveTime(file.ModifiedTime),
	}, nil
}

// folderID resolves a slash-separated directory path to a Drive folder id,
// optionally creating missing segments.
func (d *driveStore) folderID(ctx context.Context, dir string, create bool) (string, error) {
	dir = strings.Trim(dir, "/")
	if dir == "" || dir == "." {
		return d.rootID, nil
	}
	if id, ok := d.folders.Get(dir); ok {
		return id, nil
	}

	if create {
		// Concurrent uploads into a fresh day folder would otherwise
		// race find-then-create and produce duplicate folders.
		d.mu.Lock()
		defer d.mu.Unlock()
	}

	parentID := d.rootID
	walked := ""
	for _, segment := range strings.Split(dir, "/") {
		if walked == "" {
			walked = segment
		} else {
			walked += "/" + segment
		}
		if id, ok := d.folders.Get(walked); ok {
			parentID = id
			continue
		}

		child, err := d.findChild(ctx, parentID, segment, true)
		if errors.Is(err, fs.ErrNotExist) {
			if !create {
				return "", fmt.Errorf("drive folder %s: %w", walked, fs.ErrNotExist)
			}
			child, err = d.createFolder(ctx, parentID, segment)
		}
		if err != nil {
			return "", err
		}

		d.folders.Set(walked, child.Id)
		parentID = child.Id
	}
	return parentID, nil
}

// resolveFile maps an object name to its Drive file.
func (d *driveStore) resolveFile(ctx context.Context, name string) (*drive.File, error) {
	parentID, err := d.folderID(ctx, path.Dir(name), false)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("drive object %s: %w", name, fs.ErrNotExist)
	}
	if err != nil {
		return nil, err
	}

	file, err := d.findChild(ctx, parentID, path.Base(name), false)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("drive object %s: %w", name, fs.ErrNotExist)
	}
	return file, err
}

// findChild looks up a direct child by name.
func (d *driveStore) findChild(ctx context.Context, parentID, name string, folder bool) (*drive.File, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false", escapeDriveQuery(name), parentID)
	if folder {
		q += " and mimeType = '" + folderMimeType + "'"
	} else {
		q += " and mimeType != '" + folderMimeType + "'"
	}

	list, err := d.svc.Files.List().
		Q(q).
		Fields("files(id, name, size, modifiedTime)").
		PageSize(2).
		Context(ctx).
		Do()
	if err != nil {
		if isDrive404(err) {
			return nil, fmt.Errorf("drive object %s: %w", name, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to look up %s: %w", name, err)
	}
	if len(list.Files) == 0 {
		return nil, fmt.Errorf("drive object %s: %w", name, fs.ErrNotExist)
	}
	return list.Files[0], nil
}

func (d *driveStore) createFolder(ctx context.Context, parentID, name string) (*drive.File, error) {
	folder := &drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parentID},
	}
	created, err := d.svc.Files.Create(folder).Fields("id").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to create folder %s: %w", name, err)
	}
	return created, nil
}

// walk collects all files under a folder, recursing into subfolders.
func (d *driveStore) walk(ctx context.Context, folderID, dir string, out *[]Object) error {
	q := fmt.Sprintf("'%s' in parents and trashed = false", folderID)
	pageToken := ""
	for {
		call := d.svc.Files.List().
			Q(q).
			Fields("nextPageToken, files(id, name, mimeType, size, modifiedTime)").
			PageSize(1000)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		list, err := call.Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to list folder %s: %w", dir, err)
		}

		for _, file := range list.Files {
			child := path.Join(dir, file.Name)
			if file.MimeType == folderMimeType {
				d.folders.Set(child, file.Id)
				if err := d.walk(ctx, file.Id, child, out); err != nil {
					return err
				}
				continue
			}
			*out = append(*out, Object{
				Name:     child,
				Size:     file.Size,
				Modified: parseDriveTime(file.ModifiedTime),
			})
		}

		pageToken = list.NextPageToken
		if pageToken == "" {
			return nil
		}
	}
}

// driveQueryEscaper escapes the characters Drive query literals reserve.
var driveQueryEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func escapeDriveQuery(s string) string {
	return driveQueryEscaper.Replace(s)
}

func isDrive404(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func parseDriveTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
