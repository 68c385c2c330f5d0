package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	driveFolderMime = "application/vnd.google-apps.folder"
	driveListFields = "nextPageToken, files(id, name, mimeType, size, modifiedTime, md5Checksum)"
)

// Drive maps a folder tree of a Drive-style API onto relative paths.
type Drive struct {
	svc    *drive.Service
	rootID string
	opts   Options

	mu      sync.Mutex
	folders map[string]string // relative folder path -> id
	files   map[string]string // relative file path -> id
}

func openDrive(ctx context.Context, settings Settings, opts Options) (Backend, error) {
	if err := settings.Require("credentials_file"); err != nil {
		return nil, err
	}
	credPath, err := homedir.Expand(settings["credentials_file"])
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read drive credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, drive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse drive credentials: %w", err)
	}
	svc, err := drive.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return NewDrive(svc, settings.String("folder", "root"), opts), nil
}

// NewDrive wraps an existing service rooted at folder id rootID.
func NewDrive(svc *drive.Service, rootID string, opts Options) *Drive {
	return &Drive{
		svc:     svc,
		rootID:  rootID,
		opts:    opts.withDefaults(),
		folders: map[string]string{"": rootID},
		files:   make(map[string]string),
	}
}

type driveNode struct {
	id  string
	rel string
}

// List walks the folder tree breadth first.
func (d *Drive) List(ctx context.Context, root string) ([]Entry, error) {
	root = joinRemote("", root)
	rootID, err := d.resolveFolder(ctx, root, false)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	queue := []driveNode{{id: rootID, rel: ""}}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		children, err := d.children(ctx, node.id)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if strings.HasPrefix(child.Name, ".") {
				continue
			}
			rel := child.Name
			if node.rel != "" {
				rel = path.Join(node.rel, child.Name)
			}
			full := joinRemote(root, rel)
			if child.MimeType == driveFolderMime {
				d.remember(d.folders, full, child.Id)
				queue = append(queue, driveNode{id: child.Id, rel: rel})
				continue
			}
			if strings.HasPrefix(child.MimeType, "application/vnd.google-apps.") {
				// native docs have no byte content to sync
				continue
			}
			d.remember(d.files, full, child.Id)
			mtime, _ := time.Parse(time.RFC3339, child.ModifiedTime)
			entries = append(entries, Entry{
				Path:        rel,
				Size:        child.Size,
				ModTime:     mtime,
				Fingerprint: strings.ToLower(child.Md5Checksum),
			})
		}
	}
	return entries, nil
}

func (d *Drive) remember(m map[string]string, rel, id string) {
	d.mu.Lock()
	m[rel] = id
	d.mu.Unlock()
}

func (d *Drive) lookup(m map[string]string, rel string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := m[rel]
	return id, ok
}

func (d *Drive) children(ctx context.Context, parentID string) ([]*drive.File, error) {
	var out []*drive.File
	pageToken := ""
	for {
		call := d.svc.Files.List().
			Q(fmt.Sprintf("'%s' in parents and trashed = false", escapeDriveQuery(parentID))).
			Fields(driveListFields).
			PageSize(1000).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var list *drive.FileList
		err := withRetry(ctx, d.opts.Logger, "drive list", isRetryableDrive, func() error {
			var err error
			list, err = call.Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list drive folder %s: %w", parentID, err)
		}
		out = append(out, list.Files...)
		if list.NextPageToken == "" {
			return out, nil
		}
		pageToken = list.NextPageToken
	}
}

// find returns the id of the named child of parentID, or "" when absent.
func (d *Drive) find(ctx context.Context, parentID, name string, folder bool) (string, error) {
	q := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false",
		escapeDriveQuery(parentID), escapeDriveQuery(name))
	if folder {
		q += fmt.Sprintf(" and mimeType = '%s'", driveFolderMime)
	} else {
		q += fmt.Sprintf(" and mimeType != '%s'", driveFolderMime)
	}
	var list *drive.FileList
	err := withRetry(ctx, d.opts.Logger, "drive find", isRetryableDrive, func() error {
		var err error
		list, err = d.svc.Files.List().Q(q).Fields("files(id)").PageSize(1).
			SupportsAllDrives(true).IncludeItemsFromAllDrives(true).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

// resolveFolder returns the id of the folder at rel, creating missing
// folders when create is set.
func (d *Drive) resolveFolder(ctx context.Context, rel string, create bool) (string, error) {
	rel = joinRemote("", rel)
	if id, ok := d.lookup(d.folders, rel); ok {
		return id, nil
	}
	parentID := d.rootID
	current := ""
	for _, part := range strings.Split(rel, "/") {
		current = joinRemote(current, part)
		if id, ok := d.lookup(d.folders, current); ok {
			parentID = id
			continue
		}
		id, err := d.find(ctx, parentID, part, true)
		if err != nil {
			return "", fmt.Errorf("failed to resolve drive folder %s: %w", current, err)
		}
		if id == "" {
			if !create {
				return "", fmt.Errorf("%w: drive folder %s", ErrNotFound, current)
			}
			var created *drive.File
			err = withRetry(ctx, d.opts.Logger, "drive mkdir", isRetryableDrive, func() error {
				var err error
				created, err = d.svc.Files.Create(&drive.File{
					Name:     part,
					MimeType: driveFolderMime,
					Parents:  []string{parentID},
				}).Fields("id").SupportsAllDrives(true).Context(ctx).Do()
				return err
			})
			if err != nil {
				return "", fmt.Errorf("failed to create drive folder %s: %w", current, err)
			}
			id = created.Id
		}
		d.remember(d.folders, current, id)
		parentID = id
	}
	return parentID, nil
}

func (d *Drive) fileID(ctx context.Context, rel string) (string, error) {
	rel = joinRemote("", rel)
	if id, ok := d.lookup(d.files, rel); ok {
		return id, nil
	}
	dir, name := path.Split(rel)
	parentID, err := d.resolveFolder(ctx, strings.TrimSuffix(dir, "/"), false)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	id, err := d.find(ctx, parentID, name, false)
	if err != nil {
		return "", err
	}
	if id != "" {
		d.remember(d.files, rel, id)
	}
	return id, nil
}

// Put creates or replaces the file content, carrying over the local mtime so
// later comparisons converge.
func (d *Drive) Put(ctx context.Context, localPath, remotePath string) error {
	rel := joinRemote("", remotePath)
	info, err := d.opts.LocalFS.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}
	dir, name := path.Split(rel)
	parentID, err := d.resolveFolder(ctx, strings.TrimSuffix(dir, "/"), true)
	if err != nil {
		return err
	}
	existing, err := d.fileID(ctx, rel)
	if err != nil {
		return err
	}

	return withRetry(ctx, d.opts.Logger, "drive upload "+rel, isRetryableDrive, func() error {
		f, err := d.opts.LocalFS.Open(localPath)
		if err != nil {
			return fmt.Errorf("failed to open source file: %w", err)
		}
		defer f.Close()
		body := newReader(ctx, f, d.opts.Limiter)
		meta := &drive.File{ModifiedTime: info.ModTime().UTC().Format(time.RFC3339)}
		var out *drive.File
		if existing != "" {
			out, err = d.svc.Files.Update(existing, meta).Media(body).
				Fields("id").SupportsAllDrives(true).Context(ctx).Do()
		} else {
			meta.Name = name
			meta.Parents = []string{parentID}
			out, err = d.svc.Files.Create(meta).Media(body).
				Fields("id").SupportsAllDrives(true).Context(ctx).Do()
		}
		if err != nil {
			return err
		}
		d.remember(d.files, rel, out.Id)
		return nil
	})
}

// Get downloads the file content to localPath.
func (d *Drive) Get(ctx context.Context, remotePath, localPath string) error {
	id, err := d.fileID(ctx, remotePath)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}
	var resp *http.Response
	err = withRetry(ctx, d.opts.Logger, "drive download "+remotePath, isRetryableDrive, func() error {
		var err error
		resp, err = d.svc.Files.Get(id).SupportsAllDrives(true).Context(ctx).Download()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", remotePath, err)
	}
	defer resp.Body.Close()
	_, err = writeAtomic(ctx, d.opts.LocalFS, localPath, resp.Body, d.opts.Limiter)
	return err
}

// Delete removes the file. A file that is already gone counts as deleted.
func (d *Drive) Delete(ctx context.Context, remotePath string) error {
	rel := joinRemote("", remotePath)
	id, err := d.fileID(ctx, rel)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	err = withRetry(ctx, d.opts.Logger, "drive delete "+rel, isRetryableDrive, func() error {
		return d.svc.Files.Delete(id).SupportsAllDrives(true).Context(ctx).Do()
	})
	if err != nil && !isDriveNotFound(err) {
		return fmt.Errorf("failed to delete %s: %w", rel, err)
	}
	d.mu.Lock()
	delete(d.files, rel)
	d.mu.Unlock()
	return nil
}

// EnsureContainer creates the folder chain for p.
func (d *Drive) EnsureContainer(ctx context.Context, p string) error {
	if joinRemote("", p) == "" {
		return nil
	}
	_, err := d.resolveFolder(ctx, p, true)
	return err
}

// Fingerprint returns the md5Checksum reported by the listing.
func (d *Drive) Fingerprint(_ context.Context, e Entry) (string, bool, error) {
	return e.Fingerprint, e.Fingerprint != "", nil
}

// Close is a no-op; the service uses a pooled HTTP client.
func (d *Drive) Close() error {
	return nil
}

func escapeDriveQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func isRetryableDrive(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500
	}
	return false
}

func isDriveNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
