package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/pensionops/rebalancer/internal/model"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Uploader stores finalized workbooks where operators can open them and
// returns a URL per uploaded key.
type Uploader interface {
	Upload(ctx context.Context, fund model.Fund, at time.Time, files map[string][]byte) (map[string]string, error)
}

// GCSUploader uploads workbooks to a Cloud Storage bucket under
// <prefix>/<fund>/<date>/<time>-<key>.xlsx.
type GCSUploader struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSUploader creates an uploader. An empty credentialsFile uses
// application default credentials.
func NewGCSUploader(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSUploader, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	return &GCSUploader{client: client, bucket: bucket, prefix: prefix}, nil
}

// Close releases the underlying client.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}

// Upload writes every file and stops at the first failure.
func (u *GCSUploader) Upload(ctx context.Context, fund model.Fund, at time.Time, files map[string][]byte) (map[string]string, error) {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	urls := make(map[string]string, len(files))
	for _, key := range keys {
		name := ObjectName(u.prefix, fund, at, key)
		if err := u.write(ctx, name, files[key]); err != nil {
			return nil, err
		}
		urls[key] = fmt.Sprintf("https://storage.cloud.google.com/%s/%s", u.bucket, name)
	}
	return urls, nil
}

func (u *GCSUploader) write(ctx context.Context, name string, data []byte) error {
	w := u.client.Bucket(u.bucket).Object(name).NewWriter(ctx)
	w.ContentType = xlsxContentType
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", u.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gs://%s/%s: %w", u.bucket, name, err)
	}
	return nil
}

// ObjectName builds the object path for one uploaded workbook.
func ObjectName(prefix string, fund model.Fund, at time.Time, key string) string {
	at = at.UTC()
	return path.Join(prefix, string(fund), at.Format("2006-01-02"),
		fmt.Sprintf("%s-%s.xlsx", at.Format("150405"), key))
}
