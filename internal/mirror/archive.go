package mirror

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
)

// SnapshotArchive retains reconciliation payloads in object storage
// under timestamped keys. Failures are the caller's to log; archiving
// never blocks or fails a mirror push.
type SnapshotArchive struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

func NewSnapshotArchive(client *minio.Client, bucket string) *SnapshotArchive {
	if client == nil || bucket == "" {
		return nil
	}
	return &SnapshotArchive{
		client: client,
		bucket: bucket,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (a *SnapshotArchive) Archive(ctx context.Context, payload []byte) error {
	if a == nil {
		return nil
	}
	key := fmt.Sprintf("snapshots/%s.json", a.now().Format("2006-01-02T15-04-05Z"))
	_, err := a.client.PutObject(
		ctx,
		a.bucket,
		key,
		bytes.NewReader(payload),
		int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("archive snapshot %s: %w", key, err)
	}
	return nil
}
