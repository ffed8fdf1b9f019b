package aws_s3

import (
	"bytes"
	"context"
	"fmt"
	log "log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/encoding"
)

const partSize = 5 * 1024 * 1024

// Archive is a dtx.Archiver writing each record as a JSON object named
// <prefix><txn id>.json.
type Archive struct {
	client     *s3.Client
	bucketName string
	prefix     string
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// NewArchive returns an Archive on bucketName. The bucket must exist, see ManageBucket.EnsureBucket.
func NewArchive(client *s3.Client, bucketName, prefix string) (*Archive, error) {
	if client == nil {
		return nil, fmt.Errorf("s3Client parameter can't be nil")
	}
	if bucketName == "" {
		return nil, fmt.Errorf("bucketName can't be empty")
	}
	return &Archive{
		client:     client,
		bucketName: bucketName,
		prefix:     prefix,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = partSize
		}),
	}, nil
}

// ObjectKey returns the object name of tid's record.
func (a *Archive) ObjectKey(tid dtx.UUID) string {
	return a.prefix + tid.String() + ".json"
}

func (a *Archive) Archive(ctx context.Context, r dtx.CleanupRecord) error {
	ba, err := encoding.DefaultMarshaler.Marshal(r)
	if err != nil {
		return err
	}
	key := a.ObjectKey(r.TxnID)
	if _, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(ba),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("upload of %s to bucket %s failed: %w", key, a.bucketName, err)
	}
	log.Debug("archived cleanup record", "tid", r.TxnID.String(), "bucket", a.bucketName, "key", key)
	return nil
}

// Fetch reads back the archived record of tid.
func (a *Archive) Fetch(ctx context.Context, tid dtx.UUID) (dtx.CleanupRecord, error) {
	buffer := manager.NewWriteAtBuffer([]byte{})
	if _, err := a.downloader.Download(ctx, buffer, &s3.GetObjectInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(a.ObjectKey(tid)),
	}); err != nil {
		return dtx.CleanupRecord{}, err
	}
	var r dtx.CleanupRecord
	if err := encoding.DefaultMarshaler.Unmarshal(buffer.Bytes(), &r); err != nil {
		return dtx.CleanupRecord{}, err
	}
	return r, nil
}
