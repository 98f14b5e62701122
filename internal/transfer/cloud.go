package transfer

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/config"
	"github.com/Hara602/usbDefender/internal/model"
)

// cloudDispatcher uploads files to an S3-compatible bucket.
type cloudDispatcher struct {
	cfg   config.CloudConfig
	log   *zap.Logger
	trail *audit.Trail
}

func newCloud(cfg config.CloudConfig, log *zap.Logger, trail *audit.Trail) *cloudDispatcher {
	return &cloudDispatcher{cfg: cfg, log: log, trail: trail}
}

func (d *cloudDispatcher) Describe() string {
	return fmt.Sprintf("s3://%s/%s", d.cfg.Bucket, strings.Trim(d.cfg.Prefix, "/"))
}

func (d *cloudDispatcher) client() (*minio.Client, error) {
	client, err := minio.New(d.cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(d.cfg.AccessKey, d.cfg.SecretKey, ""),
		Secure: d.cfg.UseSSL,
		Region: d.cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return client, nil
}

func (d *cloudDispatcher) TestConnection() bool {
	client, err := d.client()
	if err != nil {
		d.log.Error("s3 client init failed", zap.Error(err))
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, d.cfg.Bucket)
	if err != nil {
		d.log.Error("s3 bucket check failed",
			zap.String("bucket", d.cfg.Bucket), zap.Error(err))
		return false
	}
	if !exists {
		d.log.Error("s3 bucket does not exist", zap.String("bucket", d.cfg.Bucket))
	}
	return exists
}

func (d *cloudDispatcher) Transfer(files []string, sessionID string) []model.TransferResult {
	client, err := d.client()
	if err != nil {
		d.log.Error("s3 transfer aborted", zap.Error(err))
		return failAll(files, d.Describe(), err, d.trail)
	}

	prefix := path.Join(strings.Trim(d.cfg.Prefix, "/"), sessionID)
	results := make([]model.TransferResult, 0, len(files))

	for _, src := range files {
		key := path.Join(prefix, strings.ReplaceAll(relativeToSession(src, sessionID), "\\", "/"))
		res := model.TransferResult{
			SourcePath:  src,
			Destination: fmt.Sprintf("s3://%s/%s", d.cfg.Bucket, key),
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		_, err := client.FPutObject(ctx, d.cfg.Bucket, key, src, minio.PutObjectOptions{
			ContentType: contentTypeFor(src),
		})
		cancel()

		if err != nil {
			res.Err = err.Error()
			resp := minio.ToErrorResponse(err)
			d.log.Error("s3 upload failed",
				zap.String("file", src),
				zap.String("code", resp.Code),
				zap.Error(err))
			d.trail.Event(audit.EventFileTransferred,
				audit.F("source", src),
				audit.F("destination", res.Destination),
				audit.F("status", "FAILED: "+err.Error()))
		} else {
			res.Success = true
			d.trail.Event(audit.EventFileTransferred,
				audit.F("source", src),
				audit.F("destination", res.Destination),
				audit.F("status", "SUCCESS"))
		}
		results = append(results, res)
	}
	return results
}

func contentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
