// Package archive stores finished sync runs with the raw provider payloads
// they wrote in Cloudflare R2.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"

	config "github.com/maheshrc27/postflow-analytics/configs"
	"github.com/maheshrc27/postflow-analytics/internal/models"
)

type Item struct {
	SubjectType models.SubjectType  `json:"subject_type"`
	SubjectID   int64               `json:"subject_id"`
	ExternalID  string              `json:"external_id,omitempty"`
	RecordedAt  time.Time           `json:"recorded_at"`
	Action      models.UpsertAction `json:"action"`
	Raw         json.RawMessage     `json:"raw,omitempty"`
}

type Record struct {
	Run   *models.SyncRun `json:"run"`
	Items []Item          `json:"items"`
}

// Key is the object key a run is stored under.
func Key(run *models.SyncRun) string {
	return fmt.Sprintf("sync-runs/%s/%d/%s.json", run.Platform, run.AccountID, run.ID)
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type R2Archive struct {
	bucket string
	client objectPutter
}

// NewR2Archive returns nil when no bucket is configured.
func NewR2Archive(ctx context.Context, cfg config.R2) (*R2Archive, error) {
	if cfg.BucketName == "" {
		return nil, nil
	}
	if cfg.AccountID == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("r2 archive needs account id, access key and secret key")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID))
	})
	return &R2Archive{bucket: cfg.BucketName, client: client}, nil
}

func (a *R2Archive) Archive(ctx context.Context, rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(Key(rec.Run)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
