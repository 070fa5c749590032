package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds S3/MinIO connection configuration for the report archive.
type S3Config struct {
	// Endpoint for MinIO. Leave empty for AWS S3.
	Endpoint string

	Bucket string
	Region string

	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS (default: false for internal MinIO)
	UseSSL bool

	// PathPrefix is prepended to all report keys
	PathPrefix string
}

// Archiver wraps another StatusSink and additionally writes a JSON report to
// object storage whenever a run reaches a terminal status. Archive failures
// are logged, never propagated: the inner sink's result is authoritative.
type Archiver struct {
	inner  StatusSink
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewArchiver creates an archiving sink around inner.
func NewArchiver(inner StatusSink, cfg *S3Config, logger *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // required for MinIO
		})
	}

	return &Archiver{
		inner:  inner,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.PathPrefix,
		logger: logger,
	}, nil
}

func terminal(status string) bool {
	return status == "completed" || status == "failed"
}

func (a *Archiver) UpdateCampaign(ctx context.Context, campaignID string, update *CampaignUpdate) error {
	err := a.inner.UpdateCampaign(ctx, campaignID, update)
	if terminal(update.Status) {
		a.archive(ctx, "campaigns", campaignID, update)
	}
	return err
}

func (a *Archiver) UpdateRedTeam(ctx context.Context, campaignID string, update *RedTeamUpdate) error {
	err := a.inner.UpdateRedTeam(ctx, campaignID, update)
	if terminal(update.Status) {
		a.archive(ctx, "red-teaming", campaignID, update)
	}
	return err
}

func (a *Archiver) UpdateBattle(ctx context.Context, battleID string, update *BattleUpdate) error {
	err := a.inner.UpdateBattle(ctx, battleID, update)
	if terminal(update.Status) {
		a.archive(ctx, "battles", battleID, update)
	}
	return err
}

func (a *Archiver) AddBattleTurn(ctx context.Context, battleID string, turn *BattleTurn) error {
	return a.inner.AddBattleTurn(ctx, battleID, turn)
}

func (a *Archiver) archive(ctx context.Context, kind, id string, report interface{}) {
	key := fmt.Sprintf("%s/%s-%s.json", kind, id, time.Now().UTC().Format("20060102T150405Z"))
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}

	body, err := json.Marshal(report)
	if err != nil {
		a.logger.Error("marshal archive report", "key", key, "error", err)
		return
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		a.logger.Error("archive report upload failed", "key", key, "error", err)
		return
	}

	a.logger.Info("archived report", "uri", fmt.Sprintf("s3://%s/%s", a.bucket, key))
}

var _ StatusSink = (*Archiver)(nil)
