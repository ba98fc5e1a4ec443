// Package recordings archives call recordings from the carrier's short-lived
// URLs into S3. Archival is best-effort: the carrier keeps recordings for a
// while, and the recording key on the call log marks what made it across.
package recordings

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/dialhq/dialcore/internal/config"
	"github.com/dialhq/dialcore/internal/pkg/httpretry"
	"github.com/dialhq/dialcore/internal/store"
)

const downloadTimeout = 30 * time.Second

// maxRecordingBytes caps one download (an hour of compressed audio is far
// below this).
const maxRecordingBytes = 100 << 20

// Archiver copies recordings to S3 and stamps the object key on the call log.
type Archiver struct {
	store  *store.Store
	s3     *s3.Client
	bucket string
	http   *httpretry.Client
}

// New builds the archiver from config. Static credentials take precedence;
// otherwise the default chain (profile, instance role) applies.
func New(ctx context.Context, st *store.Store, cfg config.RecordingsConfig) (*Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	} else if cfg.AWSProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &Archiver{
		store:  st,
		s3:     s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
		http:   httpretry.New(&http.Client{Timeout: downloadTimeout}, 3),
	}, nil
}

func objectKey(campaignID, callSID string) string {
	return fmt.Sprintf("recordings/%s/%s.mp3", campaignID, callSID)
}

// download fetches the recording into memory, capped at maxRecordingBytes.
func (a *Archiver) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading recording: status %d", resp.StatusCode)
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordingBytes))
	if err != nil {
		return nil, fmt.Errorf("reading recording: %w", err)
	}
	return audio, nil
}

// Archive downloads the recording and uploads it to S3 in the background.
// The webhook response never waits on it.
func (a *Archiver) Archive(ctx context.Context, campaignID, callID uuid.UUID, callSID, recordingURL string) {
	go func() {
		// Detached from the request context; the upload outlives the webhook.
		bg, cancel := context.WithTimeout(context.Background(), 2*downloadTimeout)
		defer cancel()
		if err := a.archive(bg, campaignID, callID, callSID, recordingURL); err != nil {
			log.Printf("[Recordings] archive of call %s failed: %v", callID, err)
		}
	}()
}

func (a *Archiver) archive(ctx context.Context, campaignID, callID uuid.UUID, callSID, recordingURL string) error {
	// Buffer the whole file: the S3 client needs a seekable body, and the
	// size cap keeps one download bounded.
	audio, err := a.download(ctx, recordingURL)
	if err != nil {
		return err
	}

	key := objectKey(campaignID.String(), callSID)
	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(audio),
		ContentType: aws.String("audio/mpeg"),
	})
	if err != nil {
		return fmt.Errorf("uploading recording: %w", err)
	}

	if err := a.store.SetRecordingKey(ctx, callID, key); err != nil {
		return fmt.Errorf("stamping recording key: %w", err)
	}
	log.Printf("[Recordings] archived call %s to s3://%s/%s", callID, a.bucket, key)
	return nil
}
