package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const (
	DefaultMaxRetries = 5
	defaultRetryBase  = time.Second
	defaultAudience   = "sts.amazonaws.com"
)

// ObjectPutter is the subset of *s3.Client the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type UploaderConfig struct {
	Bucket string
	Region string
	// Endpoint points at an S3-compatible service instead of AWS.
	Endpoint string

	// RoleARN assumes a role with a web identity token read from
	// TokenFile, or fetched from the OIDC socket at TokenSocket.
	RoleARN     string
	TokenFile   string
	TokenSocket string

	AccessKeyID     string
	SecretAccessKey string

	DeleteAfter bool
	MaxRetries  int
	RetryBase   time.Duration
	Logger      *slog.Logger
}

// Uploader pushes completed log files to a bucket.
type Uploader struct {
	client ObjectPutter
	cfg    UploaderConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

// socketTokenRetriever implements stscreds.IdentityTokenRetriever against
// an OIDC token endpoint served over a Unix socket (Fly.io machines).
type socketTokenRetriever struct {
	socketPath string
	audience   string
}

func (f *socketTokenRetriever) GetIdentityToken() ([]byte, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", f.socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	reqBody, err := json.Marshal(map[string]string{"aud": f.audience})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := client.Post("http://localhost/v1/tokens/oidc", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}
	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	return token, nil
}

// NewUploader builds an S3 client from the config. Static keys win over
// role assumption; with neither, the default AWS credential chain is used.
func NewUploader(ctx context.Context, cfg UploaderConfig) (*Uploader, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if cfg.RoleARN != "" && cfg.AccessKeyID == "" {
		var retriever stscreds.IdentityTokenRetriever
		if cfg.TokenFile != "" {
			retriever = stscreds.IdentityTokenFile(cfg.TokenFile)
		} else {
			socket := cfg.TokenSocket
			if socket == "" {
				socket = "/.fly/api"
			}
			retriever = &socketTokenRetriever{socketPath: socket, audience: defaultAudience}
		}
		provider := stscreds.NewWebIdentityRoleProvider(sts.NewFromConfig(awsCfg), cfg.RoleARN, retriever)
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewUploaderWithClient(client, cfg), nil
}

func NewUploaderWithClient(client ObjectPutter, cfg UploaderConfig) *Uploader {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Uploader{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "uploader", "bucket", cfg.Bucket),
	}
}

// ScanAndUploadExisting uploads .jsonl files left over from a previous run.
func (u *Uploader) ScanAndUploadExisting(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".jsonl") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil
	}

	u.logger.Info("Uploading files from previous run", "count", len(files))
	for _, path := range files {
		u.spawn(ctx, path)
	}
	return nil
}

// Run uploads every path received until ctx is cancelled or files closes.
func (u *Uploader) Run(ctx context.Context, files <-chan string) {
	for {
		select {
		case path, ok := <-files:
			if !ok {
				return
			}
			u.spawn(ctx, path)
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until in-flight uploads finish.
func (u *Uploader) Wait() {
	u.wg.Wait()
}

func (u *Uploader) spawn(ctx context.Context, path string) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		if err := u.Upload(ctx, path); err != nil {
			u.logger.Error("Upload failed", "file", filepath.Base(path), "error", err)
		}
	}()
}

// Upload puts one file with retries, deleting it afterwards when configured.
func (u *Uploader) Upload(ctx context.Context, localPath string) error {
	filename := filepath.Base(localPath)
	key, err := ObjectKey(filename)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= u.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := u.cfg.RetryBase * time.Duration(1<<uint(attempt-1))
			u.logger.Warn("Upload attempt failed, retrying",
				"file", filename, "attempt", attempt, "max_retries", u.cfg.MaxRetries, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if lastErr = u.put(ctx, localPath, key); lastErr == nil {
			u.logger.Info("Uploaded file", "file", filename, "key", key)
			if u.cfg.DeleteAfter {
				if err := os.Remove(localPath); err != nil {
					u.logger.Error("Failed to delete local file", "file", localPath, "error", err)
				}
			}
			return nil
		}
	}
	return fmt.Errorf("upload %s after %d attempts: %w", filename, u.cfg.MaxRetries+1, lastErr)
}

func (u *Uploader) put(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// ObjectKey derives the object key from a log file name.
// twitch_ludwig_20251230_103000.jsonl becomes
// 2025/12/30/twitch/ludwig/twitch_ludwig_20251230_103000.jsonl.
func ObjectKey(filename string) (string, error) {
	name := strings.TrimSuffix(filename, ".jsonl")

	// Channel names may contain underscores, so parse from the end.
	parts := strings.Split(name, "_")
	if len(parts) < 4 {
		return "", fmt.Errorf("invalid filename format: %s", filename)
	}
	platform := parts[0]
	dateStr := parts[len(parts)-2]
	timeStr, _, _ := strings.Cut(parts[len(parts)-1], "-")
	channel := strings.Join(parts[1:len(parts)-2], "_")

	t, err := time.Parse(fileTimeLayout, dateStr+"_"+timeStr)
	if err != nil {
		return "", fmt.Errorf("parse timestamp in %s: %w", filename, err)
	}
	return fmt.Sprintf("%04d/%02d/%02d/%s/%s/%s",
		t.Year(), t.Month(), t.Day(), platform, channel, filename), nil
}
