package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"souq/souq/config"
	"souq/souq/utils/types"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrTranscriptNotFound = errors.New("transcript not found")

// TranscriptArchive keeps closed chat sessions.
type TranscriptArchive interface {
	Put(ctx context.Context, t types.Transcript) (string, error)
	Get(ctx context.Context, key string) (types.Transcript, error)
}

type MinIOClient struct {
	client *minio.Client
	bucket string
}

func NewMinIOClient(ctx context.Context, cfg config.Config) (*MinIOClient, error) {
	client, err := minio.New(
		cfg.MinIOEndpoint,
		&minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIOAccessKey, cfg.MinIOSecretKey, ""),
			Secure: cfg.MinIOUseSSL,
		},
	)
	if err != nil {
		return nil, err
	}
	exists, err := client.BucketExists(ctx, cfg.MinIOBucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinIOBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	return &MinIOClient{client: client, bucket: cfg.MinIOBucket}, nil
}

// TranscriptKey partitions transcripts by the day the session opened.
func TranscriptKey(t types.Transcript) string {
	return path.Join("transcripts", t.CreatedAt.UTC().Format("2006/01/02"), t.SessionID+".json")
}

func EncodeTranscript(t types.Transcript) ([]byte, error) {
	return json.Marshal(t)
}

func (m *MinIOClient) Put(ctx context.Context, t types.Transcript) (string, error) {
	if t.SessionID == "" {
		return "", fmt.Errorf("transcript without session id")
	}
	data, err := EncodeTranscript(t)
	if err != nil {
		return "", err
	}
	key := TranscriptKey(t)
	_, err = m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (m *MinIOClient) Get(ctx context.Context, key string) (types.Transcript, error) {
	var t types.Transcript
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return t, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return t, fmt.Errorf("%w: %s", ErrTranscriptNotFound, key)
		}
		return t, err
	}
	err = json.Unmarshal(data, &t)
	return t, err
}
