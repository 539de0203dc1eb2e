package events

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
)

const (
	objectCreatedEvent = "s3:ObjectCreated:*"
	intakeSuffix       = ".json"
)

// IntakeEvent announces an intake document uploaded under the intake prefix.
type IntakeEvent struct {
	ObjectKey string
	Name      string
	EventName string
}

type IntakeEventSource interface {
	Run(ctx context.Context, handler func(context.Context, IntakeEvent) error) error
}

type MinioIntakeEventSource struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinioIntakeEventSource(client *minio.Client, bucket string, prefix string) *MinioIntakeEventSource {
	return &MinioIntakeEventSource{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// Run delivers intake events to handler until ctx is cancelled. A handler
// error stops the stream.
func (s *MinioIntakeEventSource) Run(ctx context.Context, handler func(context.Context, IntakeEvent) error) error {
	notificationCh := s.client.ListenBucketNotification(ctx, s.bucket, s.prefix, intakeSuffix, []string{objectCreatedEvent})
	for {
		select {
		case <-ctx.Done():
			return nil
		case info, ok := <-notificationCh:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("minio notification stream closed")
			}
			if info.Err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("minio notification stream error: %w", info.Err)
			}
			for _, record := range info.Records {
				objectKey, err := decodeObjectKey(record.S3.Object.Key)
				if err != nil {
					continue
				}
				name, err := parseIntakeKey(s.prefix, objectKey)
				if err != nil {
					continue
				}
				event := IntakeEvent{
					ObjectKey: objectKey,
					Name:      name,
					EventName: record.EventName,
				}
				if err := handler(ctx, event); err != nil {
					return err
				}
			}
		}
	}
}

func decodeObjectKey(encoded string) (string, error) {
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return "", err
	}
	decoded = strings.TrimSpace(decoded)
	if decoded == "" {
		return "", fmt.Errorf("object key is empty")
	}
	return decoded, nil
}

// parseIntakeKey accepts prefix/<name>.json with no further nesting and
// returns <name>.
func parseIntakeKey(prefix, objectKey string) (string, error) {
	cleaned := strings.TrimLeft(strings.ReplaceAll(objectKey, "\\", "/"), "/")
	if !strings.HasPrefix(cleaned, prefix) {
		return "", fmt.Errorf("object key %q is outside intake prefix %q", objectKey, prefix)
	}
	rest := strings.TrimLeft(strings.TrimPrefix(cleaned, prefix), "/")
	if rest == "" || strings.Contains(rest, "/") {
		return "", fmt.Errorf("object key %q does not match %s<name>%s", objectKey, prefix, intakeSuffix)
	}
	if path.Ext(rest) != intakeSuffix || strings.TrimSuffix(rest, intakeSuffix) == "" {
		return "", fmt.Errorf("object key %q is not a json intake document", objectKey)
	}
	return strings.TrimSuffix(rest, intakeSuffix), nil
}
