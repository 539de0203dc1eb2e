package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"deposit-orchestrator/internal/domain"
)

const (
	ProtocolS3           = "s3"
	defaultS3Region      = "us-east-1"
	defaultS3MaxAttempts = 3
)

// S3 archives packages into an S3-compatible bucket.
type S3 struct {
	httpClient aws.HTTPClient
}

type S3Option func(*S3)

// WithS3HTTPClient replaces the HTTP client used for every repository. Used
// by tests to run against an in-process fake.
func WithS3HTTPClient(c aws.HTTPClient) S3Option {
	return func(t *S3) { t.httpClient = c }
}

func NewS3(opts ...S3Option) *S3 {
	t := &S3{}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *S3) Protocol() string {
	return ProtocolS3
}

type s3Target struct {
	client   *s3.Client
	bucket   string
	prefix   string
	endpoint string
}

func (t *S3) target(ctx context.Context, cfg Config) (s3Target, error) {
	bucket, err := cfg.Require(KeyBucket)
	if err != nil {
		return s3Target{}, err
	}
	pathStyle, err := cfg.Bool(KeyPathStyle, false)
	if err != nil {
		return s3Target{}, err
	}
	timeout, err := cfg.ConnectTimeout()
	if err != nil {
		return s3Target{}, err
	}
	insecure, err := cfg.InsecureSkipVerify()
	if err != nil {
		return s3Target{}, err
	}
	maxAttempts, err := cfg.Int(KeyMaxAttempts, defaultS3MaxAttempts)
	if err != nil {
		return s3Target{}, err
	}
	if maxAttempts < 1 {
		return s3Target{}, invalidKey(KeyMaxAttempts, fmt.Errorf("must be at least 1"))
	}

	httpClient := t.httpClient
	if httpClient == nil {
		httpClient = awshttp.NewBuildableClient().
			WithDialerOptions(func(d *net.Dialer) { d.Timeout = timeout }).
			WithTransportOptions(func(tr *http.Transport) {
				tr.TLSHandshakeTimeout = timeout
				if tr.TLSClientConfig == nil {
					tr.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
				}
				tr.TLSClientConfig.InsecureSkipVerify = insecure //nolint:gosec // opt-in per repository
			})
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.String(KeyRegion, defaultS3Region)),
		config.WithHTTPClient(httpClient),
		config.WithRetryMaxAttempts(maxAttempts),
	}
	if ak := cfg.String(KeyUsername, ""); ak != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, cfg.String(KeyPassword, ""), ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return s3Target{}, &ConfigurationError{Reason: fmt.Sprintf("load aws config: %v", err)}
	}

	endpoint := cfg.String(KeyEndpoint, "")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	if endpoint == "" {
		endpoint = "s3." + awsCfg.Region + ".amazonaws.com"
	}
	return s3Target{
		client:   client,
		bucket:   bucket,
		prefix:   strings.Trim(cfg.String(KeyBasePath, ""), "/"),
		endpoint: endpoint,
	}, nil
}

type s3Session struct {
	s3Target
}

func (t *S3) Open(ctx context.Context, cfg Config) (Session, error) {
	tgt, err := t.target(ctx, cfg)
	if err != nil {
		return nil, err
	}
	_, err = tgt.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(tgt.bucket)})
	if err != nil {
		if code, ok := s3StatusCode(err); ok && code < http.StatusInternalServerError {
			return nil, &ConfigurationError{Key: KeyBucket, Reason: fmt.Sprintf("bucket %s not usable (%d)", tgt.bucket, code)}
		}
		return nil, s3Error(tgt.endpoint, err)
	}
	return &s3Session{s3Target: tgt}, nil
}

func (s *s3Session) Send(ctx context.Context, pkg Package) (Receipt, error) {
	key := path.Base(pkg.Name)
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(pkg.Body),
		ContentLength: aws.Int64(int64(len(pkg.Body))),
	}
	if pkg.MediaType != "" {
		input.ContentType = aws.String(pkg.MediaType)
	}
	if pkg.Checksum != "" {
		input.Metadata = map[string]string{"sha256": pkg.Checksum}
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		if code, ok := s3StatusCode(err); ok && code >= 400 && code < 500 {
			return Receipt{}, &ProtocolRejection{StatusCode: code, Reason: err.Error()}
		}
		return Receipt{}, s3Error(s.endpoint, err)
	}
	return Receipt{
		Locator: "s3://" + s.bucket + "/" + key,
		Status:  domain.DepositStatusAccepted,
	}, nil
}

func (s *s3Session) Close() error {
	return nil
}

func (t *S3) QueryStatus(ctx context.Context, cfg Config, locator string) (domain.DepositStatus, error) {
	tgt, err := t.target(ctx, cfg)
	if err != nil {
		return "", err
	}
	rest, ok := strings.CutPrefix(locator, "s3://"+tgt.bucket+"/")
	if !ok || rest == "" {
		return "", fmt.Errorf("locator %q does not belong to bucket %s", locator, tgt.bucket)
	}
	if _, err := tgt.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(tgt.bucket), Key: aws.String(rest)}); err != nil {
		return "", s3Error(tgt.endpoint, err)
	}
	return domain.DepositStatusAccepted, nil
}

func (t *S3) CheckConnectivity(ctx context.Context, cfg Config) bool {
	timeout, err := cfg.ConnectTimeout()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tgt, err := t.target(ctx, cfg)
	if err != nil {
		return false
	}
	_, err = tgt.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(tgt.bucket)})
	if err == nil {
		return true
	}
	code, ok := s3StatusCode(err)
	return ok && code < http.StatusInternalServerError
}

func s3StatusCode(err error) (int, bool) {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode(), true
	}
	return 0, false
}

// s3Error classifies availability responses such as 503 SlowDown the same way
// as the HTTP transports do.
func s3Error(endpoint string, err error) error {
	if code, ok := s3StatusCode(err); ok && isUnavailable(code) {
		return &ConnectionError{Endpoint: endpoint, Err: err}
	}
	return asConnectionError(endpoint, err)
}
