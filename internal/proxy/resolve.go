// Package proxy resolves asset file locations and streams their contents to
// consumers without persisting anything locally.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var ErrUpstreamFetch = errors.New("upstream fetch failed")

// Presigner converts an s3:// location into a time-limited HTTPS URL.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// S3Presigner presigns against real AWS credentials.
type S3Presigner struct {
	Client *s3.PresignClient
}

func (p S3Presigner) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := p.Client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// Resolver rewrites storage schemes into fetchable HTTPS URLs.
type Resolver struct {
	IPFSGateway string
	S3          Presigner
	S3TTL       time.Duration
}

// Resolve maps a stored location to a URL the proxy can GET. http and https
// pass through unchanged.
func (r Resolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	switch {
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return rawURL, nil
	case strings.HasPrefix(rawURL, "ipfs://"):
		path := strings.TrimPrefix(rawURL, "ipfs://")
		if path == "" {
			return "", fmt.Errorf("%w: empty ipfs path in %q", ErrUpstreamFetch, rawURL)
		}
		gateway := strings.TrimRight(r.IPFSGateway, "/")
		if gateway == "" {
			gateway = "https://ipfs.io"
		}
		return gateway + "/ipfs/" + path, nil
	case strings.HasPrefix(rawURL, "s3://"):
		if r.S3 == nil {
			return "", fmt.Errorf("%w: no s3 presigner configured", ErrUpstreamFetch)
		}
		bucket, key, ok := strings.Cut(strings.TrimPrefix(rawURL, "s3://"), "/")
		if !ok || bucket == "" || key == "" {
			return "", fmt.Errorf("%w: malformed s3 url %q", ErrUpstreamFetch, rawURL)
		}
		ttl := r.S3TTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		return r.S3.PresignGet(ctx, bucket, key, ttl)
	default:
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrUpstreamFetch, rawURL)
	}
}
