package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type fakePresigner struct {
	lastTTL time.Duration
}

func (f *fakePresigner) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	f.lastTTL = ttl
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s?signed=1", bucket, key), nil
}

func TestResolvePassthrough(t *testing.T) {
	r := Resolver{}
	for _, u := range []string{"http://example.com/a", "https://example.com/b?x=1"} {
		got, err := r.Resolve(context.Background(), u)
		if err != nil || got != u {
			t.Fatalf("resolve %s: got %s err %v", u, got, err)
		}
	}
}

func TestResolveIPFS(t *testing.T) {
	r := Resolver{IPFSGateway: "https://gateway.example.org/"}
	got, err := r.Resolve(context.Background(), "ipfs://QmHash/data.csv")
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://gateway.example.org/ipfs/QmHash/data.csv" {
		t.Fatalf("ipfs url %s", got)
	}
	if _, err := r.Resolve(context.Background(), "ipfs://"); !errors.Is(err, ErrUpstreamFetch) {
		t.Fatalf("empty ipfs path: %v", err)
	}
}

func TestResolveS3(t *testing.T) {
	p := &fakePresigner{}
	r := Resolver{S3: p, S3TTL: 5 * time.Minute}
	got, err := r.Resolve(context.Background(), "s3://my-bucket/sets/weather.parquet")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "my-bucket") || !strings.Contains(got, "sets/weather.parquet") {
		t.Fatalf("presigned url %s", got)
	}
	if p.lastTTL != 5*time.Minute {
		t.Fatalf("ttl %s", p.lastTTL)
	}
	if _, err := r.Resolve(context.Background(), "s3://bucket-only"); !errors.Is(err, ErrUpstreamFetch) {
		t.Fatalf("malformed s3 url: %v", err)
	}
}

func TestResolveRejectsUnknownScheme(t *testing.T) {
	r := Resolver{}
	if _, err := r.Resolve(context.Background(), "ftp://example.com/x"); !errors.Is(err, ErrUpstreamFetch) {
		t.Fatalf("expected ErrUpstreamFetch, got %v", err)
	}
}
