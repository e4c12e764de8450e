package media

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPresigner() *s3.PresignClient {
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""),
		BaseEndpoint: aws.String("http://minio.local:9000"),
		UsePathStyle: true,
	})
	return s3.NewPresignClient(client)
}

func TestResolvePassesHTTPThrough(t *testing.T) {
	r := NewResolver(nil, "", 0)
	out, err := r.Resolve(context.Background(), []string{"https://cdn.example/a.jpg", "http://x/b.png"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example/a.jpg", "http://x/b.png"}, out)
}

func TestResolvePresignsS3(t *testing.T) {
	r := NewResolver(testPresigner(), "media", 15*time.Minute)

	out, err := r.Resolve(context.Background(), []string{"s3://assets/img/cat.jpg", "uploads/dog.png"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	first, err := url.Parse(out[0])
	require.NoError(t, err)
	assert.Equal(t, "minio.local:9000", first.Host)
	assert.Equal(t, "/assets/img/cat.jpg", first.Path)
	assert.NotEmpty(t, first.Query().Get("X-Amz-Signature"))
	assert.Equal(t, "900", first.Query().Get("X-Amz-Expires"))

	second, err := url.Parse(out[1])
	require.NoError(t, err)
	assert.Equal(t, "/media/uploads/dog.png", second.Path)
}

func TestResolveRejectsUnsupported(t *testing.T) {
	r := NewResolver(nil, "", 0)
	for _, ref := range []string{"ftp://host/file", "s3://bucket/key", "bare-key", ""} {
		_, err := r.Resolve(context.Background(), []string{ref})
		assert.ErrorIs(t, err, ErrUnsupportedRef, ref)
	}
}
