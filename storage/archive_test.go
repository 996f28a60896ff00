package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"marketwire/types"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	objects map[string][]byte
	putErr  error
}

func (f *fakeObjects) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjects) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Bucket+"/"+*in.Key]; ok {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
}

func TestS3Archiver(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{}}
	arch := NewS3ArchiverWithClient(objects, "bucket", "articles")

	a := &types.Article{ID: "abc", Title: "Rupee steady", CreatedAt: time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC)}
	assert.Equal(t, "articles/2026/10/19/abc.json", arch.Key(a))

	ok, err := arch.Exists(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, arch.Archive(context.Background(), a))
	assert.Contains(t, string(objects.objects["bucket/articles/2026/10/19/abc.json"]), `"title":"Rupee steady"`)

	ok, err = arch.Exists(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestS3ArchiverPutError(t *testing.T) {
	boom := errors.New("access denied")
	arch := NewS3ArchiverWithClient(&fakeObjects{putErr: boom}, "bucket", "")
	err := arch.Archive(context.Background(), &types.Article{ID: "x"})
	assert.ErrorIs(t, err, boom)
}
