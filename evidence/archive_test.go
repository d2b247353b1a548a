package evidence

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	existsErrs []error
	exists     bool
	made       int
	puts       []string
}

func (f *fakeStore) BucketExists(context.Context, string) (bool, error) {
	if len(f.existsErrs) > 0 {
		err := f.existsErrs[0]
		f.existsErrs = f.existsErrs[1:]
		if err != nil {
			return false, err
		}
	}
	return f.exists, nil
}

func (f *fakeStore) MakeBucket(context.Context, string, minio.MakeBucketOptions) error {
	f.made++
	f.exists = true
	return nil
}

func (f *fakeStore) PutObject(_ context.Context, _, object string, r io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	if _, err := io.ReadAll(r); err != nil {
		return minio.UploadInfo{}, err
	}
	f.puts = append(f.puts, object)
	return minio.UploadInfo{Key: object}, nil
}

func TestObjectArchive_RetriesBucketCheckAfterFailure(t *testing.T) {
	store := &fakeStore{existsErrs: []error{errors.New("connection refused")}}
	a := &ObjectArchive{client: store, bucket: "packs", region: "us-east-1"}
	p := Pack{ID: "P1", TenantID: "T1", DisputeID: "D1", Status: StatusReady}

	_, err := a.Put(context.Background(), p)
	require.Error(t, err)
	assert.Empty(t, store.puts)

	uri, err := a.Put(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "s3://packs/T1/disputes/D1/evidence/P1.json", uri)
	assert.Equal(t, 1, store.made)

	_, err = a.Put(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, store.made)
	assert.Len(t, store.puts, 2)
}
