package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/maheshrc27/postflow-analytics/configs"
	"github.com/maheshrc27/postflow-analytics/internal/models"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	f.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, f.err
}

func TestNewR2ArchiveDisabledWithoutBucket(t *testing.T) {
	a, err := NewR2Archive(context.Background(), config.R2{})
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestNewR2ArchiveRequiresCredentials(t *testing.T) {
	_, err := NewR2Archive(context.Background(), config.R2{BucketName: "b"})
	assert.Error(t, err)
}

func TestArchiveWritesRunUnderKey(t *testing.T) {
	put := &fakePutter{}
	a := &R2Archive{bucket: "runs", client: put}
	run := &models.SyncRun{ID: "r1", AccountID: 42, Platform: models.PlatformInstagram, Outcome: models.SyncOutcomeSuccess}

	err := a.Archive(context.Background(), &Record{
		Run:   run,
		Items: []Item{{SubjectType: models.SubjectPost, SubjectID: 7, Raw: json.RawMessage(`{"a":1}`)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "sync-runs/instagram/42/r1.json", *put.input.Key)
	assert.Equal(t, "runs", *put.input.Bucket)

	var decoded Record
	require.NoError(t, json.Unmarshal(put.body, &decoded))
	assert.Equal(t, models.SyncOutcomeSuccess, decoded.Run.Outcome)
	require.Len(t, decoded.Items, 1)
	assert.JSONEq(t, `{"a":1}`, string(decoded.Items[0].Raw))
}

func TestArchivePropagatesPutError(t *testing.T) {
	a := &R2Archive{bucket: "runs", client: &fakePutter{err: errors.New("denied")}}
	err := a.Archive(context.Background(), &Record{Run: &models.SyncRun{ID: "r"}})
	assert.Error(t, err)
}
