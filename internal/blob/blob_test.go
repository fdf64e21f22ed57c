package blob_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/gas-pipeline/internal/blob"
	"github.com/cuongbtq/gas-pipeline/internal/blob/blobtest"
	"github.com/cuongbtq/gas-pipeline/internal/domain"
)

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Fault: smithy.FaultClient}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	store := blob.NewS3Store(&fakeS3{objects: map[string][]byte{}})
	loc := domain.Location{Bucket: "results", Key: "user-1/job~a.annot.vcf"}

	require.NoError(t, store.Put(ctx, loc, strings.NewReader("annotated")))

	data, err := blob.ReadAll(ctx, store, loc)
	require.NoError(t, err)
	assert.Equal(t, "annotated", string(data))

	require.NoError(t, store.Delete(ctx, loc))

	_, err = store.Open(ctx, loc)
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)
	assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
}

type fakeGlacier struct {
	uploaded  []byte
	initiated []*types.JobParameters
	deleted   []string
	capacity  bool
}

func (f *fakeGlacier) UploadArchive(_ context.Context, in *glacier.UploadArchiveInput, _ ...func(*glacier.Options)) (*glacier.UploadArchiveOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.uploaded = data
	return &glacier.UploadArchiveOutput{ArchiveId: aws.String("archive-1")}, nil
}

func (f *fakeGlacier) InitiateJob(_ context.Context, in *glacier.InitiateJobInput, _ ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error) {
	f.initiated = append(f.initiated, in.JobParameters)
	if !f.capacity && aws.ToString(in.JobParameters.Tier) == blob.TierExpedited {
		return nil, &types.InsufficientCapacityException{Message: aws.String("no capacity")}
	}
	return &glacier.InitiateJobOutput{JobId: aws.String("retrieval-1")}, nil
}

func (f *fakeGlacier) GetJobOutput(_ context.Context, in *glacier.GetJobOutputInput, _ ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error) {
	return &glacier.GetJobOutputOutput{Body: io.NopCloser(bytes.NewReader(f.uploaded))}, nil
}

func (f *fakeGlacier) DeleteArchive(_ context.Context, in *glacier.DeleteArchiveInput, _ ...func(*glacier.Options)) (*glacier.DeleteArchiveOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ArchiveId))
	return &glacier.DeleteArchiveOutput{}, nil
}

func TestGlacierVault(t *testing.T) {
	ctx := context.Background()
	client := &fakeGlacier{}
	vault := blob.NewGlacierVault(client, "results-vault")

	id, err := vault.Archive(ctx, strings.NewReader("cold bytes"), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "archive-1", id)

	_, err = vault.InitiateRetrieval(ctx, blob.RetrievalRequest{ArchiveID: id, Tier: blob.TierExpedited})
	assert.ErrorIs(t, err, domain.ErrInsufficientCapacity)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))

	jobID, err := vault.InitiateRetrieval(ctx, blob.RetrievalRequest{
		ArchiveID:   id,
		Description: `{"job_id":"job-1"}`,
		Tier:        blob.TierStandard,
		SNSTopic:    "arn:aws:sns:us-east-1:1:thaw",
	})
	require.NoError(t, err)
	assert.Equal(t, "retrieval-1", jobID)
	require.Len(t, client.initiated, 2)
	assert.Equal(t, "archive-retrieval", aws.ToString(client.initiated[1].Type))
	assert.Equal(t, "arn:aws:sns:us-east-1:1:thaw", aws.ToString(client.initiated[1].SNSTopic))

	out, err := vault.RetrievalOutput(ctx, jobID)
	require.NoError(t, err)
	data, err := io.ReadAll(out)
	require.NoError(t, err)
	assert.Equal(t, "cold bytes", string(data))

	require.NoError(t, vault.Delete(ctx, id))
	assert.Equal(t, []string{"archive-1"}, client.deleted)
}

func TestDownloadAndUploadFile(t *testing.T) {
	ctx := context.Background()
	store := blobtest.NewStore()
	src := domain.Location{Bucket: "inputs", Key: "user-1/job~a.vcf"}
	store.Set(src, []byte("##fileformat=VCFv4.2\n"))

	path := filepath.Join(t.TempDir(), "user-1", "job", "job~a.vcf")
	require.NoError(t, blob.DownloadFile(ctx, store, src, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "##fileformat=VCFv4.2\n", string(data))

	dst := domain.Location{Bucket: "results", Key: "user-1/job~a.vcf"}
	require.NoError(t, blob.UploadFile(ctx, store, path, dst))
	got, ok := store.Object(dst)
	require.True(t, ok)
	assert.Equal(t, data, got)

	err = blob.DownloadFile(ctx, store, domain.Location{Bucket: "inputs", Key: "missing"}, path)
	assert.ErrorIs(t, err, domain.ErrObjectNotFound)
}
