package blob

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"

	"github.com/cuongbtq/gas-pipeline/shared/awsclient"
)

// ownAccount tells Glacier to use the account of the signing credentials
const ownAccount = "-"

// GlacierAPI is the part of the Glacier client GlacierVault uses
type GlacierAPI interface {
	UploadArchive(ctx context.Context, params *glacier.UploadArchiveInput, optFns ...func(*glacier.Options)) (*glacier.UploadArchiveOutput, error)
	InitiateJob(ctx context.Context, params *glacier.InitiateJobInput, optFns ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error)
	GetJobOutput(ctx context.Context, params *glacier.GetJobOutputInput, optFns ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error)
	DeleteArchive(ctx context.Context, params *glacier.DeleteArchiveInput, optFns ...func(*glacier.Options)) (*glacier.DeleteArchiveOutput, error)
}

// GlacierVault is cold storage on a Glacier vault
type GlacierVault struct {
	client GlacierAPI
	vault  string
}

// NewGlacierVault wraps a Glacier client bound to vault
func NewGlacierVault(client GlacierAPI, vault string) *GlacierVault {
	return &GlacierVault{client: client, vault: vault}
}

// Archive uploads body and returns the archive id. The client computes the
// tree hash, which is why body must be seekable.
func (v *GlacierVault) Archive(ctx context.Context, body io.ReadSeeker, description string) (string, error) {
	out, err := v.client.UploadArchive(ctx, &glacier.UploadArchiveInput{
		AccountId:          aws.String(ownAccount),
		VaultName:          aws.String(v.vault),
		ArchiveDescription: aws.String(description),
		Body:               body,
	})
	if err != nil {
		return "", awsclient.Classify("upload archive", err)
	}
	return aws.ToString(out.ArchiveId), nil
}

// InitiateRetrieval starts an archive-retrieval job and returns its id.
// Exhausted expedited capacity surfaces as domain.ErrInsufficientCapacity.
func (v *GlacierVault) InitiateRetrieval(ctx context.Context, req RetrievalRequest) (string, error) {
	params := &types.JobParameters{
		Type:        aws.String("archive-retrieval"),
		ArchiveId:   aws.String(req.ArchiveID),
		Description: aws.String(req.Description),
		Tier:        aws.String(req.Tier),
	}
	if req.SNSTopic != "" {
		params.SNSTopic = aws.String(req.SNSTopic)
	}

	out, err := v.client.InitiateJob(ctx, &glacier.InitiateJobInput{
		AccountId:     aws.String(ownAccount),
		VaultName:     aws.String(v.vault),
		JobParameters: params,
	})
	if err != nil {
		return "", awsclient.Classify("initiate retrieval "+req.Tier, err)
	}
	return aws.ToString(out.JobId), nil
}

// RetrievalOutput streams the bytes of a completed retrieval job
func (v *GlacierVault) RetrievalOutput(ctx context.Context, retrievalJobID string) (io.ReadCloser, error) {
	out, err := v.client.GetJobOutput(ctx, &glacier.GetJobOutputInput{
		AccountId: aws.String(ownAccount),
		VaultName: aws.String(v.vault),
		JobId:     aws.String(retrievalJobID),
	})
	if err != nil {
		return nil, awsclient.Classify("get retrieval output", err)
	}
	return out.Body, nil
}

// Delete removes an archive
func (v *GlacierVault) Delete(ctx context.Context, archiveID string) error {
	_, err := v.client.DeleteArchive(ctx, &glacier.DeleteArchiveInput{
		AccountId: aws.String(ownAccount),
		VaultName: aws.String(v.vault),
		ArchiveId: aws.String(archiveID),
	})
	if err != nil {
		return awsclient.Classify("delete archive", err)
	}
	return nil
}
