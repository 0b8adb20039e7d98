package notify

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stagehand-deploy/stagehand/deployer/internal/canonical"
	"github.com/stagehand-deploy/stagehand/deployer/internal/resolver"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// ArchiveNotifier stores a record of every completed deployment at
//
//	s3://<bucket>/<prefix>/deployments/YYYY/MM/DD/<deploymentID>.json
//
// Started events are ignored.
type ArchiveNotifier struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewArchiveNotifier picks up region and credentials from the environment
// the way the AWS SDK does by default.
func NewArchiveNotifier(ctx context.Context, bucket, prefix string) (*ArchiveNotifier, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &ArchiveNotifier{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

// ObjectKey returns where the record of ev is stored.
func (a *ArchiveNotifier) ObjectKey(ev Event) string {
	ts := ev.At
	if ev.Deployment.CompletedAt != nil {
		ts = *ev.Deployment.CompletedAt
	}
	ts = ts.UTC()
	year, month, day := ts.Date()
	return path.Join(a.prefix, "deployments",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", ev.Deployment.ID),
	)
}

func (a *ArchiveNotifier) Notify(ctx context.Context, ev Event) error {
	if ev.Type != EventCompleted {
		return nil
	}
	d := ev.Deployment
	res := resolver.Resolve(d.Roles, d.ExcludedHostIDs)
	hosts := make([]string, 0, len(res.Hosts))
	for _, h := range res.Hosts {
		hosts = append(hosts, h.Name)
	}
	roles := make([]string, 0, len(res.Roles))
	for _, r := range res.Roles {
		roles = append(roles, r.Name+"@"+r.Host.Name)
	}

	record := map[string]interface{}{
		"id":              d.ID.String(),
		"stageId":         d.StageID,
		"project":         ev.Stage.ProjectName,
		"stage":           ev.Stage.Name,
		"task":            d.Task,
		"branch":          d.Branch,
		"description":     d.Description,
		"initiator":       d.Initiator,
		"status":          string(ev.Outcome),
		"excludedHostIds": []int64(d.ExcludedHostIDs),
		"overrideLocking": d.OverrideLocking,
		"deployToHosts":   hosts,
		"deployToRoles":   roles,
		"createdAt":       d.CreatedAt,
		"completedAt":     d.CompletedAt,
		"durationSeconds": int64(d.Duration().Seconds()),
	}
	body, err := canonical.Marshal(record)
	if err != nil {
		return fmt.Errorf("canonicalize record: %w", err)
	}
	digest, err := canonical.Digest(record)
	if err != nil {
		return fmt.Errorf("digest record: %w", err)
	}

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(a.ObjectKey(ev)),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata:             map[string]string{"sha256": digest},
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}
