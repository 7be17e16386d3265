package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
)

// objectSource lists and opens billing export objects.
type objectSource interface {
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

type sourceFactory func(ctx context.Context, cred *providerdomain.Credential) (objectSource, error)

type s3Source struct {
	client *s3.Client
}

// newS3Source builds a client from the tenant's credential. The secret access key
// is copied into the SDK's static provider for the lifetime of this source only.
func newS3Source(ctx context.Context, cred *providerdomain.Credential) (objectSource, error) {
	region := cred.Setting(SettingRegion)
	if region == "" {
		region = "us-east-1"
	}
	accessKey := cred.Setting(SettingAccessKeyID)
	if accessKey == "" || len(cred.Secret) == 0 {
		return nil, providerdomain.Permanent(ProviderID, "configure", fmt.Errorf("%w: %s", providerdomain.ErrMissingSetting, SettingAccessKeyID))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, string(cred.Secret), "")),
	)
	if err != nil {
		return nil, providerdomain.Permanent(ProviderID, "configure", err)
	}

	endpoint := cred.Setting(SettingEndpoint)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &s3Source{client: client}, nil
}

func (s *s3Source) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(ctx, "list", err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

func (s *s3Source) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(ctx, "get_object", err)
	}
	return out.Body, nil
}

var permanentCodes = map[string]bool{
	"AccessDenied":                 true,
	"AuthorizationHeaderMalformed": true,
	"InvalidAccessKeyId":           true,
	"InvalidBucketName":            true,
	"NoSuchBucket":                 true,
	"NoSuchKey":                    true,
	"SignatureDoesNotMatch":        true,
}

var transientCodes = map[string]bool{
	"InternalError":      true,
	"RequestTimeout":     true,
	"ServiceUnavailable": true,
	"SlowDown":           true,
	"Throttling":         true,
}

func classify(ctx context.Context, op string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return providerdomain.FromTransport(ctx, ProviderID, op, err)
	}
	code := apiErr.ErrorCode()
	switch {
	case permanentCodes[code]:
		return providerdomain.Permanent(ProviderID, op, err)
	case transientCodes[code], apiErr.ErrorFault() == smithy.FaultServer:
		return providerdomain.Transient(ProviderID, op, err)
	case apiErr.ErrorFault() == smithy.FaultClient:
		return providerdomain.Permanent(ProviderID, op, err)
	default:
		return providerdomain.Transient(ProviderID, op, err)
	}
}
