package clients

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

var (
	awsCfg  aws.Config
	awsOnce sync.Once
)

func GetAWSConfig() aws.Config {
	awsOnce.Do(func() {
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-west-2"
		}

		slog.Info("[AWSClient] Initializing AWS Config...")
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(region))
		if err != nil {
			slog.Error("[AWSClient] Failed to load AWS config")
			panic(err)
		}

		awsCfg = cfg
		slog.Info("[AWSClient] AWS Config Initialized")
	})

	return awsCfg
}

type s3Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ImageStoreClient uploads post images to the image bucket and hands back a
// publicly resolvable URL. Object keys are a random token plus the original
// extension so uploads never collide.
type ImageStoreClient struct {
	Bucket   string
	Region   string
	uploader s3Uploader
}

var (
	imageStoreInstance *ImageStoreClient
	imageStoreOnce     sync.Once
)

func GetImageStoreClient() *ImageStoreClient {
	imageStoreOnce.Do(func() {
		bucket := os.Getenv("IMAGE_BUCKET")
		if bucket == "" {
			slog.Error("[ImageStore] Missing IMAGE_BUCKET in environment variables")
			panic("[ImageStore] Missing IMAGE_BUCKET in environment variables")
		}
		cfg := GetAWSConfig()
		imageStoreInstance = &ImageStoreClient{
			Bucket:   bucket,
			Region:   cfg.Region,
			uploader: s3.NewFromConfig(cfg),
		}
		slog.Info("[ImageStore] Image store client initialized", slog.String("bucket", bucket))
	})
	return imageStoreInstance
}

// Upload stores blob under a fresh key and returns the object URL.
// ext is the original filename extension including the dot, e.g. ".png".
func (c *ImageStoreClient) Upload(ctx context.Context, blob []byte, ext string) (string, error) {
	key := uuid.NewString() + strings.ToLower(ext)
	contentType := mime.TypeByExtension(strings.ToLower(ext))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := c.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(blob),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		slog.Error("[ImageStore] Failed to upload image",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return "", &UploadError{Key: key, Err: err}
	}

	url := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.Bucket, c.Region, key)
	slog.Info("[ImageStore] Image uploaded",
		slog.String("key", key),
		slog.Int("size_bytes", len(blob)))
	return url, nil
}
