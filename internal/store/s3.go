package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the slice of the S3 client the store uses. Narrowed so tests can
// substitute an in-memory fake.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 stores records in S3-compatible object storage. There is no in-place
// append: every write batch becomes one immutable object under its date's
// prefix, named {epochMillis}-{randomHex}{ext} so lexicographic key order is
// chronological write order. No locking is needed since names never collide,
// and there is no size-based rotation since no object ever grows.
type S3 struct {
	client s3API
	bucket string
	prefix string
	ext    string
	log    *slog.Logger
}

// NewS3 creates an object-store backend. Endpoint is optional and supports
// R2/minio-style S3-compatible stores; static credentials are used when
// provided, otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, opts Options, log *slog.Logger) (*S3, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 backend: bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "auto"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewS3WithClient(client, opts, log), nil
}

// NewS3WithClient wires an existing client; used by tests.
func NewS3WithClient(client s3API, opts Options, log *slog.Logger) *S3 {
	if log == nil {
		log = slog.Default()
	}
	ext := opts.Extension
	if ext == "" {
		ext = ".ndjson"
	}
	return &S3{
		client: client,
		bucket: opts.Bucket,
		prefix: strings.TrimSuffix(opts.Prefix, "/"),
		ext:    ext,
		log:    log,
	}
}

// dayPrefix returns the key prefix holding a date's objects.
func (s *S3) dayPrefix(d time.Time) string {
	p := fmt.Sprintf("%04d/%02d/%02d/", d.Year(), int(d.Month()), d.Day())
	if s.prefix != "" {
		p = s.prefix + "/" + p
	}
	return p
}

// objectKey mints a fresh key for a write landing now. The millisecond
// timestamp plus random suffix keeps keys unique and time-ordered.
func (s *S3) objectKey(d time.Time) string {
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("%s%013d-%s%s", s.dayPrefix(d), time.Now().UnixMilli(), hex.EncodeToString(suffix), s.ext)
}

// AppendOne writes a single record as its own object.
func (s *S3) AppendOne(ctx context.Context, rec Record, when time.Time) AppendResult {
	line, err := json.Marshal(rec)
	if err != nil {
		return AppendResult{Err: fmt.Sprintf("encode record: %v", err)}
	}
	key, err := s.putLines(ctx, recordDay(rec, when), append(line, '\n'))
	if err != nil {
		s.log.Warn("append failed", "key", key, "error", err)
		return AppendResult{Location: key, Err: err.Error()}
	}
	return AppendResult{Location: key, OK: true}
}

// AppendBatch writes one object per date group, keeping object count at one
// per group rather than one per record.
func (s *S3) AppendBatch(ctx context.Context, recs []Record) BatchResult {
	res := BatchResult{Total: len(recs)}
	days, groups := groupByDay(recs)
	for _, d := range days {
		group := groups[d]
		var buf bytes.Buffer
		ok := true
		for _, rec := range group {
			line, err := json.Marshal(rec)
			if err != nil {
				res.Failed += len(group)
				res.Errors = append(res.Errors, fmt.Sprintf("%s: encode record: %v", d.Format("2006-01-02"), err))
				ok = false
				break
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}
		if !ok {
			continue
		}
		key, err := s.putLines(ctx, d, buf.Bytes())
		if err != nil {
			s.log.Warn("batch group append failed", "date", d.Format("2006-01-02"), "key", key, "error", err)
			res.Failed += len(group)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", d.Format("2006-01-02"), err))
			continue
		}
		res.Succeeded += len(group)
	}
	return res
}

func (s *S3) putLines(ctx context.Context, d time.Time, payload []byte) (string, error) {
	key := s.objectKey(d)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return key, fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

// ScanRange returns a cursor over [start, end] in chronological object order.
func (s *S3) ScanRange(ctx context.Context, start, end time.Time) *Scanner {
	return newScanner(ctx, s, start, end)
}

// DateStats reports the object inventory and total size for one date.
func (s *S3) DateStats(ctx context.Context, date time.Time) (DateStats, error) {
	var stats DateStats
	objs, err := s.listObjects(ctx, day(date))
	if err != nil {
		return DateStats{}, err
	}
	for _, o := range objs {
		size := aws.ToInt64(o.Size)
		stats.Shards = append(stats.Shards, ShardStat{Location: aws.ToString(o.Key), SizeBytes: size})
		stats.TotalSizeBytes += size
	}
	return stats, nil
}

func (s *S3) Close() error { return nil }

// listObjects pages through the date's prefix and returns objects in
// ascending key order.
func (s *S3) listObjects(ctx context.Context, d time.Time) ([]types.Object, error) {
	var objs []types.Object
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.dayPrefix(d)),
	}
	for {
		out, err := s.client.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		objs = append(objs, out.Contents...)
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		in.ContinuationToken = out.NextContinuationToken
	}
	sort.Slice(objs, func(i, j int) bool {
		return aws.ToString(objs[i].Key) < aws.ToString(objs[j].Key)
	})
	return objs, nil
}

// listShards implements shardSource.
func (s *S3) listShards(ctx context.Context, d time.Time) ([]string, error) {
	objs, err := s.listObjects(ctx, d)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(objs))
	for i, o := range objs {
		keys[i] = aws.ToString(o.Key)
	}
	return keys, nil
}

// readShard implements shardSource. A missing object reads as empty.
func (s *S3) readShard(ctx context.Context, location string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(location),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}
