package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/baldanca/backups3/encoder"
	"github.com/baldanca/backups3/fault"
	"github.com/baldanca/backups3/metrics"
)

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObjectTagging(ctx context.Context, params *s3.GetObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error)
}

// Sink mirrors S3 objects and their metadata onto the local filesystem.
// FileMode is the permission of downloaded objects and sidecar files.
const FileMode os.FileMode = 0o644

type Sink struct {
	client s3API

	downloadRoot string
	metadataRoot string

	enc     encoder.Encoder[ObjectMetadata]
	metrics *metrics.Metrics
}

var _ ObjectStore = (*Sink)(nil)

type Option func(*Sink)

// WithEncoder replaces the sidecar encoder. The encoder's FileExtension decides the
// sidecar file name.
func WithEncoder(enc encoder.Encoder[ObjectMetadata]) Option {
	return func(s *Sink) { s.enc = enc }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

func New(client s3API, downloadRoot, metadataRoot string, opts ...Option) *Sink {
	if client == nil {
		panic("s3 client is required")
	}
	if strings.TrimSpace(downloadRoot) == "" {
		panic("download root is required")
	}
	if strings.TrimSpace(metadataRoot) == "" {
		panic("metadata root is required")
	}

	s := &Sink{
		client:       client,
		downloadRoot: filepath.Clean(downloadRoot),
		metadataRoot: filepath.Clean(metadataRoot),
		enc:          encoder.NewJSONEncoder[ObjectMetadata]("    "),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DownloadPath returns where the object with key is stored.
func (s *Sink) DownloadPath(key string) (string, error) {
	return within(s.downloadRoot, key)
}

// SidecarPath returns where the metadata of the object with key is stored: the key
// with its extension replaced by the encoder's.
func (s *Sink) SidecarPath(key string) (string, error) {
	return within(s.metadataRoot, replaceExt(key, s.enc.FileExtension()))
}

func replaceExt(key, ext string) string {
	base := path.Base(key)
	old := path.Ext(base)
	if old == base {
		// dotfile such as ".env": no extension to replace
		old = ""
	}
	return strings.TrimSuffix(key, old) + ext
}

func within(root, key string) (string, error) {
	p := filepath.Join(root, filepath.FromSlash(key))
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fault.Newf(fault.LocalIO, "resolve path", "key %q escapes %s", key, root)
	}
	return p, nil
}

// Download streams the object into DownloadPath(key) and returns the number of bytes
// written. The file appears atomically: readers never observe a partial object.
func (s *Sink) Download(ctx context.Context, bucket, key string) (int64, error) {
	dst, err := s.DownloadPath(key)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	bucketVar, keyVar := bucket, key
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucketVar, Key: &keyVar})
	if err != nil {
		return 0, fault.FromAWS(fmt.Sprintf("get object s3://%s/%s", bucket, key), err)
	}
	defer out.Body.Close()

	var n int64
	err = writeAtomic(dst, func(f *os.File) error {
		w := &errWriter{w: f}
		var copyErr error
		n, copyErr = io.Copy(w, out.Body)
		if copyErr == nil {
			return nil
		}
		if w.err != nil {
			return fault.New(fault.LocalIO, "write "+dst, w.err)
		}
		return fault.FromAWS(fmt.Sprintf("read object s3://%s/%s", bucket, key), copyErr)
	})
	if err != nil {
		return 0, err
	}

	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.ObserveDownload(n, elapsed)
	}
	log.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Str("path", dst).
		Int64("bytes", n).
		Dur("elapsed", elapsed).
		Msg("Object downloaded")
	return n, nil
}

// FetchMetadataAndTags merges HeadObject and GetObjectTagging into one ObjectMetadata.
func (s *Sink) FetchMetadataAndTags(ctx context.Context, bucket, key string) (ObjectMetadata, error) {
	bucketVar, keyVar := bucket, key

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucketVar, Key: &keyVar})
	if err != nil {
		return ObjectMetadata{}, fault.FromAWS(fmt.Sprintf("head object s3://%s/%s", bucket, key), err)
	}

	tagging, err := s.client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{Bucket: &bucketVar, Key: &keyVar})
	if err != nil {
		return ObjectMetadata{}, fault.FromAWS(fmt.Sprintf("get object tagging s3://%s/%s", bucket, key), err)
	}

	meta := ObjectMetadata{
		Metadata:     make(map[string]string, len(head.Metadata)),
		Tags:         make(map[string]string, len(tagging.TagSet)),
		Size:         aws.ToInt64(head.ContentLength),
		LastModified: aws.ToTime(head.LastModified).UTC(),
	}
	for k, v := range head.Metadata {
		meta.Metadata[k] = v
	}
	for _, tag := range tagging.TagSet {
		meta.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return meta, nil
}

// WriteMetadataSidecar encodes meta into SidecarPath(key). Failures are LocalIO.
func (s *Sink) WriteMetadataSidecar(ctx context.Context, key string, meta ObjectMetadata) error {
	dst, err := s.SidecarPath(key)
	if err != nil {
		return err
	}

	err = writeAtomic(dst, func(f *os.File) error {
		if se, ok := s.enc.(encoder.StreamEncoder[ObjectMetadata]); ok {
			return se.EncodeTo(ctx, meta, f)
		}
		data, err := s.enc.Encode(ctx, meta)
		if err != nil {
			return err
		}
		_, err = f.Write(data)
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || fault.KindOf(err) != fault.Unknown {
			return err
		}
		return fault.New(fault.LocalIO, "write sidecar "+dst, err)
	}

	log.Debug().Str("key", key).Str("path", dst).Msg("Metadata sidecar written")
	return nil
}

// writeAtomic fills a temp file next to dst and renames it over dst. Parent
// directories are created as needed; the temp file is removed on failure.
func writeAtomic(dst string, fill func(f *os.File) error) (err error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.New(fault.LocalIO, "create directory "+dir, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fault.New(fault.LocalIO, "create temp file in "+dir, err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if err := fill(f); err != nil {
		return err
	}
	// CreateTemp makes 0600 files; published files are world-readable.
	if err := f.Chmod(FileMode); err != nil {
		return fault.New(fault.LocalIO, "chmod "+tmp, err)
	}
	if err := f.Close(); err != nil {
		return fault.New(fault.LocalIO, "close "+tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fault.New(fault.LocalIO, "rename "+tmp, err)
	}
	return nil
}

// errWriter remembers write failures so they can be told apart from read failures
// on the other side of io.Copy.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}
