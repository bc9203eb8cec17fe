package objectstore

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/faults"
)

type fakeObject struct {
	data        []byte
	contentType string
}

// fakeMinIO keeps objects in memory. putErrs are returned by successive
// PutObject calls; a failing put still leaves a partial object behind.
type fakeMinIO struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects    map[string]fakeObject
	putErrs    []error
	presignErr error
}

func newFake() *fakeMinIO {
	return &fakeMinIO{buckets: map[string]bool{}, objects: map[string]fakeObject{}}
}

func (f *fakeMinIO) BucketExists(ctx context.Context, bucket string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket], nil
}

func (f *fakeMinIO) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = true
	return nil
}

func (f *fakeMinIO) PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, _ := io.ReadAll(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		if err != nil {
			f.objects[bucket+"/"+object] = fakeObject{data: data[:len(data)/2]}
			return minio.UploadInfo{}, err
		}
	}
	f.objects[bucket+"/"+object] = fakeObject{data: data, contentType: opts.ContentType}
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func (f *fakeMinIO) RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, bucket+"/"+object)
	return nil
}

func (f *fakeMinIO) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	f.mu.Lock()
	var keys []string
	for k := range f.objects {
		if key, ok := strings.CutPrefix(k, bucket+"/"); ok && strings.HasPrefix(key, opts.Prefix) {
			keys = append(keys, key)
		}
	}
	f.mu.Unlock()
	ch := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		ch <- minio.ObjectInfo{Key: k}
	}
	close(ch)
	return ch
}

func (f *fakeMinIO) PresignedGetObject(ctx context.Context, bucket, object string, expiry time.Duration, params url.Values) (*url.URL, error) {
	if f.presignErr != nil {
		return nil, f.presignErr
	}
	return url.Parse("https://signed.example/" + bucket + "/" + object + "?X-Amz-Expires=" + expiry.String())
}

func (f *fakeMinIO) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func writeClip(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("clip-bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestStore_UploadsWithKeyAndContentType(t *testing.T) {
	fake := newFake()
	s := newStore(fake, config.MinIOConfig{Endpoint: "minio:9000", Bucket: "clips", Prefix: "/clips/"})
	if err := s.ensureBucket(context.Background(), ""); err != nil {
		t.Fatalf("ensureBucket: %v", err)
	}

	got, err := s.Store(context.Background(), writeClip(t, "clip.mp4"), "job-1")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got != "http://minio:9000/clips/clips/job-1/clip.mp4" {
		t.Fatalf("url = %q", got)
	}
	obj, ok := fake.objects["clips/clips/job-1/clip.mp4"]
	if !ok {
		t.Fatalf("object not stored: %v", fake.objects)
	}
	if obj.contentType != "video/mp4" || string(obj.data) != "clip-bytes" {
		t.Fatalf("object = %+v", obj)
	}
}

func TestStore_PublicBaseURLAndPresign(t *testing.T) {
	fake := newFake()
	s := newStore(fake, config.MinIOConfig{Endpoint: "minio:9000", Bucket: "b", PublicBaseURL: "https://cdn.example/media/"})
	got, err := s.Store(context.Background(), writeClip(t, "clip.webm"), "job-2")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got != "https://cdn.example/media/job-2/clip.webm" {
		t.Fatalf("url = %q", got)
	}

	s = newStore(fake, config.MinIOConfig{Endpoint: "minio:9000", Bucket: "b", PresignExpiry: time.Hour})
	got, err = s.Store(context.Background(), writeClip(t, "clip.mp4"), "job-3")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !strings.HasPrefix(got, "https://signed.example/b/job-3/clip.mp4") {
		t.Fatalf("presigned url = %q", got)
	}
}

func TestStore_FailedUploadLeavesNoObject(t *testing.T) {
	fake := newFake()
	fake.putErrs = []error{errors.New("connection reset")}
	s := newStore(fake, config.MinIOConfig{Endpoint: "minio:9000", Bucket: "b"})

	_, err := s.Store(context.Background(), writeClip(t, "clip.mp4"), "job-4")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !faults.IsRetriable(err) {
		t.Fatalf("upload failures should be retriable: %v", err)
	}
	if fake.count() != 0 {
		t.Fatalf("partial object left behind: %v", fake.objects)
	}
}

func TestStore_DeleteRemovesJobObjectsOnly(t *testing.T) {
	fake := newFake()
	s := newStore(fake, config.MinIOConfig{Endpoint: "minio:9000", Bucket: "b", Prefix: "clips"})
	for _, id := range []string{"job-5", "job-50"} {
		if _, err := s.Store(context.Background(), writeClip(t, "clip.mp4"), id); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	if err := s.Delete(context.Background(), "job-5"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := fake.objects["b/clips/job-50/clip.mp4"]; !ok {
		t.Fatalf("delete removed another job's clip")
	}
	if fake.count() != 1 {
		t.Fatalf("objects left = %d, want 1", fake.count())
	}
	if err := s.Delete(context.Background(), "job-missing"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestStore_PresignFailureRemovesObject(t *testing.T) {
	fake := newFake()
	fake.presignErr = errors.New("signer unavailable")
	s := newStore(fake, config.MinIOConfig{Endpoint: "minio:9000", Bucket: "b", PresignExpiry: time.Hour})

	_, err := s.Store(context.Background(), writeClip(t, "clip.mp4"), "job-4")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !faults.IsRetriable(err) {
		t.Fatalf("presign failure should be retriable: %v", err)
	}
	if fake.count() != 0 {
		t.Fatalf("object left behind after presign failure: %v", fake.objects)
	}
}
