package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBrief() Brief {
	return Brief{
		Date:        "2026-03-14",
		Content:     "# Morning Brief — 2026-03-14",
		ExecutionID: uuid.New(),
		ArtifactID:  uuid.New(),
		Agents:      map[string]string{"cfo": "completed", "coo": "skipped", "cto": "failed", "ceo": "completed"},
		GeneratedAt: time.Date(2026, 3, 14, 2, 0, 5, 0, time.UTC),
	}
}

func TestWebhookPostsJSON(t *testing.T) {
	var got Brief
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	b := testBrief()
	require.NoError(t, NewWebhook(srv.URL).Notify(context.Background(), b))
	assert.Equal(t, b.Content, got.Content)
	assert.Equal(t, b.ExecutionID, got.ExecutionID)
	assert.Equal(t, "skipped", got.Agents["coo"])
}

func TestWebhookNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).Notify(context.Background(), testBrief())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "nope")
}

type fakeNotifier struct {
	calls int
	err   error
}

func (f *fakeNotifier) Notify(context.Context, Brief) error {
	f.calls++
	return f.err
}

func TestMultiAttemptsEverySink(t *testing.T) {
	a := &fakeNotifier{err: errors.New("a down")}
	b := &fakeNotifier{}
	c := &fakeNotifier{err: errors.New("c down")}

	err := Multi{a, b, c}.Notify(context.Background(), testBrief())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a down")
	assert.Contains(t, err.Error(), "c down")
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 1, c.calls)
}

func TestCombine(t *testing.T) {
	assert.IsType(t, Noop{}, Combine())
	assert.IsType(t, Noop{}, Combine(nil, nil))

	one := &fakeNotifier{}
	assert.Same(t, one, Combine(nil, one))
	assert.Len(t, Combine(one, &fakeNotifier{}), 2)
}

type fakePutter struct {
	in   *s3.PutObjectInput
	body string
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	return &s3.PutObjectOutput{}, f.err
}

func TestS3ArchivePutsMarkdown(t *testing.T) {
	p := &fakePutter{}
	a := newS3Archive(p, S3Config{Bucket: "briefs-bucket", Prefix: "yakuin"})
	b := testBrief()

	require.NoError(t, a.Notify(context.Background(), b))
	assert.Equal(t, "briefs-bucket", aws.ToString(p.in.Bucket))
	assert.Equal(t, "yakuin/2026-03-14/"+b.ExecutionID.String()+".md", aws.ToString(p.in.Key))
	assert.Equal(t, "text/markdown; charset=utf-8", aws.ToString(p.in.ContentType))
	assert.Equal(t, b.Content, p.body)
	assert.Equal(t, b.ArtifactID.String(), p.in.Metadata["artifact-id"])
}

func TestS3ArchiveDefaultPrefixAndError(t *testing.T) {
	p := &fakePutter{err: errors.New("access denied")}
	a := newS3Archive(p, S3Config{Bucket: "b"})
	b := testBrief()

	err := a.Notify(context.Background(), b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.Equal(t, "briefs/2026-03-14/"+b.ExecutionID.String()+".md", a.Key(b))
}

func TestConstructorsRejectMissingTarget(t *testing.T) {
	_, err := NewNATS("", "")
	require.Error(t, err)
	_, err = NewS3Archive(context.Background(), S3Config{})
	require.Error(t, err)
}
