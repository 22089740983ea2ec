package artifact_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cartesion-product/slide-svc/internal/artifact"
	"github.com/Cartesion-product/slide-svc/internal/domain"
)

func newTask(t *testing.T, at domain.ArtifactType, ownership domain.Ownership) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(at, domain.DocumentRef{
		DocumentID: "doc-7",
		Source:     "arxiv",
		Ownership:  ownership,
		SourcePath: "kb-doc-parsed/arxiv/doc-7",
	}, uuid.New(), domain.DefaultGenerationParams())
	require.NoError(t, err)
	return task
}

func TestBucketsFor(t *testing.T) {
	buckets := artifact.Buckets{
		SharedSlides:        "kb-slide-shared",
		PersonalSlides:      "kb-slide-personal",
		SharedInfographic:   "kb-infographic-shared",
		PersonalInfographic: "kb-infographic-personal",
	}

	assert.Equal(t, "kb-slide-shared",
		buckets.For(domain.ArtifactTypeSlides, domain.OwnershipShared))
	assert.Equal(t, "kb-slide-personal",
		buckets.For(domain.ArtifactTypeSlides, domain.OwnershipPersonal))
	assert.Equal(t, "kb-infographic-shared",
		buckets.For(domain.ArtifactTypeInfographic, domain.OwnershipShared))
	assert.Equal(t, "kb-infographic-personal",
		buckets.For(domain.ArtifactTypeInfographic, domain.OwnershipPersonal))
}

func TestObjectPrefixSharedIsStablePerDocument(t *testing.T) {
	first := newTask(t, domain.ArtifactTypeSlides, domain.OwnershipShared)
	second := newTask(t, domain.ArtifactTypeSlides, domain.OwnershipShared)

	// Every shared generation for a document writes to the same location,
	// so each promotion overwrites the previous default.
	assert.Equal(t, "arxiv/doc-7", artifact.ObjectPrefix(first))
	assert.Equal(t, artifact.ObjectPrefix(first), artifact.ObjectPrefix(second))
	assert.Equal(t, "arxiv/doc-7/images", artifact.ImagePrefix(first))
}

func TestObjectPrefixPersonalIsIsolatedPerTask(t *testing.T) {
	task := newTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal)

	prefix := artifact.ObjectPrefix(task)
	assert.Equal(t, task.UserID.String()+"/doc-7/"+task.ID.String(), prefix)
	assert.Equal(t, prefix+"/images", artifact.ImagePrefix(task))

	// Regenerations never collide.
	other := newTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal)
	assert.NotEqual(t, prefix, artifact.ObjectPrefix(other))
}

func TestSplitStoragePath(t *testing.T) {
	bucket, object, err := artifact.SplitStoragePath("kb-slide-shared/arxiv/doc-7/deck.json")
	require.NoError(t, err)
	assert.Equal(t, "kb-slide-shared", bucket)
	assert.Equal(t, "arxiv/doc-7/deck.json", object)

	for _, bad := range []string{"", "bucketonly", "/leading", "trailing/"} {
		_, _, err := artifact.SplitStoragePath(bad)
		assert.ErrorIs(t, err, artifact.ErrInvalidStoragePath, "path %q", bad)
	}
}

func TestJoinStoragePathRoundTrips(t *testing.T) {
	path := artifact.JoinStoragePath("kb-infographic-shared", "arxiv/doc-7/infographic.png")
	bucket, object, err := artifact.SplitStoragePath(path)
	require.NoError(t, err)
	assert.Equal(t, "kb-infographic-shared", bucket)
	assert.Equal(t, "arxiv/doc-7/infographic.png", object)
}
