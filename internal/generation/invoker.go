package generation

import (
	"context"

	"github.com/google/uuid"

	"github.com/Cartesion-product/slide-svc/internal/domain"
)

// Request carries everything an invoker needs to generate one artifact.
type Request struct {
	// TaskID scopes the invoker's working directory and log lines.
	TaskID uuid.UUID

	// ArtifactType selects the generation pipeline: a single panoramic
	// infographic image, or a slide deck with per-page images.
	ArtifactType domain.ArtifactType

	// SourcePath is the object address of the already-parsed document.
	SourcePath string

	// Params are the caller's generation preferences, passed through
	// untouched by the scheduler.
	Params domain.GenerationParams
}

// Output holds the local files produced by a successful invocation.
type Output struct {
	// ArtifactFile is the local path of the main artifact (deck
	// document for slides, image for infographics).
	ArtifactFile string

	// ImageFiles are the per-page images in page order, slides only.
	ImageFiles []string
}

// Invoker defines the interface to the content-generation pipeline.
// This boundary separates the scheduler from model invocation, document
// download, and rendering; implementations are long-running (seconds to
// minutes) and must honor context cancellation cooperatively.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Output, error)
}
