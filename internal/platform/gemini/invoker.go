// Package gemini implements the generation.Invoker boundary. Content is
// planned with Google's Gemini API and rendered to images with OpenAI's
// image API. Each invocation works in an isolated per-task directory and
// checks for cancellation between pipeline stages.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/Cartesion-product/slide-svc/internal/config"
	"github.com/Cartesion-product/slide-svc/internal/domain"
	"github.com/Cartesion-product/slide-svc/internal/generation"
)

// maxDocumentChars bounds how much of the parsed document is sent to the
// planning model.
const maxDocumentChars = 120_000

// maxPlanRetries and basePlanRetryDelay govern the retry loop around
// planning calls. Rendering calls are not retried: a failed page render
// fails the task.
const (
	maxPlanRetries     = 3
	basePlanRetryDelay = 2 * time.Second
)

// DocumentSource fetches a parsed document by its "bucket/object" address.
type DocumentSource interface {
	FetchDocument(ctx context.Context, storagePath string) ([]byte, error)
}

// Invoker generates infographic and slide-deck artifacts.
type Invoker struct {
	logger     *slog.Logger
	cfg        config.GenerationConfig
	documents  DocumentSource
	planner    *genai.Client
	renderer   *openai.Client
	plannerMdl string
	imageModel string
}

// NewInvoker creates an Invoker from generation configuration.
func NewInvoker(
	ctx context.Context,
	cfg config.GenerationConfig,
	documents DocumentSource,
	logger *slog.Logger,
) (*Invoker, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.GeminiModel == "" {
		return nil, fmt.Errorf("%w: gemini model cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("%w: openai API key cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("%w: work dir cannot be empty", generation.ErrInvalidConfig)
	}

	planner, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	imageModel := cfg.ImageModel
	if imageModel == "" {
		imageModel = openai.CreateImageModelDallE3
	}

	return &Invoker{
		logger:     logger.With(slog.String("component", "invoker")),
		cfg:        cfg,
		documents:  documents,
		planner:    planner,
		renderer:   openai.NewClient(cfg.OpenAIAPIKey),
		plannerMdl: cfg.GeminiModel,
		imageModel: imageModel,
	}, nil
}

// Invoke runs the full pipeline for one task: fetch the parsed document,
// plan the content, render images, and write the artifact files into a
// per-task working directory.
func (g *Invoker) Invoke(ctx context.Context, req generation.Request) (*generation.Output, error) {
	if g.cfg.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.InvokeTimeout)
		defer cancel()
	}

	log := g.logger.With(
		slog.String("task_id", req.TaskID.String()),
		slog.String("artifact_type", string(req.ArtifactType)),
	)

	workDir := filepath.Join(g.cfg.WorkDir, req.TaskID.String())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create work dir: %v", generation.ErrGenerationFailed, err)
	}

	output, err := g.invoke(ctx, req, workDir, log)
	if err != nil {
		// Failed or cancelled runs leave nothing behind.
		_ = os.RemoveAll(workDir)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", generation.ErrCanceled, err)
		}
		return nil, err
	}

	return output, nil
}

func (g *Invoker) invoke(
	ctx context.Context,
	req generation.Request,
	workDir string,
	log *slog.Logger,
) (*generation.Output, error) {
	document, err := g.documents.FetchDocument(ctx, req.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: source document unavailable: %v", generation.ErrGenerationFailed, err)
	}

	text := truncateDocument(string(document), maxDocumentChars)
	log.Info("fetched source document", "chars", len(text))

	if req.ArtifactType == domain.ArtifactTypeInfographic {
		return g.generateInfographic(ctx, text, req.Params, workDir, log)
	}
	return g.generateSlides(ctx, text, req.Params, workDir, log)
}

// truncateDocument caps the planning input at limit bytes, backing the
// cut off to a rune boundary so a multi-byte character is never split.
func truncateDocument(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// infographicPlan is the structured planning response for infographics.
type infographicPlan struct {
	Headline    string               `json:"headline"`
	Sections    []infographicSection `json:"sections"`
	ImagePrompt string               `json:"image_prompt"`
}

type infographicSection struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// slidePlan is the structured planning response for slide decks.
type slidePlan struct {
	Title string      `json:"title"`
	Pages []slidePage `json:"pages"`
}

type slidePage struct {
	Title       string   `json:"title"`
	Bullets     []string `json:"bullets"`
	Notes       string   `json:"speaker_notes,omitempty"`
	ImagePrompt string   `json:"image_prompt"`
}

func (g *Invoker) generateInfographic(
	ctx context.Context,
	document string,
	params domain.GenerationParams,
	workDir string,
	log *slog.Logger,
) (*generation.Output, error) {
	var plan infographicPlan
	if err := g.planWithRetry(ctx, infographicPrompt(document, params), &plan, log); err != nil {
		return nil, err
	}
	if plan.ImagePrompt == "" || len(plan.Sections) == 0 {
		return nil, fmt.Errorf("%w: infographic plan missing sections or image prompt",
			generation.ErrInvalidResponse)
	}
	log.Info("planned infographic", "sections", len(plan.Sections))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	artifactFile := filepath.Join(workDir, "infographic.png")
	prompt := fmt.Sprintf(
		"A single tall panoramic infographic poster titled %q in %s style. %s",
		plan.Headline, params.Style, plan.ImagePrompt,
	)
	if err := g.renderImage(ctx, prompt, openai.CreateImageSize1024x1792, artifactFile); err != nil {
		return nil, err
	}

	return &generation.Output{ArtifactFile: artifactFile}, nil
}

func (g *Invoker) generateSlides(
	ctx context.Context,
	document string,
	params domain.GenerationParams,
	workDir string,
	log *slog.Logger,
) (*generation.Output, error) {
	var plan slidePlan
	if err := g.planWithRetry(ctx, slidesPrompt(document, params), &plan, log); err != nil {
		return nil, err
	}
	if len(plan.Pages) == 0 {
		return nil, fmt.Errorf("%w: slide plan has no pages", generation.ErrInvalidResponse)
	}
	log.Info("planned slide deck", "pages", len(plan.Pages))

	imageFiles := make([]string, 0, len(plan.Pages))
	for i, page := range plan.Pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		imageFile := filepath.Join(workDir, fmt.Sprintf("page_%d.png", i+1))
		prompt := fmt.Sprintf(
			"Presentation slide %d of %d, %s style, titled %q. %s",
			i+1, len(plan.Pages), params.Style, page.Title, page.ImagePrompt,
		)
		if err := g.renderImage(ctx, prompt, openai.CreateImageSize1792x1024, imageFile); err != nil {
			return nil, err
		}
		imageFiles = append(imageFiles, imageFile)
	}

	artifactFile := filepath.Join(workDir, "deck.json")
	if err := writeDeck(artifactFile, plan, imageFiles); err != nil {
		return nil, err
	}

	return &generation.Output{ArtifactFile: artifactFile, ImageFiles: imageFiles}, nil
}

// planWithRetry calls the planning model with exponential backoff and
// jitter, decoding the JSON response into out. Blocked content and
// malformed responses are permanent; everything else retries.
func (g *Invoker) planWithRetry(ctx context.Context, prompt string, out any, log *slog.Logger) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for attempt := 0; ; attempt++ {
		err := g.plan(ctx, prompt, out)
		if err == nil {
			return nil
		}
		if errors.Is(err, generation.ErrContentBlocked) || errors.Is(err, generation.ErrInvalidResponse) {
			return err
		}
		if attempt >= maxPlanRetries {
			return fmt.Errorf("%w: planning failed after %d attempts: %v",
				generation.ErrTransientFailure, attempt+1, err)
		}

		backoff := float64(basePlanRetryDelay) * math.Pow(2, float64(attempt))
		delay := time.Duration(backoff * (0.5 + rng.Float64()*0.5))
		log.Warn("planning call failed, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Invoker) plan(ctx context.Context, prompt string, out any) error {
	resp, err := g.planner.Models.GenerateContent(ctx, g.plannerMdl, genai.Text(prompt),
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("planning call failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return fmt.Errorf("%w: no content generated", generation.ErrInvalidResponse)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return fmt.Errorf("%w: planning blocked by safety filters", generation.ErrContentBlocked)
	}

	text := resp.Text()
	if text == "" {
		return fmt.Errorf("%w: empty planning response", generation.ErrInvalidResponse)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("%w: failed to parse plan: %v", generation.ErrInvalidResponse, err)
	}
	return nil
}

// renderImage generates one image and writes it to path.
func (g *Invoker) renderImage(ctx context.Context, prompt, size, path string) error {
	resp, err := g.renderer.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          g.imageModel,
		N:              1,
		Size:           size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: image render failed: %v", generation.ErrGenerationFailed, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return fmt.Errorf("%w: image response carried no data", generation.ErrInvalidResponse)
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return fmt.Errorf("%w: failed to decode image data: %v", generation.ErrInvalidResponse, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("%w: failed to write image: %v", generation.ErrGenerationFailed, err)
	}
	return nil
}

// deckDocument is the on-disk artifact for slide decks: the full plan plus
// the rendered page image file names in page order.
type deckDocument struct {
	Title string     `json:"title"`
	Pages []deckPage `json:"pages"`
}

type deckPage struct {
	Title   string   `json:"title"`
	Bullets []string `json:"bullets"`
	Notes   string   `json:"speaker_notes,omitempty"`
	Image   string   `json:"image"`
}

func writeDeck(path string, plan slidePlan, imageFiles []string) error {
	deck := deckDocument{Title: plan.Title, Pages: make([]deckPage, len(plan.Pages))}
	for i, page := range plan.Pages {
		deck.Pages[i] = deckPage{
			Title:   page.Title,
			Bullets: page.Bullets,
			Notes:   page.Notes,
			Image:   filepath.Base(imageFiles[i]),
		}
	}

	data, err := json.MarshalIndent(deck, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to encode deck: %v", generation.ErrGenerationFailed, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: failed to write deck: %v", generation.ErrGenerationFailed, err)
	}
	return nil
}

func infographicPrompt(document string, params domain.GenerationParams) string {
	var b strings.Builder
	b.WriteString("You are planning a single panoramic infographic for a document.\n")
	fmt.Fprintf(&b, "Style: %s. Output language: %s. Information density: %s.\n", params.Style, params.Language, params.Density)
	b.WriteString("Respond with JSON only, shaped as ")
	b.WriteString(`{"headline": string, "sections": [{"title": string, "summary": string}], "image_prompt": string}.` + "\n")
	b.WriteString("image_prompt must describe the complete poster layout for an image model.\n\n")
	b.WriteString("Document:\n")
	b.WriteString(document)
	return b.String()
}

func slidesPrompt(document string, params domain.GenerationParams) string {
	var b strings.Builder
	b.WriteString("You are planning a presentation deck for a document.\n")
	fmt.Fprintf(&b, "Style: %s. Output language: %s. Information density: %s.\n", params.Style, params.Language, params.Density)
	b.WriteString("Respond with JSON only, shaped as ")
	b.WriteString(`{"title": string, "pages": [{"title": string, "bullets": [string], "speaker_notes": string, "image_prompt": string}]}.` + "\n")
	b.WriteString("Each image_prompt must describe that slide's full visual for an image model.\n\n")
	b.WriteString("Document:\n")
	b.WriteString(document)
	return b.String()
}

var _ generation.Invoker = (*Invoker)(nil)
