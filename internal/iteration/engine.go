// Package iteration runs the writer/modifier → reviewer round loop that
// turns an initial context into a patent draft (§4.2).
package iteration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jiazeyu1987/patentforge/internal/prompt"
	"github.com/jiazeyu1987/patentforge/internal/store"
)

// ErrCancelled is returned by Run when cancelCheck reports the job was
// cancelled at one of the cooperative checkpoints.
var ErrCancelled = errors.New("job cancelled")

// Caller hooks the engine back into the owning job.
type (
	// ProgressFunc reports progress (0..100) and a short status message
	// after each round completes.
	ProgressFunc func(progress int, message string)
	// CancelCheck reports whether the job has been asked to cancel.
	CancelCheck func() bool
)

// Gateway is the subset of llm.Gateway the engine calls against, so tests
// can substitute a fake.
type Gateway interface {
	Call(ctx context.Context, role string, round int, prompt string) (string, error)
}

// Engine runs the round loop for a single job.
type Engine struct {
	gateway      Gateway
	prompts      *prompt.Engine
	conversation store.ConversationStore
	outputDir    string
}

// New constructs an Engine.
func New(gateway Gateway, prompts *prompt.Engine, conversation store.ConversationStore, outputDir string) *Engine {
	return &Engine{gateway: gateway, prompts: prompts, conversation: conversation, outputDir: outputDir}
}

// RunInput parameterizes one run of the round loop.
type RunInput struct {
	JobID      string
	Context    string
	Iterations int
	OutputName string
	TemplateID string
	Progress   ProgressFunc
	Cancelled  CancelCheck
}

// Run executes the writer/modifier → reviewer state machine for
// in.Iterations rounds and writes the final draft to disk.
func (e *Engine) Run(ctx context.Context, in RunInput) (*store.Result, error) {
	if in.Progress == nil {
		in.Progress = func(int, string) {}
	}
	if in.Cancelled == nil {
		in.Cancelled = func() bool { return false }
	}

	roundShare := 100 / in.Iterations
	var draft, review string

	for i := 1; i <= in.Iterations; i++ {
		if in.Cancelled() {
			return nil, ErrCancelled
		}

		role := prompt.RoleWriter
		if i > 1 {
			role = prompt.RoleModifier
		}

		draftPrompt, err := e.prompts.Build(prompt.BuildInput{
			Role: role, Iteration: i, TotalIterations: in.Iterations,
			Context: in.Context, PreviousDraft: draft, PreviousReview: review,
			TemplateID: in.TemplateID,
		})
		if err != nil {
			return nil, fmt.Errorf("build %s prompt: %w", role, err)
		}

		draftResponse, err := e.gateway.Call(ctx, string(role), i, draftPrompt)
		if err != nil {
			return nil, fmt.Errorf("%s round %d: %w", role, i, err)
		}

		if in.Cancelled() {
			return nil, ErrCancelled
		}
		draft = draftResponse
		storeRole := store.RoleWriter
		if role == prompt.RoleModifier {
			storeRole = store.RoleModifier
		}
		if err := e.conversation.LogRound(ctx, &store.Round{
			JobID: in.JobID, Index: i, Role: storeRole,
			Prompt: draftPrompt, Response: draft, Timestamp: time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("log %s round: %w", role, err)
		}

		if in.Cancelled() {
			return nil, ErrCancelled
		}

		reviewPrompt, err := e.prompts.Build(prompt.BuildInput{
			Role: prompt.RoleReviewer, Iteration: i, TotalIterations: in.Iterations,
			Context: in.Context, CurrentDraft: draft, TemplateID: in.TemplateID,
		})
		if err != nil {
			return nil, fmt.Errorf("build reviewer prompt: %w", err)
		}

		reviewResponse, err := e.gateway.Call(ctx, string(store.RoleReviewer), i, reviewPrompt)
		if err != nil {
			return nil, fmt.Errorf("reviewer round %d: %w", i, err)
		}

		if in.Cancelled() {
			return nil, ErrCancelled
		}
		review = reviewResponse
		if err := e.conversation.LogRound(ctx, &store.Round{
			JobID: in.JobID, Index: i, Role: store.RoleReviewer,
			Prompt: reviewPrompt, Response: review, Timestamp: time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("log reviewer round: %w", err)
		}

		progress := roundShare * i
		if i == in.Iterations {
			progress = 100
		}
		in.Progress(progress, fmt.Sprintf("完成第 %d/%d 轮", i, in.Iterations))
	}

	outputPath, err := e.writeDraft(in.OutputName, draft)
	if err != nil {
		return nil, fmt.Errorf("write draft: %w", err)
	}

	return &store.Result{
		OutputPath:   outputPath,
		Iterations:   in.Iterations,
		LastReview:   review,
		TemplateUsed: in.TemplateID,
		TaskID:       in.JobID,
	}, nil
}

func (e *Engine) writeDraft(outputName, draft string) (string, error) {
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	name := outputName
	if name == "" {
		name = time.Now().Format("20060102-150405")
	}
	path := filepath.Join(e.outputDir, name+".md")

	if err := os.WriteFile(path, []byte(draft), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}
