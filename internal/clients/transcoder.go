// Package clients defines the Go interfaces over every external
// collaborator spec.md §1 treats as a black box (transcoder, blob store,
// job/element/timeline database, callback notifier) plus a stub/in-memory
// implementation of each suitable for tests and local development,
// grounded on the teacher's own black-box client interfaces
// (clients.TranscodeProvider, clients.S3, clients.InputCopier).
package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/livepeer/video-compositor-api/internal/videojob"
)

// ProgressFunc reports fractional completion (0..1) and a human-readable
// step label, mirroring progress/progress.go's Track callback shape.
type ProgressFunc func(fraction float64, step string)

// TranscodeJob is everything a Transcoder needs to produce an output file
// for one VideoJobRequest.
type TranscodeJob struct {
	JobID   string
	Request videojob.Request
}

// TranscodeResult is what a completed transcode produced.
type TranscodeResult struct {
	OutputPath string
	DurationMs int64
}

// Transcoder runs the actual media-processing pipeline. Grounded on
// clients.TranscodeProvider's single-method shape (the teacher routes every
// transcode backend — standalone ffmpeg, MediaConvert — through one
// interface so pipeline code never branches on backend).
type Transcoder interface {
	Transcode(ctx context.Context, job TranscodeJob, progress ProgressFunc) (TranscodeResult, error)
}

// StubTranscoder simulates a transcode by sleeping one TickInterval per
// request element (at most 10 ticks), invoking progress after each tick
// and honoring ctx cancellation cooperatively — standing in for
// an ffmpeg/MediaConvert backend the way the teacher's own test doubles
// (clients/transcode_provider_test.go) stand in for TranscodeProvider.
type StubTranscoder struct {
	TickInterval time.Duration
}

func NewStubTranscoder() *StubTranscoder {
	return &StubTranscoder{TickInterval: 50 * time.Millisecond}
}

func (s *StubTranscoder) Transcode(ctx context.Context, job TranscodeJob, progress ProgressFunc) (TranscodeResult, error) {
	if len(job.Request.Elements) == 0 {
		return TranscodeResult{}, fmt.Errorf("transcode job %s has no elements", job.JobID)
	}
	ticks := len(job.Request.Elements)
	if ticks > 10 {
		ticks = 10
	}
	start := time.Now()
	for i := 1; i <= ticks; i++ {
		select {
		case <-ctx.Done():
			return TranscodeResult{}, ctx.Err()
		case <-time.After(s.TickInterval):
		}
		if progress != nil {
			progress(float64(i)/float64(ticks), "transcoding")
		}
	}
	outputPath := fmt.Sprintf("/tmp/%s.%s", job.JobID, job.Request.OutputFormat)
	return TranscodeResult{OutputPath: outputPath, DurationMs: time.Since(start).Milliseconds()}, nil
}
