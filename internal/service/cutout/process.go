package cutout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	units "github.com/docker/go-units"

	"cutout/internal/models"
	"cutout/internal/service/removal"
	"cutout/internal/storage"
)

const (
	outputExt         = "png"
	outputContentType = "image/png"

	msgUnreachable = "AI service unavailable - please try again later"
	msgTimeout     = "AI service timeout - image processing took too long. Try a smaller image."
)

// Stage is where a process request got to. Every request that located its
// input ends in CleanedUp, whether it succeeded or aborted.
type Stage int

const (
	StageStart Stage = iota
	StageInputLocated
	StageSubmitted
	StageOutputWritten
	StageResponded
	StageCleanedUp
)

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "start"
	case StageInputLocated:
		return "input_located"
	case StageSubmitted:
		return "submitted"
	case StageOutputWritten:
		return "output_written"
	case StageResponded:
		return "responded"
	case StageCleanedUp:
		return "cleaned_up"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Download is the processed image handed to the caller.
type Download struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// DeliverFunc streams a download to the caller. Body is only valid for the
// duration of the call.
type DeliverFunc func(Download) error

type processJob struct {
	id      models.ArtifactID
	input   storage.StoredPath
	output  storage.StoredPath
	stage   Stage
	started time.Time
}

// Process sends the input stored under id through the removal service and
// hands the result to deliver. Once the input has been located, both the
// input and any output are deleted before Process returns, on every path.
func (s *Service) Process(ctx context.Context, rawID string, deliver DeliverFunc) (err error) {
	id := models.ArtifactID(strings.TrimSpace(rawID))
	if id == "" {
		return newError(KindValidation, "uploadId required", nil)
	}

	input, err := s.store.FindByIDPrefix(models.RoleInput, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newError(KindNotFound, "Image not found", nil)
		}
		return newError(KindLocal, "Processing failed: "+err.Error(), err)
	}

	if s.locker != nil {
		unlock, ok, lockErr := s.locker.Lock(ctx, string(id))
		if lockErr != nil {
			return newError(KindLocal, "Processing failed: "+lockErr.Error(), lockErr)
		}
		if !ok {
			return newError(KindConflict, "Image is already being processed", nil)
		}
		defer unlock()
	}

	job := &processJob{id: id, input: input, stage: StageInputLocated, started: time.Now()}
	defer func() { s.cleanup(job, err) }()

	if err := s.submit(ctx, job); err != nil {
		return err
	}
	return s.respond(job, deliver)
}

// submit runs the remote call and writes its result as the output artifact.
func (s *Service) submit(ctx context.Context, job *processJob) error {
	src, size, err := s.store.Open(job.input)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// swept or processed by a concurrent request since lookup
			return newError(KindNotFound, "Image file not found", err)
		}
		return newError(KindLocal, "Processing failed: "+err.Error(), err)
	}
	s.logger.Debug().Str("upload_id", job.id.String()).Str("file", job.input.Name()).
		Str("size", units.HumanSize(float64(size))).Msg("submitting to removal service")

	outcome := s.remover.RemoveBackground(ctx, job.input.Name(), src, size)
	src.Close()
	job.stage = StageSubmitted
	if outcome.Kind != removal.Success {
		return outcomeError(ctx, outcome)
	}

	path, _, putErr := s.store.Put(models.RoleOutput, job.id, outputExt, outcome.Body)
	// the timeout covers the remote call only, not the download below
	outcome.Close()
	if putErr != nil {
		var streamErr *removal.StreamError
		if errors.As(putErr, &streamErr) {
			return outcomeError(ctx, removal.Outcome{Kind: streamErr.Kind, Err: putErr})
		}
		return newError(KindLocal, "Processing failed: "+putErr.Error(), putErr)
	}
	job.output = path
	job.stage = StageOutputWritten
	return nil
}

func (s *Service) respond(job *processJob, deliver DeliverFunc) error {
	f, size, err := s.store.Open(job.output)
	if err != nil {
		return newError(KindLocal, "Processing failed: "+err.Error(), err)
	}
	defer f.Close()

	err = deliver(Download{
		Filename:    job.id.String() + models.OutputSuffix + "." + outputExt,
		ContentType: outputContentType,
		Size:        size,
		Body:        f,
	})
	job.stage = StageResponded
	if err != nil {
		return newError(KindLocal, "Failed to send file", err)
	}
	return nil
}

// cleanup deletes the request's artifacts. Failures are logged only; they
// never replace the result already decided.
func (s *Service) cleanup(job *processJob, result error) {
	for _, path := range []storage.StoredPath{job.input, job.output} {
		if path == "" {
			continue
		}
		if err := s.store.Delete(path); err != nil {
			s.logger.Error().Err(err).Str("upload_id", job.id.String()).Str("path", string(path)).Msg("cleanup failed")
		}
	}
	reached := job.stage
	job.stage = StageCleanedUp

	evt := s.logger.Info()
	if result != nil {
		evt = s.logger.Warn().Err(result).Str("aborted_at", reached.String())
	}
	evt.Str("upload_id", job.id.String()).Dur("elapsed", time.Since(job.started)).Msg("process finished")
}

// outcomeError maps a failed removal outcome onto the service taxonomy.
func outcomeError(ctx context.Context, out removal.Outcome) *Error {
	switch out.Kind {
	case removal.RemoteRejected:
		e := newError(KindRemoteRejected, out.Message, out.Err)
		if out.StatusCode >= 400 && out.StatusCode <= 599 {
			e.Status = out.StatusCode
		}
		return e
	case removal.RemoteUnreachable:
		return newError(KindRemoteUnreachable, msgUnreachable, out.Err)
	case removal.Timeout:
		return newError(KindTimeout, msgTimeout, out.Err)
	default:
		if ctx.Err() != nil {
			return newError(KindLocal, "Processing canceled", out.Err)
		}
		msg := "Processing failed"
		if out.Err != nil {
			msg += ": " + out.Err.Error()
		}
		return newError(KindLocal, msg, out.Err)
	}
}
