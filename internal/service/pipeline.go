package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/geoface/attendance-server-go/internal/audit"
	"github.com/geoface/attendance-server-go/internal/biometric"
	"github.com/geoface/attendance-server-go/internal/camera"
	apperrors "github.com/geoface/attendance-server-go/internal/errors"
	"github.com/geoface/attendance-server-go/internal/geo"
	"github.com/geoface/attendance-server-go/internal/metrics"
	"github.com/geoface/attendance-server-go/internal/model"
	"github.com/geoface/attendance-server-go/internal/overlay"
	"github.com/geoface/attendance-server-go/internal/repository"
)

const (
	acquireRetryDelay = 100 * time.Millisecond
	detectionQuality  = 90
)

// FramePipeline processes frames for one stream: detect, match, geofence,
// debounce, commit, annotate.
type FramePipeline struct {
	sess     *Session
	source   camera.Source
	matcher  *biometric.Matcher
	gate     *geo.Gate
	repo     repository.AttendanceRepository
	debounce DebounceCounter
	opts     Options
	publish  func(sessionID, identity string, typ model.VerificationEventType, data map[string]any)
}

// Run loops until the context ends, the source closes or emit fails. A
// failed emit means the client went away and is not reported as an error.
func (p *FramePipeline) Run(ctx context.Context, emit func([]byte) error) error {
	defer p.sess.matches.Store(0)

	for {
		if ctx.Err() != nil || !p.source.IsOpen() {
			return nil
		}

		frame, err := p.source.Read(ctx)
		if err != nil {
			if errors.Is(err, camera.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			metrics.FrameAcquireErrors.Inc()
			log.Debug().Err(err).Str("sessionId", p.sess.ID()).Msg("frame acquisition failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acquireRetryDelay):
			}
			continue
		}

		// Stop may have released the camera while the frame was in flight.
		if !p.source.IsOpen() {
			return nil
		}

		out, err := p.Process(ctx, frame)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", p.sess.ID()).Msg("frame processing failed")
			continue
		}

		if err := emit(out); err != nil {
			log.Debug().Err(err).Str("sessionId", p.sess.ID()).Msg("stream client gone")
			return nil
		}
	}
}

// Process runs one frame through the pipeline and returns the annotated
// JPEG.
func (p *FramePipeline) Process(ctx context.Context, frame *camera.Frame) ([]byte, error) {
	start := time.Now()
	view := p.sess.view()
	scale := p.opts.DetectionScale

	faces := p.detect(ctx, frame, scale)
	match := p.matcher.Match(faces, view.reference)

	geoRes, err := p.gate.Evaluate(p.sess.Location())
	if err != nil {
		geoRes = geo.Result{}
	}

	combined := match.Matched && geoRes.WithinRange
	p.sess.matches.Store(int32(p.debounce.Observe(combined)))

	if p.debounce.Ready() && geoRes.WithinRange &&
		p.source.IsOpen() && p.sess.canCommit(view.identity) {
		p.commit(ctx, view.identity, match.Matched, geoRes)
	}

	boxes := make([]overlay.FaceBox, 0, len(faces))
	for _, f := range faces {
		boxes = append(boxes, overlay.FaceBox{
			Box:     overlay.ScaleBox(f.Box, scale),
			Matched: p.matcher.Match([]biometric.Face{f}, view.reference).Matched,
		})
	}

	img := overlay.Render(frame.Image, boxes, overlay.State{
		FaceMatched:     match.Matched,
		LocationKnown:   geoRes.Known,
		LocationMatched: geoRes.WithinRange,
		DistanceMeters:  geoRes.DistanceMeters,
		Committed:       p.sess.Committed(),
	})

	out, err := overlay.EncodeJPEG(img, p.opts.JPEGQuality)
	if err != nil {
		return nil, err
	}

	metrics.RecordFrame(combined, time.Since(start))
	return out, nil
}

// detect runs the detector on a downscaled copy of the frame. Detector
// failures count as a frame with no faces.
func (p *FramePipeline) detect(ctx context.Context, frame *camera.Frame, scale float64) []biometric.Face {
	small := overlay.Downscale(frame.Image, scale)
	data, err := overlay.EncodeJPEG(small, detectionQuality)
	if err != nil {
		log.Debug().Err(err).Msg("failed to encode detection frame")
		return nil
	}

	faces, err := p.matcher.Detector().DetectFaces(ctx, data)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug().Err(err).Uint64("seq", frame.Seq).Msg("face detection failed")
		}
		return nil
	}
	return faces
}

// commit upserts today's attendance. The write outlives ctx and is bounded
// by the commit timeout.
func (p *FramePipeline) commit(ctx context.Context, identity string, faceMatched bool, geoRes geo.Result) {
	now := p.opts.Now().In(p.opts.Location)
	params := model.UpsertAttendanceParams{
		Email:           identity,
		Date:            now.Format(model.AttendanceDateLayout),
		Time:            now.Format(model.AttendanceTimeLayout),
		FaceMatched:     faceMatched,
		LocationMatched: geoRes.WithinRange,
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.CommitTimeout)
	defer cancel()

	res, err := p.repo.UpsertDaily(cctx, params)
	if err != nil {
		p.sess.recordCommitError(err)
		outcome := metrics.CommitFailed
		if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			outcome = metrics.CommitNotFound
		}
		metrics.RecordCommit(outcome)

		log.Warn().
			Err(err).
			Str("identity", identity).
			Str("sessionId", p.sess.ID()).
			Msg("attendance commit failed")
		audit.Log(cctx, audit.Event{
			Type:      audit.EventCommitFailed,
			Identity:  identity,
			SessionID: p.sess.ID(),
			Details:   map[string]interface{}{"error": err},
		})
		p.publish(p.sess.ID(), identity, model.EventCommitFailed, map[string]any{
			"code": string(apperrors.GetCode(err)),
		})
		return
	}

	p.sess.markCommitted(res.Record.Time)
	p.debounce.Reset()
	p.sess.matches.Store(0)

	outcome := metrics.CommitCreated
	if res.Action == model.UpsertActionUpdated {
		outcome = metrics.CommitUpdated
	}
	metrics.RecordCommit(outcome)

	log.Info().
		Str("identity", identity).
		Str("sessionId", p.sess.ID()).
		Str("date", res.Record.Date).
		Str("time", res.Record.Time).
		Str("action", string(res.Action)).
		Msg("attendance recorded")
	audit.Log(cctx, audit.Event{
		Type:      audit.EventAttendanceCommit,
		Identity:  identity,
		SessionID: p.sess.ID(),
		Details: map[string]interface{}{
			"action":         string(res.Action),
			"distanceMeters": geoRes.DistanceMeters,
			"verified":       res.Record.Verified,
		},
	})
	p.publish(p.sess.ID(), identity, model.EventAttendanceCommitted, map[string]any{
		"date":     res.Record.Date,
		"time":     res.Record.Time,
		"action":   string(res.Action),
		"verified": res.Record.Verified,
	})
}
