package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/splax/localvercel/internal/eventloop"
	"github.com/splax/localvercel/internal/realtime"
	apiclient "github.com/splax/localvercel/pkg/api/client"
	"github.com/splax/localvercel/pkg/repourl"
)

type deployOutcome struct {
	result apiclient.DeploymentResult
	err    error
}

// Deploy validates req, triggers the deployment and, on success, subscribes
// to the project's log topic. It waits for the trigger to finish.
//
// Errors: *repourl.ValidationError before any network activity,
// ErrNotConnected or ErrInProgress when deploying is disabled,
// *apiclient.NetworkError or apiclient.ErrEmptyResult from the trigger.
func (s *Session) Deploy(ctx context.Context, req apiclient.DeploymentRequest) (apiclient.DeploymentResult, error) {
	if err := repourl.Check(req.GitURL); err != nil {
		return apiclient.DeploymentResult{}, err
	}
	done := make(chan deployOutcome, 1)
	var startErr error
	if err := s.loop.Do(ctx, func() { startErr = s.startDeploy(req, done) }); err != nil {
		if errors.Is(err, eventloop.ErrStopped) {
			err = ErrClosed
		}
		return apiclient.DeploymentResult{}, err
	}
	if startErr != nil {
		return apiclient.DeploymentResult{}, startErr
	}
	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return apiclient.DeploymentResult{}, ctx.Err()
	case <-s.loop.Stopped():
		select {
		case out := <-done:
			return out.result, out.err
		default:
			return apiclient.DeploymentResult{}, ErrClosed
		}
	}
}

func (s *Session) startDeploy(req apiclient.DeploymentRequest, done chan<- deployOutcome) error {
	if s.state != realtime.Connected {
		return ErrNotConnected
	}
	if s.inProgress {
		return ErrInProgress
	}
	if strings.TrimSpace(req.Slug) == "" && s.result != nil {
		req.Slug = s.result.ProjectSlug
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	release := s.acquireInProgress()
	s.log.Info("triggering deployment", "git_url", req.GitURL, "slug", req.Slug, "request_id", req.RequestID)
	// The request outlives a torn-down session; the client timeout still bounds it.
	go s.trigger(context.WithoutCancel(s.runCtx), req, release, done)
	return nil
}

// acquireInProgress raises the in-progress flag and returns its release.
// Release is idempotent and must run on the loop, or after it has stopped.
func (s *Session) acquireInProgress() func() {
	s.inProgress = true
	s.publish()
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		s.inProgress = false
		s.release = nil
		s.publish()
	}
	s.release = release
	return release
}

// trigger runs off the loop. Its completion is always posted back, whatever
// way the request ends.
func (s *Session) trigger(ctx context.Context, req apiclient.DeploymentRequest, release func(), done chan<- deployOutcome) {
	var (
		res apiclient.DeploymentResult
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deployment trigger panicked: %v", r)
		}
		if !s.loop.Post(func() { s.finishDeploy(req, res, err, release, done) }) {
			done <- deployOutcome{err: ErrClosed}
		}
	}()
	res, err = s.api.TriggerDeployment(ctx, req)
}

func (s *Session) finishDeploy(req apiclient.DeploymentRequest, res apiclient.DeploymentResult, err error, release func(), done chan<- deployOutcome) {
	out := deployOutcome{err: err}
	log := s.log.With("request_id", req.RequestID)

	switch {
	case err == nil:
		s.result = &res
		out.result = res
		s.metrics.DeployResult("success")
		log.Info("deployment started", "project", res.ProjectSlug, "preview_url", res.URL)
		s.notify(Notification{Kind: NotifySuccess, Message: MsgDeployStarted})
		topic := res.Topic()
		if serr := s.conn.Subscribe(topic); serr != nil {
			log.Error("subscribe to deployment logs failed", "topic", topic, "error", serr)
			s.notify(Notification{Kind: NotifyError, Message: MsgSubscribeFailed, Err: serr})
			out.err = fmt.Errorf("subscribe %s: %w", topic, serr)
		}
	case errors.Is(err, apiclient.ErrEmptyResult):
		s.metrics.DeployResult("empty")
		log.Warn("deployment response carried no result", "error", err)
	default:
		s.metrics.DeployResult("failed")
		log.Error("deployment trigger failed", "error", err)
		s.notify(Notification{Kind: NotifyError, Message: MsgDeployFailed, Err: err})
	}

	release()
	done <- out
}
