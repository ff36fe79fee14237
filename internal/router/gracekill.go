package router

import (
	"context"
	"fmt"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/systeminit/veritech/internal/core"
)

// GraceKillScheduler defers a kill rather than firing it immediately, for
// a caller's kill request that asks for "kill after grace period" instead
// of an immediate kill.
type GraceKillScheduler interface {
	ScheduleDelayedKill(ctx context.Context, id core.ExecutionId, after time.Duration) error
}

// CloudTasksGraceKillScheduler enqueues a Cloud Task that calls back into
// this process's admin surface once the grace period elapses, where the
// deferred kill is actually fired against the kill registry.
//
// Grounded on webhooks.CloudDispatcher's enqueueTask: the same
// cloudtasks.Client + HttpRequest task shape, narrowed from fan-out
// webhook delivery to a single self-addressed delayed callback, and using
// Cloud Tasks' own ScheduleTime instead of the webhook dispatcher's
// immediate-delivery model.
type CloudTasksGraceKillScheduler struct {
	client          *cloudtasks.Client
	queuePath       string
	callbackBaseURL string // e.g. https://dispatcher.internal:8090/internal/kill
}

// NewCloudTasksGraceKillScheduler dials Cloud Tasks and targets the given
// queue. callbackBaseURL is this process's own admin surface address;
// scheduled tasks POST to "<callbackBaseURL>/<execution_id>".
func NewCloudTasksGraceKillScheduler(ctx context.Context, projectID, locationID, queueID, callbackBaseURL string) (*CloudTasksGraceKillScheduler, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}
	return &CloudTasksGraceKillScheduler{
		client:          client,
		queuePath:       fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		callbackBaseURL: callbackBaseURL,
	}, nil
}

// ScheduleDelayedKill enqueues a task that POSTs to this scheduler's
// callback URL once after elapses.
func (s *CloudTasksGraceKillScheduler) ScheduleDelayedKill(ctx context.Context, id core.ExecutionId, after time.Duration) error {
	req := &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			ScheduleTime: timestamppb.New(time.Now().Add(after)),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        fmt.Sprintf("%s/%s", s.callbackBaseURL, id.String()),
				},
			},
		},
	}
	if _, err := s.client.CreateTask(ctx, req); err != nil {
		return fmt.Errorf("enqueue delayed kill task: %w", err)
	}
	return nil
}

// Close releases the Cloud Tasks client.
func (s *CloudTasksGraceKillScheduler) Close() error {
	return s.client.Close()
}
