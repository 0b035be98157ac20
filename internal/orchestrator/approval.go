package orchestrator

import (
	"context"
	"sync"
)

// ApprovalRequest asks the operator to sign off a task result before it is completed.
type ApprovalRequest struct {
	TaskID     string
	TaskName   string
	Output     string
	responseCh chan approvalAnswer
}

// Decision is the operator's answer to an ApprovalRequest.
type Decision struct {
	Approved bool
	Reason   string
}

type approvalAnswer struct {
	decision Decision
	err      error
}

// ApproveFunc decides one request. It runs on the channel's handler goroutine, so
// requests are decided one at a time even when tasks run concurrently.
type ApproveFunc func(ctx context.Context, req ApprovalRequest) (Decision, error)

// AutoApprove approves every request.
func AutoApprove(context.Context, ApprovalRequest) (Decision, error) {
	return Decision{Approved: true, Reason: "auto-approved"}, nil
}

// ApprovalChannel serializes operator confirmations from concurrently running tasks.
type ApprovalChannel struct {
	requestCh chan ApprovalRequest
	approveFn ApproveFunc

	mu   sync.Mutex
	done chan struct{} // Closed when the current handler exits; nil before Start
}

// NewApprovalChannel creates a channel with the given buffer size.
// bufferSize should typically be 2x the concurrency limit to prevent blocking.
func NewApprovalChannel(bufferSize int, approveFn ApproveFunc) *ApprovalChannel {
	return &ApprovalChannel{
		requestCh: make(chan ApprovalRequest, bufferSize),
		approveFn: approveFn,
	}
}

// Start launches the handler goroutine. It runs until ctx is cancelled.
// The channel may be started again after Stop returns.
func (ac *ApprovalChannel) Start(ctx context.Context) {
	done := make(chan struct{})
	ac.mu.Lock()
	ac.done = done
	ac.mu.Unlock()
	go ac.handleRequests(ctx, done)
}

func (ac *ApprovalChannel) handleRequests(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-ac.requestCh:
			decision, err := ac.approveFn(ctx, req)

			select {
			case <-ctx.Done():
				req.responseCh <- approvalAnswer{err: ctx.Err()}
				return
			default:
				req.responseCh <- approvalAnswer{decision: decision, err: err}
			}
		}
	}
}

// Request submits a task result for sign-off and waits for the decision.
func (ac *ApprovalChannel) Request(ctx context.Context, taskID, taskName, output string) (Decision, error) {
	responseCh := make(chan approvalAnswer, 1)

	req := ApprovalRequest{
		TaskID:     taskID,
		TaskName:   taskName,
		Output:     output,
		responseCh: responseCh,
	}

	select {
	case ac.requestCh <- req:
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}

	select {
	case answer := <-responseCh:
		return answer.decision, answer.err
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Stop blocks until the handler goroutine started last has exited.
func (ac *ApprovalChannel) Stop() {
	ac.mu.Lock()
	done := ac.done
	ac.mu.Unlock()
	if done != nil {
		<-done
	}
}
