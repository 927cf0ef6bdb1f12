package dispatch

import (
	"context"
	"fmt"

	"outreach/internal/connector"
	"outreach/internal/domain"
)

// Sender performs the external action for one job item.
//
// Returning an error wrapped with domain.Permanent marks the item SKIPPED
// without consuming a try; any other error is retried up to MaxTries.
type Sender interface {
	Send(ctx context.Context, conn connector.Connector, job domain.Job, item domain.JobItem) (connector.SendResult, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, conn connector.Connector, job domain.Job, item domain.JobItem) (connector.SendResult, error)

func (f SenderFunc) Send(ctx context.Context, conn connector.Connector, job domain.Job, item domain.JobItem) (connector.SendResult, error) {
	return f(ctx, conn, job, item)
}

// DefaultSenders returns the built-in strategy for every job kind.
func DefaultSenders() map[domain.JobKind]Sender {
	return map[domain.JobKind]Sender{
		domain.KindCampaign:       SenderFunc(sendMessage),
		domain.KindGroupBroadcast: SenderFunc(sendMessage),
		domain.KindGroupJoin:      SenderFunc(joinGroup),
	}
}

// ItemPayload is the item's own payload, falling back to the job default.
func ItemPayload(job domain.Job, item domain.JobItem) []byte {
	if len(item.Payload) > 0 {
		return item.Payload
	}
	return job.Payload
}

func sendMessage(ctx context.Context, conn connector.Connector, job domain.Job, item domain.JobItem) (connector.SendResult, error) {
	payload := ItemPayload(job, item)
	if len(payload) == 0 {
		return connector.SendResult{}, domain.Permanent(fmt.Errorf("item %s has no payload", item.ID))
	}
	return conn.Send(ctx, item.Target, payload)
}

func joinGroup(ctx context.Context, conn connector.Connector, _ domain.Job, item domain.JobItem) (connector.SendResult, error) {
	gj, ok := conn.(connector.GroupJoiner)
	if !ok {
		return connector.SendResult{}, domain.Permanent(fmt.Errorf("connector cannot join groups"))
	}
	groupID, err := gj.JoinGroup(ctx, item.Target)
	if err != nil {
		return connector.SendResult{}, err
	}
	return connector.SendResult{ExternalID: groupID}, nil
}
