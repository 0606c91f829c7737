// Package queue enqueues outgoing mail jobs on a Redis list consumed by the
// delivery worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"hireloop.dev/internal/auth"
	"hireloop.dev/internal/ids"
)

// DefaultKey is the list jobs are pushed to.
const DefaultKey = "mail:jobs"

// Envelope is the JSON document stored on the list.
type Envelope struct {
	ID         string    `json:"id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	auth.MailJob
}

// Mail pushes jobs with LPUSH; workers pop from the other end.
type Mail struct {
	client redis.UniversalClient
	key    string
	now    func() time.Time
}

// NewMail builds a mail queue on key, or DefaultKey when key is empty.
func NewMail(client redis.UniversalClient, key string) *Mail {
	if strings.TrimSpace(key) == "" {
		key = DefaultKey
	}
	return &Mail{client: client, key: key, now: time.Now}
}

// Enqueue implements auth.Mailer.
func (q *Mail) Enqueue(ctx context.Context, job auth.MailJob) error {
	if strings.TrimSpace(job.Email) == "" || strings.TrimSpace(job.Template.Name) == "" {
		return errors.New("queue: email and template name are required")
	}
	data, err := json.Marshal(Envelope{ID: ids.New(), EnqueuedAt: q.now().UTC(), MailJob: job})
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("queue: push: %w", err)
	}
	return nil
}

// Next pops the oldest job. ok is false when the queue is empty.
func (q *Mail) Next(ctx context.Context) (env Envelope, ok bool, err error) {
	raw, err := q.client.RPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, fmt.Errorf("queue: pop: %w", err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false, fmt.Errorf("queue: decode job: %w", err)
	}
	return env, true, nil
}

// Len reports the number of pending jobs.
func (q *Mail) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
